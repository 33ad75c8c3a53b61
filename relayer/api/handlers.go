package api

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"

	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/receipt"
	"github.com/datahaven/dh-relay/relayer/requests"
	"github.com/datahaven/dh-relay/relayer/workflow"
)

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]bool{}
	if s.health != nil {
		components = s.health.HealthStatus()
	}
	resp := HealthResponse{Status: "OK", Components: components}
	code := http.StatusOK
	for _, ok := range components {
		if !ok {
			resp.Status = "DEGRADED"
			code = http.StatusServiceUnavailable
			break
		}
	}
	s.writeJSON(w, code, resp)
}

// handleRequest handles GET /api/v1/requests/{id}
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	view, err := s.operator.StorageStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, QueryResponse{Data: view})
}

// handleRetrieval handles GET /api/v1/retrievals/{id}
func (s *Server) handleRetrieval(w http.ResponseWriter, r *http.Request) {
	view, err := s.operator.RetrievalStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, QueryResponse{Data: view})
}

// handleReceipt handles GET /api/v1/receipts/{id}
func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.GetReceipt(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	rcpt, err := receipt.FromRecord(rec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, QueryResponse{Data: rcpt.View()})
}

// handleRetry handles POST /api/v1/requests/{id}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	jobID, err := s.operator.Retry(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info().Str("id", id).Str("job_id", jobID).Msg("retry requested over API")
	s.writeJSON(w, http.StatusAccepted, QueryResponse{Data: RetryResponse{ID: id, JobID: jobID}})
}

// handleUpload handles PUT /api/v1/uploads/{id} with the raw ciphertext as body.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "upload exceeds " + strconv.FormatInt(s.maxUpload, 10) + " bytes"})
			return
		}
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.ledger.PutUpload(r.Context(), id, body); err != nil {
		s.writeError(w, err)
		return
	}
	sum := sha256.Sum256(body)
	s.writeJSON(w, http.StatusCreated, QueryResponse{Data: UploadResponse{
		RequestID: id,
		DataHash:  hexutil.Encode(sum[:]),
		Size:      len(body),
	}})
}

// handleFeeEstimate handles GET /api/v1/fees/estimate?size=<bytes>
func (s *Server) handleFeeEstimate(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("size")
	if raw == "" {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "size parameter is required"})
		return
	}
	size, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "size must be a non-negative integer"})
		return
	}
	s.writeJSON(w, http.StatusOK, QueryResponse{Data: s.fees.Estimate(size)})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, requests.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, requests.ErrAlreadyExists),
		errors.Is(err, workflow.ErrNotRetryable),
		errors.Is(err, workflow.ErrJobActive):
		return http.StatusConflict
	case relayerrors.IsTerminal(err):
		return http.StatusBadRequest
	case relayerrors.IsFatal(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
