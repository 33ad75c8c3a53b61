package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/datahaven/dh-relay/relayer/requests"
	"github.com/datahaven/dh-relay/relayer/store"
)

var (
	// ErrNotRetryable is returned when retrying a request that has nothing
	// left to do.
	ErrNotRetryable = errors.New("request is terminal")

	// ErrJobActive is returned when the request already has a queued or
	// running job.
	ErrJobActive = errors.New("request already has an active job")
)

// JobView is a job as shown to operators.
type JobView struct {
	ID        string `json:"id" yaml:"id"`
	Type      string `json:"type" yaml:"type"`
	State     string `json:"state" yaml:"state"`
	Attempts  int    `json:"attempts" yaml:"attempts"`
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// CompensationView is a compensation as shown to operators.
type CompensationView struct {
	Status    string `json:"status" yaml:"status"`
	TxID      string `json:"tx_id,omitempty" yaml:"tx_id,omitempty"`
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// StorageView is the status of a storage request.
type StorageView struct {
	RequestID       string            `json:"request_id" yaml:"request_id"`
	OriginChain     string            `json:"origin_chain" yaml:"origin_chain"`
	User            string            `json:"user" yaml:"user"`
	DataHash        string            `json:"data_hash" yaml:"data_hash"`
	PaymentAmount   string            `json:"payment_amount" yaml:"payment_amount"`
	Status          string            `json:"status" yaml:"status"`
	FailureReason   string            `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
	BlobID          string            `json:"blob_id,omitempty" yaml:"blob_id,omitempty"`
	ProofHash       string            `json:"proof_hash,omitempty" yaml:"proof_hash,omitempty"`
	CoordinatorTxID string            `json:"coordinator_tx_id,omitempty" yaml:"coordinator_tx_id,omitempty"`
	WritebackTxID   string            `json:"writeback_tx_id,omitempty" yaml:"writeback_tx_id,omitempty"`
	BridgeStatus    string            `json:"bridge_status,omitempty" yaml:"bridge_status,omitempty"`
	BridgeError     string            `json:"bridge_error,omitempty" yaml:"bridge_error,omitempty"`
	Revoked         bool              `json:"revoked" yaml:"revoked"`
	Compensation    *CompensationView `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	Jobs            []JobView         `json:"jobs" yaml:"jobs"`
	CreatedAt       time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" yaml:"updated_at"`
}

// RetrievalView is the status of a retrieval request.
type RetrievalView struct {
	RetrievalID        string    `json:"retrieval_id" yaml:"retrieval_id"`
	StorageRequestID   string    `json:"storage_request_id" yaml:"storage_request_id"`
	OriginChain        string    `json:"origin_chain" yaml:"origin_chain"`
	Accessor           string    `json:"accessor" yaml:"accessor"`
	Status             string    `json:"status" yaml:"status"`
	FailureReason      string    `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
	AccessProofHash    string    `json:"access_proof_hash,omitempty" yaml:"access_proof_hash,omitempty"`
	IntegrityProofHash string    `json:"integrity_proof_hash,omitempty" yaml:"integrity_proof_hash,omitempty"`
	WritebackTxID      string    `json:"writeback_tx_id,omitempty" yaml:"writeback_tx_id,omitempty"`
	Jobs               []JobView `json:"jobs" yaml:"jobs"`
	CreatedAt          time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" yaml:"updated_at"`
}

// StorageStatus returns the last persisted state of a storage request.
func (e *Engine) StorageStatus(ctx context.Context, requestID string) (*StorageView, error) {
	req, err := e.Requests.GetStorage(ctx, requestID)
	if err != nil {
		return nil, err
	}
	jobs, err := e.jobViews(ctx, requestID)
	if err != nil {
		return nil, err
	}
	view := &StorageView{
		RequestID:       req.RequestID,
		OriginChain:     req.OriginChain,
		User:            req.User,
		DataHash:        req.DataHash,
		PaymentAmount:   req.PaymentAmount,
		Status:          req.Status,
		FailureReason:   req.FailureReason,
		BlobID:          req.BlobID,
		ProofHash:       req.ProofHash,
		CoordinatorTxID: req.CoordinatorTxID,
		WritebackTxID:   req.WritebackTxID,
		BridgeStatus:    req.BridgeStatus,
		BridgeError:     req.BridgeError,
		Revoked:         req.Revoked,
		Jobs:            jobs,
		CreatedAt:       req.CreatedAt,
		UpdatedAt:       req.UpdatedAt,
	}
	comp, err := e.Requests.GetCompensation(ctx, requestID)
	switch {
	case err == nil:
		view.Compensation = &CompensationView{Status: comp.Status, TxID: comp.TxID, LastError: comp.LastError}
	case !errors.Is(err, requests.ErrNotFound):
		return nil, err
	}
	return view, nil
}

// RetrievalStatus returns the last persisted state of a retrieval.
func (e *Engine) RetrievalStatus(ctx context.Context, retrievalID string) (*RetrievalView, error) {
	ret, err := e.Requests.GetRetrieval(ctx, retrievalID)
	if err != nil {
		return nil, err
	}
	jobs, err := e.jobViews(ctx, retrievalID)
	if err != nil {
		return nil, err
	}
	return &RetrievalView{
		RetrievalID:        ret.RetrievalID,
		StorageRequestID:   ret.StorageRequestID,
		OriginChain:        ret.OriginChain,
		Accessor:           ret.Accessor,
		Status:             ret.Status,
		FailureReason:      ret.FailureReason,
		AccessProofHash:    ret.AccessProofHash,
		IntegrityProofHash: ret.IntegrityProofHash,
		WritebackTxID:      ret.WritebackTxID,
		Jobs:               jobs,
		CreatedAt:          ret.CreatedAt,
		UpdatedAt:          ret.UpdatedAt,
	}, nil
}

func (e *Engine) jobViews(ctx context.Context, subject string) ([]JobView, error) {
	jobs, err := e.Queue.ListBySubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, JobView{ID: j.ID, Type: j.Type, State: j.State, Attempts: j.Attempts, LastError: j.LastError})
	}
	return views, nil
}

// Retry re-enqueues processing for a storage request or retrieval by id.
// Terminal requests are rejected, except a confirmed request whose payment
// bridge has not succeeded.
func (e *Engine) Retry(ctx context.Context, id string) (string, error) {
	req, err := e.Requests.GetStorage(ctx, id)
	switch {
	case err == nil:
		return e.retryStorage(ctx, req)
	case !errors.Is(err, requests.ErrNotFound):
		return "", err
	}

	ret, err := e.Requests.GetRetrieval(ctx, id)
	if err != nil {
		return "", err
	}
	if requests.RetrievalTerminal(ret.Status) {
		return "", fmt.Errorf("retrieval %s is %s: %w", id, ret.Status, ErrNotRetryable)
	}
	if err := e.ensureIdle(ctx, JobRetrieval, id); err != nil {
		return "", err
	}
	jobID, err := e.enqueueRetrieval(ctx, id, "")
	if err == nil {
		e.logger.Info().Str("retrieval_id", id).Str("job_id", jobID).Msg("retrieval re-enqueued by operator")
	}
	return jobID, err
}

func (e *Engine) retryStorage(ctx context.Context, req *store.StorageRequest) (string, error) {
	switch req.Status {
	case requests.StorageFailed:
		return "", fmt.Errorf("request %s is %s: %w", req.RequestID, req.Status, ErrNotRetryable)
	case requests.StorageConfirmed:
		if req.BridgeStatus == requests.BridgeDone || req.BridgeStatus == requests.BridgeNotRequired {
			return "", fmt.Errorf("request %s is %s: %w", req.RequestID, req.Status, ErrNotRetryable)
		}
		if req.BridgeStatus == requests.BridgeFailed {
			if err := e.Requests.SetStorageFields(ctx, req.RequestID, requests.StorageConfirmed, map[string]interface{}{
				"bridge_status": "",
			}); err != nil {
				return "", err
			}
		}
	}
	if err := e.ensureIdle(ctx, JobStorage, req.RequestID); err != nil {
		return "", err
	}
	jobID, err := e.enqueueStorage(ctx, req.RequestID, "")
	if err == nil {
		e.logger.Info().Str("request_id", req.RequestID).Str("job_id", jobID).Msg("storage request re-enqueued by operator")
	}
	return jobID, err
}

func (e *Engine) ensureIdle(ctx context.Context, jobType, subject string) error {
	active, err := e.Queue.HasActive(ctx, jobType, subject)
	if err != nil {
		return err
	}
	if active {
		return fmt.Errorf("%s: %w", subject, ErrJobActive)
	}
	return nil
}

// Reconcile finds open requests with no active job, which a crash
// between a dead-letter and its hook can leave behind. A request whose
// last job died is failed; any other gets a fresh job. It runs once at
// startup before the queue workers.
func (e *Engine) Reconcile(ctx context.Context) error {
	storage, err := e.Requests.ListOpenStorage(ctx)
	if err != nil {
		return err
	}
	for _, req := range storage {
		id := req.RequestID
		if err := e.reconcileOne(ctx, JobStorage, id, func(reason string) error {
			_, err := e.failStorage(ctx, id, reason)
			return err
		}, func() error {
			_, err := e.enqueueStorage(ctx, id, "")
			return err
		}); err != nil {
			return err
		}
	}

	retrievals, err := e.Requests.ListOpenRetrievals(ctx)
	if err != nil {
		return err
	}
	for _, ret := range retrievals {
		id := ret.RetrievalID
		if err := e.reconcileOne(ctx, JobRetrieval, id, func(reason string) error {
			_, err := e.Requests.FailRetrieval(ctx, id, reason)
			return err
		}, func() error {
			_, err := e.enqueueRetrieval(ctx, id, "")
			return err
		}); err != nil {
			return err
		}
	}

	pending, err := e.Requests.ListPendingCompensations(ctx)
	if err != nil {
		return err
	}
	for i := range pending {
		comp := &pending[i]
		active, err := e.Queue.HasActive(ctx, JobCompensation, comp.RequestID)
		if err != nil {
			return err
		}
		if active {
			continue
		}
		if err := e.finishCompensation(ctx, comp, "", errors.New("compensation job lost")); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) reconcileOne(ctx context.Context, jobType, subject string, fail func(string) error, requeue func() error) error {
	jobs, err := e.Queue.ListBySubject(ctx, subject)
	if err != nil {
		return err
	}
	var last *store.Job
	for i := range jobs {
		if jobs[i].Type != jobType {
			continue
		}
		switch jobs[i].State {
		case store.JobStateQueued, store.JobStateRunning:
			return nil
		}
		last = &jobs[i]
	}

	log := e.logger.With().Str("type", jobType).Str("subject", subject).Logger()
	if last != nil && last.State == store.JobStateFailed {
		reason := last.LastError
		if reason == "" {
			reason = "job dead-lettered"
		}
		log.Warn().Str("reason", reason).Msg("failing request left behind by a dead job")
		return fail(reason)
	}
	log.Warn().Msg("re-enqueueing request with no active job")
	return requeue()
}
