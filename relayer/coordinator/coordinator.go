// Package coordinator submits fulfilled storage requests to the
// coordinator ledger, which keeps a chain-agnostic copy of every record.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/httpclient"
)

// Record is the storage record sent to the ledger.
type Record struct {
	RequestID     string `json:"request_id"`
	OriginChain   string `json:"origin_chain"`
	User          string `json:"user"`
	DataHash      string `json:"data_hash"`
	PaymentAmount string `json:"payment_amount"`
	BlobID        string `json:"blob_id"`
	ProofHash     string `json:"proof_hash"`
	StoredAt      int64  `json:"stored_at"`
}

// Ledger is the coordinator ledger adapter.
type Ledger interface {
	SubmitStorageRecord(ctx context.Context, rec Record) (string, error)
}

type submitResponse struct {
	TxID string `json:"tx_id"`
}

// HTTPClient talks to the coordinator service.
type HTTPClient struct {
	client *httpclient.Client
	logger zerolog.Logger
}

// NewHTTPClient creates a client for the coordinator at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		client: httpclient.New("coordinator", baseURL, timeout, logger),
		logger: logger.With().Str("component", "coordinator").Logger(),
	}
}

// SubmitStorageRecord posts rec to /v1/storage-records. The service is
// expected to treat a resubmitted request id as the same record.
func (c *HTTPClient) SubmitStorageRecord(ctx context.Context, rec Record) (string, error) {
	var resp submitResponse
	if err := c.client.PostJSON(ctx, "/v1/storage-records", rec, &resp); err != nil {
		return "", err
	}
	if resp.TxID == "" {
		return "", relayerrors.NewRPCError("", "coordinator returned no tx id", nil)
	}
	c.logger.Info().Str("request_id", rec.RequestID).Str("tx_id", resp.TxID).Msg("storage record submitted")
	return resp.TxID, nil
}

// Local derives a deterministic transaction id from the record. It stands
// in for the ledger when no coordinator URL is configured.
type Local struct {
	logger zerolog.Logger
}

// NewLocal creates a Local ledger.
func NewLocal(logger zerolog.Logger) *Local {
	return &Local{logger: logger.With().Str("component", "coordinator").Logger()}
}

func (l *Local) SubmitStorageRecord(ctx context.Context, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", relayerrors.NewValidationError("", err.Error())
	}
	sum := sha256.Sum256(raw)
	txID := hexutil.Encode(sum[:])
	l.logger.Debug().Str("request_id", rec.RequestID).Str("tx_id", txID).Msg("storage record recorded locally")
	return txID, nil
}
