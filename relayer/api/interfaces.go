package api

import (
	"context"

	"github.com/datahaven/dh-relay/relayer/store"
	"github.com/datahaven/dh-relay/relayer/workflow"
)

// Operator is the workflow surface the API exposes.
type Operator interface {
	StorageStatus(ctx context.Context, requestID string) (*workflow.StorageView, error)
	RetrievalStatus(ctx context.Context, retrievalID string) (*workflow.RetrievalView, error)
	Retry(ctx context.Context, id string) (string, error)
}

// Ledger is the request store surface the API reads and writes.
type Ledger interface {
	GetReceipt(ctx context.Context, requestID string) (*store.Receipt, error)
	PutUpload(ctx context.Context, requestID string, ciphertext []byte) error
}

// HealthReporter reports the health of each long-running component.
type HealthReporter interface {
	HealthStatus() map[string]bool
}
