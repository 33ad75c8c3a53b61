// Package workflow drives storage and retrieval requests through their
// lifecycles. Each step persists its result before the next begins, so a
// redelivered job resumes at the first step that has not been recorded.
package workflow

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/blobstore"
	"github.com/datahaven/dh-relay/relayer/bridge"
	"github.com/datahaven/dh-relay/relayer/chains/common"
	"github.com/datahaven/dh-relay/relayer/config"
	"github.com/datahaven/dh-relay/relayer/coordinator"
	"github.com/datahaven/dh-relay/relayer/dedup"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/fraud"
	"github.com/datahaven/dh-relay/relayer/prover"
	"github.com/datahaven/dh-relay/relayer/queue"
	"github.com/datahaven/dh-relay/relayer/receipt"
	"github.com/datahaven/dh-relay/relayer/requests"
)

// Job types.
const (
	JobStorage      = "storage.process"
	JobRetrieval    = "retrieval.process"
	JobRevocation   = "revocation.apply"
	JobCompensation = "compensation.mark_failed"
)

// Failure reasons recorded on requests.
const (
	ReasonNotUploaded       = "ciphertext not uploaded"
	ReasonUploadMismatch    = "ciphertext does not match data hash"
	ReasonBlobVerification  = "stored blob failed verification"
	ReasonIntegrityMismatch = "integrity mismatch"
	ReasonUnknownStorage    = "unknown storage request"
	ReasonNotConfirmed      = "storage request not confirmed"
	ReasonAccessDenied      = "access denied"
	ReasonAccessRevoked     = "access revoked"
)

type storageJob struct {
	RequestID string `json:"request_id"`
	EventID   string `json:"event_id,omitempty"`
}

type retrievalJob struct {
	RetrievalID string `json:"retrieval_id"`
	EventID     string `json:"event_id,omitempty"`
}

type revocationJob struct {
	RequestID string `json:"request_id"`
	EventID   string `json:"event_id,omitempty"`
}

type compensationJob struct {
	RequestID string `json:"request_id"`
}

// Writebacks resolves the writeback adapter of an origin chain.
type Writebacks interface {
	Writeback(chainID string) (common.Writeback, error)
	Kind(chainID string) (config.ChainKind, error)
}

// Deps are the engine's collaborators.
type Deps struct {
	Requests   *requests.Store
	Queue      *queue.Queue
	Dedup      *dedup.Deduplicator
	Fraud      *fraud.Gate
	Blobs      blobstore.Backend
	Prover     prover.Service
	Ledger     coordinator.Ledger
	Bridge     bridge.Bridge
	Receipts   *receipt.Generator
	Writebacks Writebacks
}

// Config tunes the engine.
type Config struct {
	// SettlementChain receives bridged payments. Empty disables bridging.
	SettlementChain string

	// UploadWaitAttempts is how many storage job attempts may find no
	// uploaded ciphertext before the request fails.
	UploadWaitAttempts int

	// MaxAttempts is the queue's default job attempt budget.
	MaxAttempts int

	// Concurrency is the worker count per job type.
	Concurrency int

	// Compensation is the inline retry policy of the markFailed write.
	Compensation *relayerrors.RetryConfig
}

// ConfigFrom converts the relayer configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		SettlementChain:    cfg.SettlementChain,
		UploadWaitAttempts: cfg.Workflow.UploadWaitAttempts,
		MaxAttempts:        cfg.Queue.MaxAttempts,
		Concurrency:        cfg.Queue.WorkersPerType,
	}
}

func (c *Config) applyDefaults() {
	if c.UploadWaitAttempts <= 0 {
		c.UploadWaitAttempts = 6
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Compensation == nil {
		c.Compensation = &relayerrors.RetryConfig{
			MaxAttempts:  5,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		}
	}
}

// Engine is the workflow engine.
type Engine struct {
	Deps
	cfg    Config
	logger zerolog.Logger
}

// New creates an engine.
func New(deps Deps, cfg Config, logger zerolog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		Deps:   deps,
		cfg:    cfg,
		logger: logger.With().Str("component", "workflow").Logger(),
	}
}

// Register installs the job handlers and dead-letter hooks on the queue.
func (e *Engine) Register() error {
	opts := queue.ConsumerOptions{Concurrency: e.cfg.Concurrency}
	for jobType, handler := range map[string]queue.Handler{
		JobStorage:      e.processStorage,
		JobRetrieval:    e.processRetrieval,
		JobRevocation:   e.applyRevocation,
		JobCompensation: e.compensate,
	} {
		if err := e.Queue.Consume(jobType, handler, opts); err != nil {
			return err
		}
	}
	e.Queue.OnDead(JobStorage, e.storageDead)
	e.Queue.OnDead(JobRetrieval, e.retrievalDead)
	e.Queue.OnDead(JobCompensation, e.compensationDead)
	return nil
}

// storageAttempts is the attempt budget of a storage job. It must cover
// the upload wait so a missing upload fails with its own reason. Retrieval
// jobs get the same budget since they wait on their storage request.
func (e *Engine) storageAttempts() int {
	if e.cfg.UploadWaitAttempts > e.cfg.MaxAttempts {
		return e.cfg.UploadWaitAttempts
	}
	return e.cfg.MaxAttempts
}

func (e *Engine) enqueueStorage(ctx context.Context, requestID, eventID string) (string, error) {
	return e.Queue.Enqueue(ctx, JobStorage, storageJob{RequestID: requestID, EventID: eventID}, queue.EnqueueOptions{
		Subject:     requestID,
		MaxAttempts: e.storageAttempts(),
	})
}

func (e *Engine) enqueueRetrieval(ctx context.Context, retrievalID, eventID string) (string, error) {
	return e.Queue.Enqueue(ctx, JobRetrieval, retrievalJob{RetrievalID: retrievalID, EventID: eventID}, queue.EnqueueOptions{
		Subject:     retrievalID,
		MaxAttempts: e.storageAttempts(),
	})
}
