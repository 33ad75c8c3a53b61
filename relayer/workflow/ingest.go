package workflow

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/datahaven/dh-relay/relayer/chains/common"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/queue"
	"github.com/datahaven/dh-relay/relayer/requests"
	"github.com/datahaven/dh-relay/relayer/store"
)

var ingestRetry = relayerrors.RetryConfig{
	MaxAttempts:  10,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2,
}

// Run admits events from the watchers until events is closed or ctx is
// done. Closing events lets Run finish the buffered events first. An event
// is never dropped on a store error: Run keeps retrying it, which blocks
// the watchers through the channel.
func (e *Engine) Run(ctx context.Context, events <-chan *common.ChainEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for {
				cfg := ingestRetry
				err := relayerrors.Retry(ctx, &cfg, "ingest event", func(ctx context.Context) error {
					_, err := e.Ingest(ctx, ev)
					return err
				}, nil)
				if err == nil {
					break
				}
				if ctx.Err() != nil {
					return
				}
				e.logger.Error().Err(err).
					Str("chain", ev.Chain).
					Str("event_id", ev.EventID).
					Msg("failed to ingest event, retrying")
			}
		}
	}
}

// Ingest admits ev and, for a first delivery, creates its request and job
// in the same transaction. It reports whether the event was new. A
// malformed payload is admitted and logged but creates nothing. Once the
// transaction commits the event is acked back to its watcher.
func (e *Engine) Ingest(ctx context.Context, ev *common.ChainEvent) (bool, error) {
	log := e.logger.With().Str("chain", ev.Chain).Str("event_id", ev.EventID).Str("kind", string(ev.Kind)).Logger()

	var (
		admitted bool
		created  string
		dropped  error
	)
	err := e.Requests.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		admitted, created, dropped = false, "", nil
		admitted, err = e.Dedup.Admit(tx, ev)
		if err != nil || !admitted {
			return err
		}

		switch ev.Kind {
		case common.EventKindStorageRequested:
			err = e.ingestStorage(tx, ev)
			created = "storage"
		case common.EventKindRetrievalRequested:
			err = e.ingestRetrieval(tx, ev)
			created = "retrieval"
		case common.EventKindAccessRevoked:
			err = e.ingestRevocation(tx, ev)
		default:
			err = relayerrors.NewValidationError(ev.Chain, "unknown event kind "+string(ev.Kind))
		}
		if relayerrors.IsTerminal(err) || errors.Is(err, requests.ErrAlreadyExists) {
			dropped, created = err, ""
			return nil
		}
		return err
	})
	if err != nil {
		return false, err
	}

	e.Dedup.Record(ev, admitted)
	if created != "" {
		requests.RecordCreated(created)
	}
	if err := ev.Ack(); err != nil {
		log.Warn().Err(err).Msg("failed to ack admitted event, it will be delivered again")
	}

	if dropped != nil {
		log.Error().Err(dropped).Msg("admitted event could not be turned into a request")
		return admitted, nil
	}
	if admitted {
		log.Info().Str("tx_id", ev.TxID).Uint64("block", ev.FinalityBlock).Msg("event admitted")
	}
	return admitted, nil
}

func (e *Engine) ingestStorage(tx *gorm.DB, ev *common.ChainEvent) error {
	p, err := ev.DecodeStorage()
	if err != nil || p.RequestID == "" || p.User == "" || p.DataHash == "" {
		return relayerrors.NewValidationError(ev.Chain, "malformed StorageRequested payload")
	}
	req := &store.StorageRequest{
		RequestID:      p.RequestID,
		OriginChain:    ev.Chain,
		User:           p.User,
		DataHash:       p.DataHash,
		PaymentAmount:  p.Payment,
		SourceEventID:  ev.EventID,
		ChainTimestamp: p.Timestamp,
	}
	if err := e.Requests.CreateStorageTx(tx, req); err != nil {
		return err
	}
	_, err = e.Queue.EnqueueTx(tx, JobStorage, storageJob{RequestID: p.RequestID, EventID: ev.EventID}, queue.EnqueueOptions{
		Subject:     p.RequestID,
		MaxAttempts: e.storageAttempts(),
	})
	return err
}

func (e *Engine) ingestRetrieval(tx *gorm.DB, ev *common.ChainEvent) error {
	p, err := ev.DecodeRetrieval()
	if err != nil || p.RetrievalID == "" || p.RequestID == "" || p.Accessor == "" {
		return relayerrors.NewValidationError(ev.Chain, "malformed RetrievalRequested payload")
	}
	req := &store.RetrievalRequest{
		RetrievalID:      p.RetrievalID,
		StorageRequestID: p.RequestID,
		OriginChain:      ev.Chain,
		Accessor:         p.Accessor,
		AccessTokenHash:  p.AccessTokenHash,
		SourceEventID:    ev.EventID,
	}
	if err := e.Requests.CreateRetrievalTx(tx, req); err != nil {
		return err
	}
	_, err = e.Queue.EnqueueTx(tx, JobRetrieval, retrievalJob{RetrievalID: p.RetrievalID, EventID: ev.EventID}, queue.EnqueueOptions{
		Subject:     p.RetrievalID,
		MaxAttempts: e.storageAttempts(),
	})
	return err
}

func (e *Engine) ingestRevocation(tx *gorm.DB, ev *common.ChainEvent) error {
	p, err := ev.DecodeRevocation()
	if err != nil || p.RequestID == "" {
		return relayerrors.NewValidationError(ev.Chain, "malformed AccessRevoked payload")
	}
	_, err = e.Queue.EnqueueTx(tx, JobRevocation, revocationJob{RequestID: p.RequestID, EventID: ev.EventID}, queue.EnqueueOptions{
		Subject: p.RequestID,
	})
	return err
}
