package workflow

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/metrics"
	"github.com/datahaven/dh-relay/relayer/queue"
	"github.com/datahaven/dh-relay/relayer/requests"
	"github.com/datahaven/dh-relay/relayer/store"
)

func compensationKey(requestID string) string { return "compensate:" + requestID }

// failStorage moves the request to Failed and queues its compensation in
// one transaction. It reports false when the request was already terminal.
func (e *Engine) failStorage(ctx context.Context, requestID, reason string) (bool, error) {
	return e.Requests.FailStorage(ctx, requestID, reason, func(tx *gorm.DB, req *store.StorageRequest) error {
		_, err := e.Queue.EnqueueTx(tx, JobCompensation, compensationJob{RequestID: requestID}, queue.EnqueueOptions{
			Subject:  requestID,
			DedupKey: compensationKey(requestID),
		})
		return err
	})
}

// compensate performs the markFailed write for a failed request. The write
// is retried inline and its outcome recorded; a writeback failure is never
// handed back to the queue, so each failure gets one logical attempt.
func (e *Engine) compensate(ctx context.Context, job *queue.Job) error {
	var p compensationJob
	if err := job.Decode(&p); err != nil {
		return err
	}
	log := e.logger.With().Str("job_id", job.ID).Str("request_id", p.RequestID).Logger()

	comp, err := e.Requests.GetCompensation(ctx, p.RequestID)
	if errors.Is(err, requests.ErrNotFound) {
		return relayerrors.NewTerminalError("no compensation record", err)
	}
	if err != nil {
		return err
	}
	if comp.Status != requests.CompensationPending {
		log.Debug().Str("status", comp.Status).Msg("compensation already finished")
		return nil
	}
	req, err := e.Requests.GetStorage(ctx, p.RequestID)
	if err != nil {
		return err
	}

	wb, err := e.Writebacks.Writeback(comp.Chain)
	if err != nil {
		return e.finishCompensation(ctx, comp, "", err)
	}

	var txID string
	err = relayerrors.Retry(ctx, e.cfg.Compensation, "mark failed", func(ctx context.Context) error {
		var err error
		txID, err = wb.MarkFailed(ctx, comp.RequestID, req.User)
		return err
	}, func(attempt int, err error, next time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("markFailed write failed, retrying")
	})
	if err != nil && queue.StopRequested(ctx) {
		return queue.ErrInterrupted
	}
	return e.finishCompensation(ctx, comp, txID, err)
}

func (e *Engine) finishCompensation(ctx context.Context, comp *store.Compensation, txID string, cause error) error {
	log := e.logger.With().Str("request_id", comp.RequestID).Str("chain", comp.Chain).Logger()

	status, lastErr := requests.CompensationDone, ""
	if cause != nil {
		status, lastErr = requests.CompensationFailed, cause.Error()
	}
	if _, err := e.Requests.FinishCompensation(ctx, comp.RequestID, status, txID, lastErr); err != nil {
		return err
	}
	metrics.Compensations.WithLabelValues(comp.Chain, status).Inc()

	if cause != nil {
		log.Error().Err(cause).Msg("markFailed write failed, user refund needs attention")
		return nil
	}
	log.Info().Str("tx_id", txID).Msg("request marked failed on origin chain")
	return nil
}

// storageDead fails a request whose job ran out of attempts.
func (e *Engine) storageDead(ctx context.Context, job *queue.Job, cause error) {
	var p storageJob
	if err := job.Decode(&p); err != nil {
		return
	}
	reason := relayerrors.Reason(cause)
	if relayerrors.IsPrecondition(cause) {
		reason = ReasonNotUploaded
	}
	if _, err := e.failStorage(ctx, p.RequestID, reason); err != nil && !errors.Is(err, requests.ErrNotFound) {
		e.logger.Error().Err(err).Str("request_id", p.RequestID).Msg("failed to record dead storage job on request")
	}
}

// retrievalDead fails a retrieval whose job ran out of attempts.
func (e *Engine) retrievalDead(ctx context.Context, job *queue.Job, cause error) {
	var p retrievalJob
	if err := job.Decode(&p); err != nil {
		return
	}
	reason := relayerrors.Reason(cause)
	if relayerrors.IsPrecondition(cause) {
		reason = ReasonNotConfirmed
	}
	if _, err := e.Requests.FailRetrieval(ctx, p.RetrievalID, reason); err != nil && !errors.Is(err, requests.ErrNotFound) {
		e.logger.Error().Err(err).Str("retrieval_id", p.RetrievalID).Msg("failed to record dead retrieval job")
	}
}

// compensationDead closes a compensation whose job could not even run.
func (e *Engine) compensationDead(ctx context.Context, job *queue.Job, cause error) {
	var p compensationJob
	if err := job.Decode(&p); err != nil {
		return
	}
	comp, err := e.Requests.GetCompensation(ctx, p.RequestID)
	if err != nil {
		e.logger.Error().Err(err).Str("request_id", p.RequestID).Msg("failed to load compensation of dead job")
		return
	}
	if err := e.finishCompensation(ctx, comp, "", cause); err != nil {
		e.logger.Error().Err(err).Str("request_id", p.RequestID).Msg("failed to record dead compensation job")
	}
}

// applyRevocation records an AccessRevoked event on its storage request.
func (e *Engine) applyRevocation(ctx context.Context, job *queue.Job) error {
	var p revocationJob
	if err := job.Decode(&p); err != nil {
		return err
	}
	_, err := e.Requests.MarkRevoked(ctx, p.RequestID)
	if errors.Is(err, requests.ErrNotFound) {
		e.logger.Warn().Str("request_id", p.RequestID).Msg("revocation for unknown storage request ignored")
		return nil
	}
	return err
}
