package workflow

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/fraud"
	"github.com/datahaven/dh-relay/relayer/prover"
	"github.com/datahaven/dh-relay/relayer/queue"
	"github.com/datahaven/dh-relay/relayer/requests"
	"github.com/datahaven/dh-relay/relayer/store"
)

// processRetrieval runs the retrieval state machine from the retrieval's
// current status.
func (e *Engine) processRetrieval(ctx context.Context, job *queue.Job) error {
	var p retrievalJob
	if err := job.Decode(&p); err != nil {
		return err
	}
	log := e.logger.With().Str("job_id", job.ID).Str("retrieval_id", p.RetrievalID).Int("attempt", job.Attempts).Logger()

	for {
		ret, err := e.Requests.GetRetrieval(ctx, p.RetrievalID)
		if err != nil {
			if errors.Is(err, requests.ErrNotFound) {
				return relayerrors.NewTerminalError("unknown retrieval", err)
			}
			return err
		}
		if requests.RetrievalTerminal(ret.Status) {
			log.Debug().Str("status", ret.Status).Msg("nothing left to do")
			return nil
		}

		sr, err := e.Requests.GetStorage(ctx, ret.StorageRequestID)
		var step error
		switch {
		case errors.Is(err, requests.ErrNotFound):
			step = relayerrors.NewTerminalError(ReasonUnknownStorage, nil)
		case err != nil:
			return err
		case ret.Status == requests.RetrievalPending:
			step = e.validateAccess(ctx, ret, sr)
		case ret.Status == requests.RetrievalAccessValidated:
			step = e.fetchForAccessor(ctx, ret, sr)
		case ret.Status == requests.RetrievalRetrieved:
			step = e.completeRetrieval(ctx, ret, sr, log)
		}

		switch {
		case step == nil:
		case errors.Is(step, requests.ErrStaleStatus):
			log.Debug().Err(step).Msg("retrieval moved underneath us, re-reading")
		case relayerrors.IsTerminal(step):
			_, err := e.Requests.FailRetrieval(ctx, ret.RetrievalID, relayerrors.Reason(step))
			return err
		default:
			return step
		}

		if queue.StopRequested(ctx) {
			return queue.ErrInterrupted
		}
	}
}

// validateAccess applies the fraud gate and the access policy: only the
// owner of a confirmed, unrevoked storage request may retrieve it. A
// retrieval against storage that is still in progress waits for it.
func (e *Engine) validateAccess(ctx context.Context, ret *store.RetrievalRequest, sr *store.StorageRequest) error {
	verdict, err := e.Fraud.CheckRetrieval(ctx, ret)
	if err != nil {
		return err
	}
	if verdict.Reject {
		return relayerrors.NewTerminalError(verdict.Reason, nil)
	}
	switch {
	case sr.Status == requests.StorageFailed:
		return relayerrors.NewTerminalError(ReasonNotConfirmed, nil)
	case sr.Status != requests.StorageConfirmed:
		// storage still in flight; the job retries until it settles
		return relayerrors.NewPreconditionError(ReasonNotConfirmed, nil)
	case sr.Revoked:
		return relayerrors.NewTerminalError(ReasonAccessRevoked, nil)
	case fraud.NormalizeAddress(sr.User) != fraud.NormalizeAddress(ret.Accessor):
		return relayerrors.NewTerminalError(ReasonAccessDenied, nil)
	}
	return e.Requests.TransitionRetrieval(ctx, ret.RetrievalID, requests.RetrievalPending, requests.RetrievalAccessValidated, nil)
}

// fetchForAccessor confirms the blob is retrievable and proves access.
func (e *Engine) fetchForAccessor(ctx context.Context, ret *store.RetrievalRequest, sr *store.StorageRequest) error {
	if _, err := e.Blobs.Get(ctx, sr.BlobID); err != nil {
		return relayerrors.NewNetworkError(ret.OriginChain, "fetch blob", err)
	}
	proof, err := e.Prover.ProveAccess(ctx, sr.RequestID, ret.Accessor, ret.AccessTokenHash)
	if err != nil {
		return err
	}
	return e.Requests.TransitionRetrieval(ctx, ret.RetrievalID, requests.RetrievalAccessValidated, requests.RetrievalRetrieved, map[string]interface{}{
		"access_proof_hash": prover.Digest(proof),
	})
}

// completeRetrieval checks the blob against the data hash recorded at
// storage time, proves integrity and confirms the retrieval on chain. A
// mismatch always fails the retrieval.
func (e *Engine) completeRetrieval(ctx context.Context, ret *store.RetrievalRequest, sr *store.StorageRequest, log zerolog.Logger) error {
	data, err := e.Blobs.Get(ctx, sr.BlobID)
	if err != nil {
		return relayerrors.NewNetworkError(ret.OriginChain, "fetch blob", err)
	}
	if hashHex(data) != sr.DataHash {
		log.Error().Str("blob_id", sr.BlobID).Msg("retrieved blob does not match stored data hash")
		return relayerrors.NewTerminalError(ReasonIntegrityMismatch, nil)
	}
	proof, err := e.Prover.ProveIntegrity(ctx, sr.DataHash, data)
	if err != nil {
		return err
	}

	wb, err := e.Writebacks.Writeback(ret.OriginChain)
	if err != nil {
		return err
	}
	txID, err := wb.ConfirmRetrieval(ctx, ret.RetrievalID, proof)
	if err != nil {
		return err
	}
	return e.Requests.TransitionRetrieval(ctx, ret.RetrievalID, requests.RetrievalRetrieved, requests.RetrievalCompleted, map[string]interface{}{
		"integrity_proof_hash": prover.Digest(proof),
		"writeback_tx_id":      txID,
	})
}
