package workflow

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/bridge"
	"github.com/datahaven/dh-relay/relayer/chains/common"
	"github.com/datahaven/dh-relay/relayer/coordinator"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/metrics"
	"github.com/datahaven/dh-relay/relayer/prover"
	"github.com/datahaven/dh-relay/relayer/queue"
	"github.com/datahaven/dh-relay/relayer/receipt"
	"github.com/datahaven/dh-relay/relayer/requests"
	"github.com/datahaven/dh-relay/relayer/store"
)

// processStorage runs the storage state machine from the request's
// current status. Terminal failures are recorded here; anything else is
// returned for the queue to retry.
func (e *Engine) processStorage(ctx context.Context, job *queue.Job) error {
	var p storageJob
	if err := job.Decode(&p); err != nil {
		return err
	}
	log := e.logger.With().Str("job_id", job.ID).Str("request_id", p.RequestID).Int("attempt", job.Attempts).Logger()

	for {
		req, err := e.Requests.GetStorage(ctx, p.RequestID)
		if err != nil {
			if errors.Is(err, requests.ErrNotFound) {
				return relayerrors.NewTerminalError(ReasonUnknownStorage, err)
			}
			return err
		}

		var step error
		switch req.Status {
		case requests.StoragePending:
			step = e.checkUpload(ctx, req, job)
		case requests.StorageUploaded:
			step = e.storeBlob(ctx, req)
		case requests.StorageStored:
			step = e.proveStorage(ctx, req)
		case requests.StorageProofGenerated:
			step = e.confirmStorage(ctx, req, log)
		case requests.StorageConfirmed:
			return e.bridgePayment(ctx, req, log)
		default:
			log.Debug().Str("status", req.Status).Msg("nothing left to do")
			return nil
		}

		switch {
		case step == nil:
		case errors.Is(step, requests.ErrStaleStatus):
			log.Debug().Err(step).Msg("request moved underneath us, re-reading")
		case relayerrors.IsTerminal(step):
			_, err := e.failStorage(ctx, req.RequestID, relayerrors.Reason(step))
			return err
		default:
			return step
		}

		if queue.StopRequested(ctx) {
			return queue.ErrInterrupted
		}
	}
}

// checkUpload runs the fraud gate and requires the ciphertext to have been
// uploaded with the requested data hash.
func (e *Engine) checkUpload(ctx context.Context, req *store.StorageRequest, job *queue.Job) error {
	verdict, err := e.Fraud.CheckStorage(ctx, req)
	if err != nil {
		return err
	}
	if verdict.Reject {
		return relayerrors.NewTerminalError(verdict.Reason, nil)
	}

	up, err := e.Requests.GetUpload(ctx, req.RequestID)
	if errors.Is(err, requests.ErrNotFound) {
		if job.Attempts >= e.cfg.UploadWaitAttempts {
			return relayerrors.NewTerminalError(ReasonNotUploaded, nil)
		}
		return relayerrors.NewPreconditionError(ReasonNotUploaded, nil)
	}
	if err != nil {
		return err
	}
	if hashHex(up.Ciphertext) != req.DataHash {
		return relayerrors.NewTerminalError(ReasonUploadMismatch, nil)
	}
	return e.Requests.TransitionStorage(ctx, req.RequestID, requests.StoragePending, requests.StorageUploaded, nil)
}

// storeBlob puts the ciphertext in the storage backend and reads it back
// before accepting the blob reference.
func (e *Engine) storeBlob(ctx context.Context, req *store.StorageRequest) error {
	up, err := e.Requests.GetUpload(ctx, req.RequestID)
	if err != nil {
		return err
	}
	ref, err := e.Blobs.Put(ctx, up.Ciphertext)
	if err != nil {
		return relayerrors.NewNetworkError(req.OriginChain, "store blob", err)
	}
	stored, err := e.Blobs.Get(ctx, ref)
	if err != nil {
		return relayerrors.NewNetworkError(req.OriginChain, "read back blob", err)
	}
	if hashHex(stored) != req.DataHash {
		return relayerrors.NewTerminalError(ReasonBlobVerification, nil)
	}

	now := time.Now().UTC()
	return e.Requests.TransitionStorage(ctx, req.RequestID, requests.StorageUploaded, requests.StorageStored, map[string]interface{}{
		"blob_id":   ref,
		"stored_at": now,
	})
}

func (e *Engine) proveStorage(ctx context.Context, req *store.StorageRequest) error {
	data, err := e.Blobs.Get(ctx, req.BlobID)
	if err != nil {
		return relayerrors.NewNetworkError(req.OriginChain, "fetch blob for proof", err)
	}
	var storedAt int64
	if req.StoredAt != nil {
		storedAt = req.StoredAt.Unix()
	}
	proof, err := e.Prover.ProveStorage(ctx, req.DataHash, req.BlobID, storedAt, data)
	if err != nil {
		return err
	}
	return e.Requests.TransitionStorage(ctx, req.RequestID, requests.StorageStored, requests.StorageProofGenerated, map[string]interface{}{
		"proof_hash": prover.Digest(proof),
	})
}

// confirmStorage records the request on the coordinator ledger, signs the
// receipt and writes it back to the origin chain. Each sub-step is recorded
// so a retry skips what already happened.
func (e *Engine) confirmStorage(ctx context.Context, req *store.StorageRequest, log zerolog.Logger) error {
	if req.CoordinatorTxID == "" {
		var storedAt int64
		if req.StoredAt != nil {
			storedAt = req.StoredAt.Unix()
		}
		txID, err := e.Ledger.SubmitStorageRecord(ctx, coordinator.Record{
			RequestID:     req.RequestID,
			OriginChain:   req.OriginChain,
			User:          req.User,
			DataHash:      req.DataHash,
			PaymentAmount: req.PaymentAmount,
			BlobID:        req.BlobID,
			ProofHash:     req.ProofHash,
			StoredAt:      storedAt,
		})
		if err != nil {
			return err
		}
		if err := e.Requests.SetStorageFields(ctx, req.RequestID, requests.StorageProofGenerated, map[string]interface{}{
			"coordinator_tx_id": txID,
		}); err != nil {
			return err
		}
		req.CoordinatorTxID = txID
		log.Info().Str("coordinator_tx_id", txID).Msg("storage record on coordinator ledger")
	}

	rcpt, err := e.receiptFor(ctx, req)
	if err != nil {
		return err
	}

	if req.WritebackTxID == "" {
		kind, err := e.Writebacks.Kind(req.OriginChain)
		if err != nil {
			return err
		}
		sig, ok := rcpt.Signature(kind)
		if !ok {
			return relayerrors.NewTerminalError("receipt has no "+string(kind)+" signature", nil)
		}
		wb, err := e.Writebacks.Writeback(req.OriginChain)
		if err != nil {
			return err
		}
		txID, err := wb.SubmitReceipt(ctx, req.RequestID, common.SignedReceipt{Payload: rcpt.Payload, Signature: sig})
		if err != nil {
			return err
		}
		if err := e.Requests.SetStorageFields(ctx, req.RequestID, requests.StorageProofGenerated, map[string]interface{}{
			"writeback_tx_id": txID,
		}); err != nil {
			return err
		}
		log.Info().Str("writeback_tx_id", txID).Msg("receipt written back to origin chain")
	}

	return e.Requests.TransitionStorage(ctx, req.RequestID, requests.StorageProofGenerated, requests.StorageConfirmed, nil)
}

// receiptFor returns the stored receipt of req, creating it on first use.
func (e *Engine) receiptFor(ctx context.Context, req *store.StorageRequest) (*receipt.Receipt, error) {
	rec, err := e.Requests.GetReceipt(ctx, req.RequestID)
	if err == nil {
		return receipt.FromRecord(rec)
	}
	if !errors.Is(err, requests.ErrNotFound) {
		return nil, err
	}

	rcpt, err := e.Receipts.Create(receipt.Input{
		RequestID:       req.RequestID,
		BlobID:          req.BlobID,
		CoordinatorTxID: req.CoordinatorTxID,
		DataHash:        req.DataHash,
		ProofHash:       req.ProofHash,
	})
	if err != nil {
		return nil, err
	}
	row, err := rcpt.ToRecord()
	if err != nil {
		return nil, err
	}
	saved, err := e.Requests.SaveReceipt(ctx, row)
	if err != nil {
		return nil, err
	}
	return receipt.FromRecord(saved)
}

// bridgePayment moves the payment to the settlement chain. Its failure is
// recorded on the request and reported, never returned.
func (e *Engine) bridgePayment(ctx context.Context, req *store.StorageRequest, log zerolog.Logger) error {
	if req.BridgeStatus == requests.BridgeDone || req.BridgeStatus == requests.BridgeNotRequired {
		return nil
	}
	if e.cfg.SettlementChain == "" || req.OriginChain == e.cfg.SettlementChain {
		return e.Requests.SetStorageFields(ctx, req.RequestID, requests.StorageConfirmed, map[string]interface{}{
			"bridge_status": requests.BridgeNotRequired,
		})
	}

	ref, err := e.Bridge.Transfer(ctx, bridge.Transfer{
		RequestID: req.RequestID,
		FromChain: req.OriginChain,
		ToChain:   e.cfg.SettlementChain,
		Amount:    req.PaymentAmount,
	})
	switch {
	case errors.Is(err, bridge.ErrDisabled):
		log.Warn().Msg("payment bridge disabled, payment stays on origin chain")
		return e.Requests.SetStorageFields(ctx, req.RequestID, requests.StorageConfirmed, map[string]interface{}{
			"bridge_status": requests.BridgeNotRequired,
		})
	case err != nil:
		if queue.StopRequested(ctx) {
			return queue.ErrInterrupted
		}
		metrics.BridgeFailures.WithLabelValues(req.OriginChain).Inc()
		log.Error().Err(err).Msg("payment bridge failed, request stays confirmed")
		return e.Requests.SetStorageFields(ctx, req.RequestID, requests.StorageConfirmed, map[string]interface{}{
			"bridge_status": requests.BridgeFailed,
			"bridge_error":  err.Error(),
		})
	}
	return e.Requests.SetStorageFields(ctx, req.RequestID, requests.StorageConfirmed, map[string]interface{}{
		"bridge_status": requests.BridgeDone,
		"bridge_ref":    ref,
		"bridge_error":  "",
	})
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hexutil.Encode(sum[:])
}
