// Package requests is the ledger of storage and retrieval requests. Status
// only changes through compare-and-set transitions along the lifecycle
// edges, so concurrent redeliveries of a job cannot lose an update.
package requests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/datahaven/dh-relay/relayer/db"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/metrics"
	"github.com/datahaven/dh-relay/relayer/store"
)

var (
	// ErrNotFound is returned for an unknown request, retrieval, upload,
	// receipt or compensation.
	ErrNotFound = errors.New("not found")

	// ErrStaleStatus means the record was not in the expected status: another
	// worker moved it first.
	ErrStaleStatus = errors.New("stale status")

	// ErrInvalidTransition means the requested edge is not in the lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyExists is returned when creating a request whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the request ledger.
type Store struct {
	database *db.DB
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a Store on database.
func New(database *db.DB, logger zerolog.Logger) *Store {
	return &Store{
		database: database,
		logger:   logger.With().Str("component", "request_store").Logger(),
		now:      time.Now,
	}
}

func (s *Store) client(ctx context.Context) *gorm.DB {
	return s.database.Client().WithContext(ctx)
}

// Transaction runs fn in one database transaction. fn must only use tx.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.client(ctx).Transaction(fn)
}

// RecordCreated counts a request created by CreateStorageTx or
// CreateRetrievalTx. Call it after the transaction commits.
func RecordCreated(requestType string) {
	metrics.RequestTransitions.WithLabelValues(requestType, StoragePending).Inc()
}

// CreateStorageTx inserts a Pending storage request on tx.
func (s *Store) CreateStorageTx(tx *gorm.DB, req *store.StorageRequest) error {
	if req.RequestID == "" || req.OriginChain == "" {
		return relayerrors.NewValidationError(req.OriginChain, "storage request needs an id and origin chain")
	}
	req.Status = StoragePending
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(req)
	if res.Error != nil {
		return relayerrors.NewDatabaseError(req.OriginChain, "create storage request", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("storage request %s: %w", req.RequestID, ErrAlreadyExists)
	}
	return nil
}

// CreateRetrievalTx inserts a Pending retrieval request on tx.
func (s *Store) CreateRetrievalTx(tx *gorm.DB, req *store.RetrievalRequest) error {
	if req.RetrievalID == "" || req.StorageRequestID == "" {
		return relayerrors.NewValidationError(req.OriginChain, "retrieval needs an id and a storage request id")
	}
	req.Status = RetrievalPending
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(req)
	if res.Error != nil {
		return relayerrors.NewDatabaseError(req.OriginChain, "create retrieval request", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("retrieval %s: %w", req.RetrievalID, ErrAlreadyExists)
	}
	return nil
}

// GetStorage returns a storage request by id.
func (s *Store) GetStorage(ctx context.Context, requestID string) (*store.StorageRequest, error) {
	return s.getStorage(s.client(ctx), requestID)
}

func (s *Store) getStorage(tx *gorm.DB, requestID string) (*store.StorageRequest, error) {
	var req store.StorageRequest
	err := tx.Where("request_id = ?", requestID).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("storage request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, relayerrors.NewFatalError("load storage request", err)
	}
	return &req, nil
}

// GetRetrieval returns a retrieval request by id.
func (s *Store) GetRetrieval(ctx context.Context, retrievalID string) (*store.RetrievalRequest, error) {
	var req store.RetrievalRequest
	err := s.client(ctx).Where("retrieval_id = ?", retrievalID).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("retrieval %s: %w", retrievalID, ErrNotFound)
	}
	if err != nil {
		return nil, relayerrors.NewFatalError("load retrieval request", err)
	}
	return &req, nil
}

// TransitionStorage moves a storage request from one status to the next,
// writing fields in the same statement. It fails with ErrStaleStatus when
// the request is no longer in from.
func (s *Store) TransitionStorage(ctx context.Context, requestID, from, to string, fields map[string]interface{}) error {
	if !storageLifecycle.allowed(from, to) {
		return fmt.Errorf("storage %s -> %s: %w", from, to, ErrInvalidTransition)
	}
	if err := s.casStorage(s.client(ctx), requestID, from, to, fields); err != nil {
		return err
	}
	metrics.RequestTransitions.WithLabelValues("storage", to).Inc()
	s.logger.Info().Str("request_id", requestID).Str("from", from).Str("to", to).Msg("storage request transitioned")
	return nil
}

// TransitionRetrieval is TransitionStorage for retrievals.
func (s *Store) TransitionRetrieval(ctx context.Context, retrievalID, from, to string, fields map[string]interface{}) error {
	if !retrievalLifecycle.allowed(from, to) {
		return fmt.Errorf("retrieval %s -> %s: %w", from, to, ErrInvalidTransition)
	}
	updates := withStatus(fields, to)
	updates["updated_at"] = s.now()
	res := s.client(ctx).Model(&store.RetrievalRequest{}).
		Where("retrieval_id = ? AND status = ?", retrievalID, from).
		Updates(updates)
	if res.Error != nil {
		return relayerrors.NewFatalError("transition retrieval", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("retrieval %s expected %s: %w", retrievalID, from, ErrStaleStatus)
	}
	metrics.RequestTransitions.WithLabelValues("retrieval", to).Inc()
	s.logger.Info().Str("retrieval_id", retrievalID).Str("from", from).Str("to", to).Msg("retrieval transitioned")
	return nil
}

func (s *Store) casStorage(tx *gorm.DB, requestID, from, to string, fields map[string]interface{}) error {
	updates := withStatus(fields, to)
	updates["updated_at"] = s.now()
	res := tx.Model(&store.StorageRequest{}).
		Where("request_id = ? AND status = ?", requestID, from).
		Updates(updates)
	if res.Error != nil {
		return relayerrors.NewFatalError("transition storage request", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("storage request %s expected %s: %w", requestID, from, ErrStaleStatus)
	}
	return nil
}

// SetStorageFields records sub-step results without changing status. The
// write only lands while the request is still in expected.
func (s *Store) SetStorageFields(ctx context.Context, requestID, expected string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		if k == "status" {
			return relayerrors.NewValidationError("", "status changes go through a transition")
		}
		updates[k] = v
	}
	updates["updated_at"] = s.now()
	res := s.client(ctx).Model(&store.StorageRequest{}).
		Where("request_id = ? AND status = ?", requestID, expected).
		Updates(updates)
	if res.Error != nil {
		return relayerrors.NewFatalError("update storage request", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("storage request %s expected %s: %w", requestID, expected, ErrStaleStatus)
	}
	return nil
}

// FailStorage moves a non-terminal storage request to Failed with reason
// and opens its compensation record in the same transaction. then runs on
// that transaction too, so a compensation job can be enqueued atomically.
// It reports false when the request was already terminal.
func (s *Store) FailStorage(ctx context.Context, requestID, reason string, then func(tx *gorm.DB, req *store.StorageRequest) error) (bool, error) {
	failed := false
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		req, err := s.getStorage(tx, requestID)
		if err != nil {
			return err
		}
		if StorageTerminal(req.Status) {
			return nil
		}
		if err := s.casStorage(tx, requestID, req.Status, StorageFailed, map[string]interface{}{
			"failure_reason": reason,
		}); err != nil {
			return err
		}

		comp := store.Compensation{
			RequestID: requestID,
			Chain:     req.OriginChain,
			Reason:    reason,
			Status:    CompensationPending,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&comp).Error; err != nil {
			return relayerrors.NewFatalError("open compensation", err)
		}

		req.Status = StorageFailed
		req.FailureReason = reason
		if then != nil {
			if err := then(tx, req); err != nil {
				return err
			}
		}
		failed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if failed {
		metrics.RequestTransitions.WithLabelValues("storage", StorageFailed).Inc()
		s.logger.Warn().Str("request_id", requestID).Str("reason", reason).Msg("storage request failed")
	}
	return failed, nil
}

// FailRetrieval moves a non-terminal retrieval to Failed with reason. It
// reports false when the retrieval was already terminal.
func (s *Store) FailRetrieval(ctx context.Context, retrievalID, reason string) (bool, error) {
	req, err := s.GetRetrieval(ctx, retrievalID)
	if err != nil {
		return false, err
	}
	for !RetrievalTerminal(req.Status) {
		err := s.TransitionRetrieval(ctx, retrievalID, req.Status, RetrievalFailed, map[string]interface{}{
			"failure_reason": reason,
		})
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrStaleStatus) {
			return false, err
		}
		if req, err = s.GetRetrieval(ctx, retrievalID); err != nil {
			return false, err
		}
	}
	return false, nil
}

// MarkRevoked records that the owner revoked access to a storage request.
// It reports false when the request was already revoked.
func (s *Store) MarkRevoked(ctx context.Context, requestID string) (bool, error) {
	res := s.client(ctx).Model(&store.StorageRequest{}).
		Where("request_id = ? AND revoked = ?", requestID, false).
		Updates(map[string]interface{}{"revoked": true, "updated_at": s.now()})
	if res.Error != nil {
		return false, relayerrors.NewFatalError("revoke access", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetStorage(ctx, requestID); err != nil {
			return false, err
		}
		return false, nil
	}
	s.logger.Info().Str("request_id", requestID).Msg("access revoked")
	return true, nil
}

// PriorActive returns the earliest other request by user for dataHash that
// was created at or after since and has not failed.
func (s *Store) PriorActive(ctx context.Context, req *store.StorageRequest, since time.Time) (*store.StorageRequest, error) {
	var prior store.StorageRequest
	err := s.client(ctx).
		Where("user = ? AND data_hash = ? AND id < ? AND status <> ? AND created_at >= ?",
			req.User, req.DataHash, req.ID, StorageFailed, since).
		Order("id ASC").
		First(&prior).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, relayerrors.NewFatalError("look up prior requests", err)
	}
	return &prior, nil
}

// PutUpload stages the ciphertext for a storage request. Uploads are
// immutable: the same bytes again are accepted, different bytes are not.
func (s *Store) PutUpload(ctx context.Context, requestID string, ciphertext []byte) error {
	if requestID == "" || len(ciphertext) == 0 {
		return relayerrors.NewValidationError("", "upload needs a request id and ciphertext")
	}
	up := store.Upload{RequestID: requestID, Ciphertext: ciphertext, Size: int64(len(ciphertext))}
	res := s.client(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&up)
	if res.Error != nil {
		return relayerrors.NewDatabaseError("", "store upload", res.Error)
	}
	if res.RowsAffected == 1 {
		s.logger.Info().Str("request_id", requestID).Int64("size", up.Size).Msg("ciphertext uploaded")
		return nil
	}
	existing, err := s.GetUpload(ctx, requestID)
	if err != nil {
		return err
	}
	if string(existing.Ciphertext) != string(ciphertext) {
		return fmt.Errorf("upload for %s: %w", requestID, ErrAlreadyExists)
	}
	return nil
}

// GetUpload returns the staged ciphertext for a storage request.
func (s *Store) GetUpload(ctx context.Context, requestID string) (*store.Upload, error) {
	var up store.Upload
	err := s.client(ctx).Where("request_id = ?", requestID).First(&up).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("upload %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, relayerrors.NewFatalError("load upload", err)
	}
	return &up, nil
}

// SaveReceipt persists a receipt once. If one already exists for the
// request, the stored receipt is returned instead.
func (s *Store) SaveReceipt(ctx context.Context, rec *store.Receipt) (*store.Receipt, error) {
	res := s.client(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return nil, relayerrors.NewFatalError("save receipt", res.Error)
	}
	if res.RowsAffected == 1 {
		return rec, nil
	}
	return s.GetReceipt(ctx, rec.RequestID)
}

// GetReceipt returns the receipt of a storage request.
func (s *Store) GetReceipt(ctx context.Context, requestID string) (*store.Receipt, error) {
	var rec store.Receipt
	err := s.client(ctx).Where("request_id = ?", requestID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("receipt %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, relayerrors.NewFatalError("load receipt", err)
	}
	return &rec, nil
}

// GetCompensation returns the compensation record of a failed request.
func (s *Store) GetCompensation(ctx context.Context, requestID string) (*store.Compensation, error) {
	var comp store.Compensation
	err := s.client(ctx).Where("request_id = ?", requestID).First(&comp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("compensation %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, relayerrors.NewFatalError("load compensation", err)
	}
	return &comp, nil
}

// FinishCompensation records the outcome of the markFailed write. Only a
// pending compensation is updated; it reports false otherwise.
func (s *Store) FinishCompensation(ctx context.Context, requestID, status, txID, lastErr string) (bool, error) {
	if status != CompensationDone && status != CompensationFailed {
		return false, relayerrors.NewValidationError("", "compensation can only finish as done or failed")
	}
	res := s.client(ctx).Model(&store.Compensation{}).
		Where("request_id = ? AND status = ?", requestID, CompensationPending).
		Updates(map[string]interface{}{
			"status":     status,
			"tx_id":      txID,
			"last_error": lastErr,
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return false, relayerrors.NewFatalError("finish compensation", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListOpenStorage returns storage requests with work left: not yet
// terminal, or confirmed with the payment bridge not yet attempted.
func (s *Store) ListOpenStorage(ctx context.Context) ([]store.StorageRequest, error) {
	var out []store.StorageRequest
	err := s.client(ctx).
		Where("status NOT IN ?", []string{StorageFailed, StorageConfirmed}).
		Or("status = ? AND bridge_status = ?", StorageConfirmed, "").
		Order("id").Find(&out).Error
	if err != nil {
		return nil, relayerrors.NewFatalError("list open storage requests", err)
	}
	return out, nil
}

// ListOpenRetrievals returns retrievals that are not yet terminal.
func (s *Store) ListOpenRetrievals(ctx context.Context) ([]store.RetrievalRequest, error) {
	var out []store.RetrievalRequest
	err := s.client(ctx).
		Where("status NOT IN ?", []string{RetrievalFailed, RetrievalCompleted}).
		Order("id").Find(&out).Error
	if err != nil {
		return nil, relayerrors.NewFatalError("list open retrievals", err)
	}
	return out, nil
}

// ListPendingCompensations returns compensations whose markFailed write
// has no recorded outcome.
func (s *Store) ListPendingCompensations(ctx context.Context) ([]store.Compensation, error) {
	var out []store.Compensation
	if err := s.client(ctx).Where("status = ?", CompensationPending).Order("id").Find(&out).Error; err != nil {
		return nil, relayerrors.NewFatalError("list pending compensations", err)
	}
	return out, nil
}

func withStatus(fields map[string]interface{}, status string) map[string]interface{} {
	updates := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = status
	return updates
}
