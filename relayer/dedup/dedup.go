// Package dedup records which chain events have been admitted so each
// (chain, event id) creates at most one request.
package dedup

import (
	"errors"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/datahaven/dh-relay/relayer/chains/common"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/metrics"
	"github.com/datahaven/dh-relay/relayer/store"
)

const (
	resultAccepted  = "accepted"
	resultDuplicate = "duplicate"
)

// Deduplicator admits chain events exactly once.
type Deduplicator struct {
	logger zerolog.Logger
}

// New creates a deduplicator.
func New(logger zerolog.Logger) *Deduplicator {
	return &Deduplicator{logger: logger.With().Str("component", "dedup").Logger()}
}

// Admit inserts the event's dedup record on tx. It reports true only for
// the first delivery of (chain, event id); the insert and the check are a
// single statement, so concurrent deliveries cannot both be accepted. Run
// it in the same transaction that creates the request and its job, and
// call Record once that transaction commits.
func (d *Deduplicator) Admit(tx *gorm.DB, ev *common.ChainEvent) (bool, error) {
	if ev == nil || ev.Chain == "" || ev.EventID == "" {
		return false, relayerrors.NewValidationError("", "event must have chain and event id")
	}

	row := store.AdmittedEvent{
		Chain:         ev.Chain,
		EventID:       ev.EventID,
		Kind:          string(ev.Kind),
		TxID:          ev.TxID,
		FinalityBlock: ev.FinalityBlock,
		Payload:       ev.Payload,
		ObservedAt:    ev.ObservedAt,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, relayerrors.NewDatabaseError(ev.Chain, "admit event "+ev.EventID, res.Error)
	}

	return res.RowsAffected > 0, nil
}

// Record counts a committed admission decision.
func (d *Deduplicator) Record(ev *common.ChainEvent, admitted bool) {
	if !admitted {
		metrics.EventsAdmitted.WithLabelValues(ev.Chain, resultDuplicate).Inc()
		d.logger.Debug().Str("chain", ev.Chain).Str("event_id", ev.EventID).Msg("duplicate event ignored")
		return
	}
	metrics.EventsAdmitted.WithLabelValues(ev.Chain, resultAccepted).Inc()
}

// seen reports whether (chain, eventID) was admitted before.
func (d *Deduplicator) seen(tx *gorm.DB, chain, eventID string) (bool, error) {
	var row store.AdmittedEvent
	err := tx.Where("chain = ? AND event_id = ?", chain, eventID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, relayerrors.NewDatabaseError(chain, "lookup event "+eventID, err)
	}
	return true, nil
}
