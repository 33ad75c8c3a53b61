package common

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/datahaven/dh-relay/relayer/db"
	"github.com/datahaven/dh-relay/relayer/store"
)

// ChainStore provides database operations for a watcher's cursor and its
// pending observations. It works on the chain's own database.
type ChainStore struct {
	database *db.DB
}

// NewChainStore creates a new chain store
func NewChainStore(database *db.DB) *ChainStore {
	return &ChainStore{
		database: database,
	}
}

// GetCursor returns the last scanned block. ok is false when the chain
// has never been scanned.
func (cs *ChainStore) GetCursor() (height uint64, ok bool, err error) {
	if cs.database == nil {
		return 0, false, fmt.Errorf("database is nil")
	}

	var state store.ChainState
	result := cs.database.Client().First(&state)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get chain cursor: %w", result.Error)
	}
	return state.LastBlock, true, nil
}

// UpdateCursor records the last scanned block. The cursor only moves forward.
func (cs *ChainStore) UpdateCursor(blockHeight uint64) error {
	return cs.setCursor(blockHeight, false)
}

// RewindCursor moves the cursor back so a range is scanned again. It never
// moves the cursor forward.
func (cs *ChainStore) RewindCursor(blockHeight uint64) error {
	return cs.setCursor(blockHeight, true)
}

func (cs *ChainStore) setCursor(blockHeight uint64, rewind bool) error {
	if cs.database == nil {
		return fmt.Errorf("database is nil")
	}

	var state store.ChainState
	result := cs.database.Client().First(&state)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			state = store.ChainState{LastBlock: blockHeight}
			if err := cs.database.Client().Create(&state).Error; err != nil {
				return fmt.Errorf("failed to create chain state: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to query chain state: %w", result.Error)
	}

	if (!rewind && blockHeight > state.LastBlock) || (rewind && blockHeight < state.LastBlock) {
		state.LastBlock = blockHeight
		if err := cs.database.Client().Save(&state).Error; err != nil {
			return fmt.Errorf("failed to update chain cursor: %w", err)
		}
	}
	return nil
}

// UpsertPending records an observation. Seeing the same event again moves
// it to the position it was observed at most recently.
func (cs *ChainStore) UpsertPending(obs Observation, observedAt time.Time) error {
	if cs.database == nil {
		return fmt.Errorf("database is nil")
	}

	row := store.PendingEvent{
		EventID:     obs.EventID,
		TxID:        obs.TxID,
		Kind:        string(obs.Kind),
		BlockNumber: obs.BlockNumber,
		BlockHash:   obs.BlockHash,
		Payload:     obs.Payload,
		ObservedAt:  observedAt,
	}
	err := cs.database.Client().
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"block_number", "block_hash", "payload", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to record pending event %s: %w", obs.EventID, err)
	}
	return nil
}

// ListPending returns pending observations, oldest block first.
func (cs *ChainStore) ListPending(limit int) ([]store.PendingEvent, error) {
	if cs.database == nil {
		return nil, fmt.Errorf("database is nil")
	}

	var events []store.PendingEvent
	if err := cs.database.Client().
		Order("block_number ASC, id ASC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	return events, nil
}

// DeletePending removes a pending observation once it is emitted or dropped.
func (cs *ChainStore) DeletePending(eventID string) error {
	if cs.database == nil {
		return fmt.Errorf("database is nil")
	}

	if err := cs.database.Client().
		Where("event_id = ?", eventID).
		Delete(&store.PendingEvent{}).Error; err != nil {
		return fmt.Errorf("failed to delete pending event %s: %w", eventID, err)
	}
	return nil
}

// MarkWarned records that an observation exceeded its finality wait.
func (cs *ChainStore) MarkWarned(eventID string, at time.Time) error {
	if cs.database == nil {
		return fmt.Errorf("database is nil")
	}

	return cs.database.Client().
		Model(&store.PendingEvent{}).
		Where("event_id = ?", eventID).
		Update("warned_at", at).Error
}
