// Package store contains GORM-backed SQLite models used by the relayer.
//
// Database Structure:
//
//	databases/
//	├── relayer.db
//	│   ├── admitted_events
//	│   ├── storage_requests
//	│   ├── retrieval_requests
//	│   ├── uploads
//	│   ├── receipts
//	│   ├── compensations
//	│   └── jobs
//	└── chains/{external_chain_caip_format}/
//	    └── chain_data.db
//	        ├── chain_states
//	        └── pending_events
package store

import (
	"time"

	"gorm.io/gorm"
)

// ChainState tracks the watcher scan cursor for a chain.
// One record per database (each chain has its own DB).
type ChainState struct {
	gorm.Model
	LastBlock uint64 // Last scanned block height (or slot)
}

// PendingEvent is an intent log that has been observed but has not reached
// finality yet. Rows are hard-deleted once the event is emitted or found
// to be reorged out.
type PendingEvent struct {
	ID          uint      `gorm:"primaryKey"`
	EventID     string    `gorm:"uniqueIndex;not null"` // <txid>:<log index>
	TxID        string    `gorm:"index;not null"`       // Transaction hash or signature
	Kind        string    `gorm:"not null"`             // StorageRequested, RetrievalRequested, AccessRevoked
	BlockNumber uint64    `gorm:"index"`                // Block number (or slot for Solana)
	BlockHash   string    // Block hash at observation, empty where the chain has none
	Payload     []byte    // JSON-encoded decoded event fields
	ObservedAt  time.Time `gorm:"not null"`
	WarnedAt    *time.Time // Set once the observation has exceeded the finality wait
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AdmittedEvent is the dedup record: one row per (chain, event id) ever
// accepted. Never pruned.
type AdmittedEvent struct {
	ID            uint   `gorm:"primaryKey"`
	Chain         string `gorm:"uniqueIndex:idx_chain_event;not null"`
	EventID       string `gorm:"uniqueIndex:idx_chain_event;not null"`
	Kind          string `gorm:"not null"`
	TxID          string
	FinalityBlock uint64
	Payload       []byte
	ObservedAt    time.Time
	AdmittedAt    time.Time `gorm:"autoCreateTime"`
}

// StorageRequest is the lifecycle record of a storage intent.
type StorageRequest struct {
	ID              uint   `gorm:"primaryKey"`
	RequestID       string `gorm:"uniqueIndex;not null"`
	OriginChain     string `gorm:"index;not null"`
	User            string `gorm:"index:idx_user_data_hash;not null"`
	DataHash        string `gorm:"index:idx_user_data_hash;not null"` // 0x-prefixed hex sha256
	PaymentAmount   string `gorm:"not null"`                          // base units, decimal
	Status          string `gorm:"index;not null"`
	SourceEventID   string
	ChainTimestamp  int64 // unix seconds reported by the origin chain
	BlobID          string
	StoredAt        *time.Time
	ProofHash       string
	CoordinatorTxID string
	WritebackTxID   string
	BridgeStatus    string // "", "not_required", "done", "failed"
	BridgeRef       string
	BridgeError     string `gorm:"type:text"`
	Revoked         bool
	FailureReason   string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RetrievalRequest is the lifecycle record of a retrieval intent.
type RetrievalRequest struct {
	ID                 uint   `gorm:"primaryKey"`
	RetrievalID        string `gorm:"uniqueIndex;not null"`
	StorageRequestID   string `gorm:"index;not null"`
	OriginChain        string `gorm:"not null"`
	Accessor           string `gorm:"not null"`
	AccessTokenHash    string
	Status             string `gorm:"index;not null"`
	SourceEventID      string
	AccessProofHash    string
	IntegrityProofHash string
	WritebackTxID      string
	FailureReason      string `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Upload holds the ciphertext a user staged for a storage request.
type Upload struct {
	ID         uint   `gorm:"primaryKey"`
	RequestID  string `gorm:"uniqueIndex;not null"`
	Ciphertext []byte `gorm:"not null"`
	Size       int64
	CreatedAt  time.Time
}

// Receipt is the persisted signed receipt of a storage request.
type Receipt struct {
	ID         uint   `gorm:"primaryKey"`
	RequestID  string `gorm:"uniqueIndex;not null"`
	Payload    []byte `gorm:"not null"` // canonical encoding
	Signatures []byte `gorm:"not null"` // JSON map of chain kind to hex signature
	Timestamp  int64  `gorm:"not null"`
	CreatedAt  time.Time
}

// Compensation records the one logical markFailed write owed for a
// failed storage request.
type Compensation struct {
	ID        uint   `gorm:"primaryKey"`
	RequestID string `gorm:"uniqueIndex;not null"`
	Chain     string `gorm:"not null"`
	Reason    string `gorm:"type:text"`
	Status    string `gorm:"index;not null"` // "pending", "done", "failed"
	TxID      string
	LastError string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Job states.
const (
	JobStateQueued    = "QUEUED"
	JobStateRunning   = "RUNNING"
	JobStateCompleted = "COMPLETED"
	JobStateFailed    = "FAILED" // dead-lettered
)

// Job is a durable unit of work for the job queue.
type Job struct {
	ID             string    `gorm:"primaryKey;size:36"`
	Type           string    `gorm:"index:idx_job_claim;not null"`
	State          string    `gorm:"index:idx_job_claim;not null"` // QUEUED, RUNNING, COMPLETED, FAILED
	NextRunAt      time.Time `gorm:"index:idx_job_claim;not null"`
	Subject        string    `gorm:"index"` // request or retrieval id the job works on
	Payload        []byte
	Attempts       int
	MaxAttempts    int
	LeaseExpiresAt *time.Time
	LastError      string  `gorm:"type:text"`
	DedupKey       *string `gorm:"uniqueIndex"`
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
