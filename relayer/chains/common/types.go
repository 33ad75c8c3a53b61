package common

import (
	"context"
	"encoding/json"
	"time"
)

// EventKind is the kind of intent log a chain emits.
type EventKind string

const (
	EventKindStorageRequested   EventKind = "StorageRequested"
	EventKindRetrievalRequested EventKind = "RetrievalRequested"
	EventKindAccessRevoked      EventKind = "AccessRevoked"
)

// ChainEvent is a final intent log, ready for admission. Immutable once
// accepted.
type ChainEvent struct {
	Chain         string
	EventID       string // <txid>:<log index>, unique within the chain
	Kind          EventKind
	TxID          string
	Payload       []byte // JSON of StoragePayload, RetrievalPayload or RevocationPayload
	ObservedAt    time.Time
	FinalityBlock uint64 // block (or slot) the event was included in

	ack func() error
}

// SetAck registers the callback Ack runs once the event is durably
// admitted.
func (e *ChainEvent) SetAck(fn func() error) {
	e.ack = fn
}

// Ack tells the producer the event is durably recorded downstream and may
// be forgotten. Without an ack the producer emits the event again after a
// restart.
func (e *ChainEvent) Ack() error {
	if e.ack == nil {
		return nil
	}
	return e.ack()
}

// Observation is a decoded intent log as seen by a Source, before any
// finality decision.
type Observation struct {
	EventID     string
	TxID        string
	Kind        EventKind
	BlockNumber uint64
	BlockHash   string
	Payload     []byte
}

// StoragePayload is the decoded body of a StorageRequested event.
type StoragePayload struct {
	RequestID string `json:"request_id"`
	User      string `json:"user"`
	DataHash  string `json:"data_hash"` // 0x-prefixed hex sha256 of the ciphertext
	Payment   string `json:"payment"`   // base units, decimal
	Timestamp int64  `json:"timestamp"` // unix seconds from the origin chain
}

// RetrievalPayload is the decoded body of a RetrievalRequested event.
type RetrievalPayload struct {
	RetrievalID     string `json:"retrieval_id"`
	RequestID       string `json:"request_id"`
	Accessor        string `json:"accessor"`
	AccessTokenHash string `json:"access_token_hash"`
}

// RevocationPayload is the decoded body of an AccessRevoked event.
type RevocationPayload struct {
	RequestID string `json:"request_id"`
}

// DecodeStorage unmarshals a StorageRequested payload.
func (e *ChainEvent) DecodeStorage() (StoragePayload, error) {
	var p StoragePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeRetrieval unmarshals a RetrievalRequested payload.
func (e *ChainEvent) DecodeRetrieval() (RetrievalPayload, error) {
	var p RetrievalPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeRevocation unmarshals an AccessRevoked payload.
func (e *ChainEvent) DecodeRevocation() (RevocationPayload, error) {
	var p RevocationPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// TxPosition is where a transaction currently sits on chain.
type TxPosition struct {
	Found       bool
	BlockNumber uint64
	BlockHash   string
}

// Source is the chain-specific capability set a Watcher needs.
type Source interface {
	// LatestHeight returns the current block number or slot.
	LatestHeight(ctx context.Context) (uint64, error)

	// FetchEvents returns the intent logs included in [from, to].
	FetchEvents(ctx context.Context, from, to uint64) ([]Observation, error)

	// TxPosition looks a transaction up by id.
	TxPosition(ctx context.Context, txID string) (TxPosition, error)
}

// SignedReceipt is a receipt payload with the signature for one chain.
type SignedReceipt struct {
	Payload   []byte
	Signature []byte
}

// Writeback submits results back to the chain a request originated on.
// Each method returns the chain transaction id.
type Writeback interface {
	// MarkFailed flags the request as failed so the user is refunded.
	MarkFailed(ctx context.Context, requestID, user string) (string, error)

	// SubmitReceipt confirms the request with its signed receipt.
	SubmitReceipt(ctx context.Context, requestID string, receipt SignedReceipt) (string, error)

	// ConfirmRetrieval records a completed retrieval and its integrity proof.
	ConfirmRetrieval(ctx context.Context, retrievalID string, integrityProof []byte) (string, error)
}
