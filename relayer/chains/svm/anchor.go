package svm

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	eventStorageRequested   = "StorageRequested"
	eventRetrievalRequested = "RetrievalRequested"
	eventAccessRevoked      = "AccessRevoked"

	ixMarkFailed       = "mark_failed"
	ixConfirmStorage   = "confirm_storage"
	ixConfirmRetrieval = "confirm_retrieval"
)

// Anchor account seeds of the storage program.
var (
	seedState = []byte("state")
	seedVault = []byte("vault")
)

// eventDiscriminator is the 8 byte prefix Anchor writes before event data.
func eventDiscriminator(name string) [8]byte {
	return discriminator("event:" + name)
}

// instructionDiscriminator is the 8 byte prefix of Anchor instruction data.
func instructionDiscriminator(name string) [8]byte {
	return discriminator("global:" + name)
}

func discriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

type storageRequestedEvent struct {
	RequestID solana.PublicKey
	User      solana.PublicKey
	DataHash  [32]byte
	Payment   uint64
	Timestamp int64
}

type retrievalRequestedEvent struct {
	RetrievalID     solana.PublicKey
	RequestID       solana.PublicKey
	Accessor        solana.PublicKey
	AccessTokenHash [32]byte
}

type accessRevokedEvent struct {
	RequestID solana.PublicKey
}

type confirmStorageArgs struct {
	Receipt   []byte
	Signature [64]byte
}

type confirmRetrievalArgs struct {
	IntegrityProof []byte
}

// encodeInstruction builds discriminator || borsh(args). args may be nil.
func encodeInstruction(name string, args interface{}) ([]byte, error) {
	d := instructionDiscriminator(name)
	buf := new(bytes.Buffer)
	buf.Write(d[:])
	if args != nil {
		if err := bin.NewBorshEncoder(buf).Encode(args); err != nil {
			return nil, fmt.Errorf("encode %s args: %w", name, err)
		}
	}
	return buf.Bytes(), nil
}

func decodeBorsh(data []byte, v interface{}) error {
	return bin.NewBorshDecoder(data).Decode(v)
}
