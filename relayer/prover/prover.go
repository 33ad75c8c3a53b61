// Package prover is the proof service boundary. Local produces
// deterministic sha256 commitments in place of real proofs.
package prover

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
)

// Service generates the proofs the workflow attaches to requests.
type Service interface {
	// ProveStorage binds a stored blob to the data hash and timestamp.
	ProveStorage(ctx context.Context, dataHash, blobRef string, timestamp int64, payload []byte) ([]byte, error)

	// ProveAccess attests that accessor may read requestID.
	ProveAccess(ctx context.Context, requestID, accessor, token string) ([]byte, error)

	// ProveIntegrity attests that retrieved hashes to originalHash. It fails
	// when the hashes differ.
	ProveIntegrity(ctx context.Context, originalHash string, retrieved []byte) ([]byte, error)
}

const (
	tagStorage   = "dhrelay/storage/v1"
	tagAccess    = "dhrelay/access/v1"
	tagIntegrity = "dhrelay/integrity/v1"
)

// Local is an in-process Service.
type Local struct{}

// NewLocal returns a Local prover.
func NewLocal() *Local { return &Local{} }

func (Local) ProveStorage(ctx context.Context, dataHash, blobRef string, timestamp int64, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, err := parseHash(dataHash)
	if err != nil {
		return nil, err
	}
	if blobRef == "" {
		return nil, relayerrors.NewTerminalError("storage proof needs a blob reference", nil)
	}
	if sum := sha256.Sum256(payload); sum != hash {
		return nil, relayerrors.NewTerminalError("stored payload does not match data hash", nil)
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	return commit(tagStorage, hash[:], []byte(blobRef), ts[:]), nil
}

func (Local) ProveAccess(ctx context.Context, requestID, accessor, token string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if requestID == "" || accessor == "" {
		return nil, relayerrors.NewTerminalError("access proof needs a request and accessor", nil)
	}
	return commit(tagAccess, []byte(requestID), []byte(accessor), []byte(token)), nil
}

func (Local) ProveIntegrity(ctx context.Context, originalHash string, retrieved []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want, err := parseHash(originalHash)
	if err != nil {
		return nil, err
	}
	got := sha256.Sum256(retrieved)
	if got != want {
		return nil, relayerrors.NewTerminalError("integrity mismatch", nil)
	}
	return commit(tagIntegrity, want[:], got[:]), nil
}

// Digest returns the 0x hex sha256 of a proof, as recorded on requests and
// receipts.
func Digest(proof []byte) string {
	sum := sha256.Sum256(proof)
	return hexutil.Encode(sum[:])
}

func commit(tag string, parts ...[]byte) []byte {
	h := sha256.New()
	h.Write([]byte(tag))
	for _, p := range parts {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

func parseHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hexutil.Decode(s)
	if err != nil || len(raw) != len(out) {
		return out, relayerrors.NewTerminalError(fmt.Sprintf("invalid data hash %q", s), err)
	}
	copy(out[:], raw)
	return out, nil
}
