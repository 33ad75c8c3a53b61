// Package receipt builds the canonical receipt of a confirmed storage
// request and signs it once per destination chain scheme.
//
// Payload v1 layout:
//
//	0x01                         version
//	u16be len || requestId
//	u16be len || blobId
//	u16be len || coordinatorTxId
//	[32]byte dataHash
//	[32]byte proofHash
//	i64be    unix timestamp
package receipt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/config"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/store"
)

// Version is the current payload layout.
const Version byte = 0x01

const hashLen = 32

// Signer produces one chain's signature over a receipt payload.
type Signer interface {
	Kind() config.ChainKind
	PublicKey() string
	Sign(payload []byte) ([]byte, error)
	Verify(payload, sig []byte) bool
}

// Input is what a receipt attests to.
type Input struct {
	RequestID       string
	BlobID          string
	CoordinatorTxID string
	DataHash        string // 0x-prefixed hex, 32 bytes
	ProofHash       string // 0x-prefixed hex, 32 bytes
}

// Receipt is a signed attestation that a storage request was fulfilled.
type Receipt struct {
	RequestID       string
	BlobID          string
	CoordinatorTxID string
	DataHash        [hashLen]byte
	ProofHash       [hashLen]byte
	Timestamp       int64
	Payload         []byte
	Signatures      map[config.ChainKind][]byte
}

// Encode returns the canonical payload for in at timestamp ts.
func Encode(in Input, ts int64) ([]byte, error) {
	dataHash, err := decodeHash("data hash", in.DataHash)
	if err != nil {
		return nil, err
	}
	proofHash, err := decodeHash("proof hash", in.ProofHash)
	if err != nil {
		return nil, err
	}

	buf := []byte{Version}
	for _, field := range []struct{ name, value string }{
		{"request id", in.RequestID},
		{"blob id", in.BlobID},
		{"coordinator tx id", in.CoordinatorTxID},
	} {
		if field.value == "" {
			return nil, relayerrors.NewValidationError("", field.name+" is required")
		}
		if len(field.value) > math.MaxUint16 {
			return nil, relayerrors.NewValidationError("", field.name+" too long")
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(field.value)))
		buf = append(buf, field.value...)
	}
	buf = append(buf, dataHash[:]...)
	buf = append(buf, proofHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	return buf, nil
}

// Decode parses a canonical payload. The result carries no signatures.
func Decode(payload []byte) (*Receipt, error) {
	if len(payload) == 0 || payload[0] != Version {
		return nil, fmt.Errorf("unsupported receipt version")
	}
	rest := payload[1:]
	var fields [3]string
	for i := range fields {
		if len(rest) < 2 {
			return nil, fmt.Errorf("receipt payload truncated")
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < n {
			return nil, fmt.Errorf("receipt payload truncated")
		}
		fields[i] = string(rest[:n])
		rest = rest[n:]
	}
	if len(rest) != 2*hashLen+8 {
		return nil, fmt.Errorf("receipt payload has %d trailing bytes, want %d", len(rest), 2*hashLen+8)
	}

	r := &Receipt{
		RequestID:       fields[0],
		BlobID:          fields[1],
		CoordinatorTxID: fields[2],
		Timestamp:       int64(binary.BigEndian.Uint64(rest[2*hashLen:])),
		Payload:         payload,
	}
	copy(r.DataHash[:], rest[:hashLen])
	copy(r.ProofHash[:], rest[hashLen:2*hashLen])
	return r, nil
}

// Generator creates receipts signed by every configured chain signer.
type Generator struct {
	signers []Signer
	now     func() time.Time
	logger  zerolog.Logger
}

// NewGenerator creates a generator. At least one signer is required and
// kinds must be unique.
func NewGenerator(signers []Signer, logger zerolog.Logger) (*Generator, error) {
	if len(signers) == 0 {
		return nil, relayerrors.NewConfigError("", "receipt generator needs at least one signer")
	}
	seen := make(map[config.ChainKind]bool, len(signers))
	for _, s := range signers {
		if seen[s.Kind()] {
			return nil, relayerrors.NewConfigError("", fmt.Sprintf("duplicate %s receipt signer", s.Kind()))
		}
		seen[s.Kind()] = true
	}
	sorted := append([]Signer(nil), signers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Kind() < sorted[j].Kind() })
	return &Generator{
		signers: sorted,
		now:     time.Now,
		logger:  logger.With().Str("component", "receipt_generator").Logger(),
	}, nil
}

// Create builds and signs a receipt, stamped with the current time.
func (g *Generator) Create(in Input) (*Receipt, error) {
	return g.CreateAt(in, g.now().Unix())
}

// CreateAt builds and signs a receipt for an explicit timestamp. The same
// input and timestamp always give the same payload. A signer failure fails
// the whole receipt.
func (g *Generator) CreateAt(in Input, ts int64) (*Receipt, error) {
	payload, err := Encode(in, ts)
	if err != nil {
		return nil, err
	}
	r, err := Decode(payload)
	if err != nil {
		return nil, err
	}

	r.Signatures = make(map[config.ChainKind][]byte, len(g.signers))
	for _, s := range g.signers {
		sig, err := s.Sign(payload)
		if err != nil {
			return nil, relayerrors.NewTerminalError(fmt.Sprintf("sign receipt for %s", s.Kind()), err)
		}
		r.Signatures[s.Kind()] = sig
	}

	g.logger.Debug().Str("request_id", in.RequestID).Int("signatures", len(r.Signatures)).Msg("receipt created")
	return r, nil
}

// Verify checks that the payload is canonical and that every configured
// signer's signature is present and valid.
func (g *Generator) Verify(r *Receipt) error {
	if _, err := Decode(r.Payload); err != nil {
		return err
	}
	for _, s := range g.signers {
		sig, ok := r.Signatures[s.Kind()]
		if !ok {
			return fmt.Errorf("receipt missing %s signature", s.Kind())
		}
		if !s.Verify(r.Payload, sig) {
			return fmt.Errorf("invalid %s signature", s.Kind())
		}
	}
	return nil
}

// Signers returns the public key of each signer by chain kind.
func (g *Generator) Signers() map[config.ChainKind]string {
	out := make(map[config.ChainKind]string, len(g.signers))
	for _, s := range g.signers {
		out[s.Kind()] = s.PublicKey()
	}
	return out
}

// Signature returns the signature for kind.
func (r *Receipt) Signature(kind config.ChainKind) ([]byte, bool) {
	sig, ok := r.Signatures[kind]
	return sig, ok
}

// ToRecord converts the receipt into its stored form.
func (r *Receipt) ToRecord() (*store.Receipt, error) {
	sigs := make(map[string]string, len(r.Signatures))
	for kind, sig := range r.Signatures {
		sigs[string(kind)] = hexutil.Encode(sig)
	}
	raw, err := json.Marshal(sigs)
	if err != nil {
		return nil, err
	}
	return &store.Receipt{
		RequestID:  r.RequestID,
		Payload:    r.Payload,
		Signatures: raw,
		Timestamp:  r.Timestamp,
	}, nil
}

// FromRecord restores a stored receipt.
func FromRecord(rec *store.Receipt) (*Receipt, error) {
	r, err := Decode(rec.Payload)
	if err != nil {
		return nil, err
	}
	var sigs map[string]string
	if err := json.Unmarshal(rec.Signatures, &sigs); err != nil {
		return nil, fmt.Errorf("decode receipt signatures: %w", err)
	}
	r.Signatures = make(map[config.ChainKind][]byte, len(sigs))
	for kind, s := range sigs {
		sig, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("decode %s signature: %w", kind, err)
		}
		r.Signatures[config.ChainKind(kind)] = sig
	}
	return r, nil
}

// View is the JSON form served to operators.
type View struct {
	RequestID       string            `json:"request_id" yaml:"request_id"`
	BlobID          string            `json:"blob_id" yaml:"blob_id"`
	CoordinatorTxID string            `json:"coordinator_tx_id" yaml:"coordinator_tx_id"`
	DataHash        string            `json:"data_hash" yaml:"data_hash"`
	ProofHash       string            `json:"proof_hash" yaml:"proof_hash"`
	Timestamp       int64             `json:"timestamp" yaml:"timestamp"`
	Payload         string            `json:"payload" yaml:"payload"`
	Signatures      map[string]string `json:"signatures" yaml:"signatures"`
}

// View returns the operator view. Signatures use each chain's native text
// form: hex for evm, base58 for svm.
func (r *Receipt) View() View {
	sigs := make(map[string]string, len(r.Signatures))
	for kind, sig := range r.Signatures {
		sigs[string(kind)] = formatSignature(kind, sig)
	}
	return View{
		RequestID:       r.RequestID,
		BlobID:          r.BlobID,
		CoordinatorTxID: r.CoordinatorTxID,
		DataHash:        hexutil.Encode(r.DataHash[:]),
		ProofHash:       hexutil.Encode(r.ProofHash[:]),
		Timestamp:       r.Timestamp,
		Payload:         hexutil.Encode(r.Payload),
		Signatures:      sigs,
	}
}

func formatSignature(kind config.ChainKind, sig []byte) string {
	if kind == config.ChainKindSVM {
		return base58.Encode(sig)
	}
	return hexutil.Encode(sig)
}

func decodeHash(name, s string) ([hashLen]byte, error) {
	var out [hashLen]byte
	raw, err := hexutil.Decode(s)
	if err != nil {
		return out, relayerrors.NewValidationError("", fmt.Sprintf("%s: %v", name, err))
	}
	if len(raw) != hashLen {
		return out, relayerrors.NewValidationError("", fmt.Sprintf("%s must be %d bytes, got %d", name, hashLen, len(raw)))
	}
	copy(out[:], raw)
	return out, nil
}
