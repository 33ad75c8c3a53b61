package receipt

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahaven/dh-relay/relayer/chains/evm"
	"github.com/datahaven/dh-relay/relayer/chains/svm"
	"github.com/datahaven/dh-relay/relayer/config"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
)

var testInput = Input{
	RequestID:       "0x0000000000000000000000000000000000000000000000000000000000000001",
	BlobID:          "bafkreib1",
	CoordinatorTxID: "t1",
	DataHash:        "0x" + repeat("ab", 32),
	ProofHash:       "0x" + repeat("cd", 32),
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	evmKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	svmKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	g, err := NewGenerator([]Signer{
		svm.NewReceiptSigner(svmKey),
		evm.NewReceiptSigner(evmKey),
	}, zerolog.Nop())
	require.NoError(t, err)
	return g
}

type failingSigner struct{}

func (failingSigner) Kind() config.ChainKind { return config.ChainKindSVM }
func (failingSigner) PublicKey() string { return "broken" }
func (failingSigner) Sign([]byte) ([]byte, error) { return nil, errors.New("hsm offline") }
func (failingSigner) Verify(payload, sig []byte) bool { return false }

func TestEncodeLayout(t *testing.T) {
	payload, err := Encode(Input{
		RequestID:       "r",
		BlobID:          "b",
		CoordinatorTxID: "t",
		DataHash:        "0x" + repeat("11", 32),
		ProofHash:       "0x" + repeat("22", 32),
	}, 1700000000)
	require.NoError(t, err)

	want := []byte{0x01, 0x00, 0x01, 'r', 0x00, 0x01, 'b', 0x00, 0x01, 't'}
	require.Equal(t, want, payload[:len(want)])
	rest := payload[len(want):]
	require.Len(t, rest, 72)
	assert.Equal(t, byte(0x11), rest[0])
	assert.Equal(t, byte(0x22), rest[32])
	assert.Equal(t, []byte{0, 0, 0, 0, 0x65, 0x53, 0xf1, 0x00}, rest[64:])
}

func TestEncodeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Input)
	}{
		{"missing request id", func(in *Input) { in.RequestID = "" }},
		{"missing blob id", func(in *Input) { in.BlobID = "" }},
		{"missing coordinator tx", func(in *Input) { in.CoordinatorTxID = "" }},
		{"short data hash", func(in *Input) { in.DataHash = "0xabcd" }},
		{"non hex proof hash", func(in *Input) { in.ProofHash = "proof" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testInput
			tt.edit(&in)
			_, err := Encode(in, 1)
			require.Error(t, err)
			assert.True(t, relayerrors.IsTerminal(err))
		})
	}
}

func TestCreateIsDeterministic(t *testing.T) {
	g := newTestGenerator(t)

	a, err := g.CreateAt(testInput, 1700000000)
	require.NoError(t, err)
	b, err := g.CreateAt(testInput, 1700000000)
	require.NoError(t, err)

	assert.Equal(t, a.Payload, b.Payload)
	// ed25519 is deterministic, and so is RFC6979 secp256k1
	assert.Equal(t, a.Signatures, b.Signatures)
	require.NoError(t, g.Verify(a))
	require.NoError(t, g.Verify(b))

	c, err := g.CreateAt(testInput, 1700000001)
	require.NoError(t, err)
	assert.NotEqual(t, a.Payload, c.Payload)
}

func TestCreateSignsForEveryChain(t *testing.T) {
	g := newTestGenerator(t)
	g.now = func() time.Time { return time.Unix(1700000000, 0) }

	r, err := g.Create(testInput)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), r.Timestamp)
	assert.Equal(t, testInput.RequestID, r.RequestID)
	assert.Equal(t, "bafkreib1", r.BlobID)
	assert.Equal(t, byte(0xab), r.DataHash[0])

	evmSig, ok := r.Signature(config.ChainKindEVM)
	require.True(t, ok)
	assert.Len(t, evmSig, 65)
	svmSig, ok := r.Signature(config.ChainKindSVM)
	require.True(t, ok)
	assert.Len(t, svmSig, 64)

	keys := g.Signers()
	assert.Len(t, keys, 2)
	assert.Contains(t, keys[config.ChainKindEVM], "0x")
}

func TestVerifyDetectsTampering(t *testing.T) {
	g := newTestGenerator(t)
	r, err := g.CreateAt(testInput, 42)
	require.NoError(t, err)

	t.Run("payload", func(t *testing.T) {
		tampered := *r
		tampered.Payload = append([]byte(nil), r.Payload...)
		tampered.Payload[len(tampered.Payload)-1] ^= 0xff
		assert.Error(t, g.Verify(&tampered))
	})

	t.Run("missing signature", func(t *testing.T) {
		partial := *r
		partial.Signatures = map[config.ChainKind][]byte{config.ChainKindEVM: r.Signatures[config.ChainKindEVM]}
		assert.ErrorContains(t, g.Verify(&partial), "missing svm signature")
	})
}

func TestSignerFailureFailsReceipt(t *testing.T) {
	evmKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	g, err := NewGenerator([]Signer{evm.NewReceiptSigner(evmKey), failingSigner{}}, zerolog.Nop())
	require.NoError(t, err)

	r, err := g.CreateAt(testInput, 1)
	require.Error(t, err)
	assert.Nil(t, r)
	assert.True(t, relayerrors.IsTerminal(err))
}

func TestNewGeneratorValidation(t *testing.T) {
	_, err := NewGenerator(nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewGenerator([]Signer{failingSigner{}, failingSigner{}}, zerolog.Nop())
	assert.ErrorContains(t, err, "duplicate svm receipt signer")
}

func TestRecordRoundTrip(t *testing.T) {
	g := newTestGenerator(t)
	r, err := g.CreateAt(testInput, 99)
	require.NoError(t, err)

	rec, err := r.ToRecord()
	require.NoError(t, err)
	assert.Equal(t, testInput.RequestID, rec.RequestID)

	restored, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, r.Payload, restored.Payload)
	assert.Equal(t, r.Signatures, restored.Signatures)
	require.NoError(t, g.Verify(restored))

	view := restored.View()
	assert.Equal(t, testInput.DataHash, view.DataHash)
	assert.Equal(t, int64(99), view.Timestamp)
	assert.Equal(t, hexutil.Encode(r.Signatures[config.ChainKindEVM]), view.Signatures["evm"])
	if sig, ok := r.Signatures[config.ChainKindSVM]; ok {
		assert.Equal(t, base58.Encode(sig), view.Signatures["svm"])
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, payload := range [][]byte{nil, {0x02}, {0x01, 0x00}, {0x01, 0x00, 0x05, 'a'}} {
		_, err := Decode(payload)
		assert.Error(t, err)
	}
}
