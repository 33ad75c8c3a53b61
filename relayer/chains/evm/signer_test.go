package evm

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahaven/dh-relay/relayer/config"
)

func TestReceiptSignerRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewReceiptSigner(key)

	payload := []byte("receipt payload")
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	assert.Len(t, sig, 65)

	assert.Equal(t, config.ChainKindEVM, signer.Kind())
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), signer.PublicKey())
	assert.True(t, signer.Verify(payload, sig))
	assert.False(t, signer.Verify([]byte("tampered"), sig))
	assert.False(t, signer.Verify(payload, sig[:64]))
}

func TestGenerateAndLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evm.key")
	key, err := GenerateKey(path)
	require.NoError(t, err)

	loaded, err := LoadKey(path)
	require.NoError(t, err)
	assert.Equal(t, crypto.FromECDSA(key), crypto.FromECDSA(loaded))

	_, err = LoadKey(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
