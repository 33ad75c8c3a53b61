package svm

import (
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahaven/dh-relay/relayer/config"
)

func TestReceiptSignerRoundTrip(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	signer := NewReceiptSigner(key)

	payload := []byte("receipt payload")
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	assert.Len(t, sig, 64)

	assert.Equal(t, config.ChainKindSVM, signer.Kind())
	assert.Equal(t, key.PublicKey().String(), signer.PublicKey())
	assert.True(t, signer.Verify(payload, sig))
	assert.False(t, signer.Verify([]byte("tampered"), sig))
	assert.False(t, signer.Verify(payload, sig[:10]))
}

func TestGenerateAndLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svm.json")
	key, err := GenerateKey(path)
	require.NoError(t, err)

	loaded, err := LoadKey(path)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), loaded.PublicKey())

	_, err = LoadKey(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
