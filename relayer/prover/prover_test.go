package prover

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
)

func hashOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hexutil.Encode(sum[:])
}

func TestProveStorage(t *testing.T) {
	p := NewLocal()
	ctx := context.Background()
	data := []byte("ciphertext")

	a, err := p.ProveStorage(ctx, hashOf(data), "bafk1", 100, data)
	require.NoError(t, err)
	b, err := p.ProveStorage(ctx, hashOf(data), "bafk1", 100, data)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	c, err := p.ProveStorage(ctx, hashOf(data), "bafk1", 101, data)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = p.ProveStorage(ctx, hashOf([]byte("other")), "bafk1", 100, data)
	assert.True(t, relayerrors.IsTerminal(err))

	_, err = p.ProveStorage(ctx, "0x1234", "bafk1", 100, data)
	assert.True(t, relayerrors.IsTerminal(err))
}

func TestProveIntegrity(t *testing.T) {
	p := NewLocal()
	ctx := context.Background()
	data := []byte("ciphertext")

	proof, err := p.ProveIntegrity(ctx, hashOf(data), data)
	require.NoError(t, err)
	assert.NotEmpty(t, proof)

	_, err = p.ProveIntegrity(ctx, hashOf(data), []byte("corrupted"))
	require.Error(t, err)
	assert.True(t, relayerrors.IsTerminal(err))
	assert.Equal(t, "integrity mismatch", relayerrors.Reason(err))
}

func TestProveAccess(t *testing.T) {
	p := NewLocal()
	ctx := context.Background()

	a, err := p.ProveAccess(ctx, "r1", "0xuser", "token")
	require.NoError(t, err)
	b, err := p.ProveAccess(ctx, "r1", "0xother", "token")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = p.ProveAccess(ctx, "", "0xuser", "token")
	assert.Error(t, err)
}

func TestDigest(t *testing.T) {
	assert.Equal(t, hashOf([]byte("proof")), Digest([]byte("proof")))
}
