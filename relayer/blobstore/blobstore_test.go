package blobstore

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCAS(t *testing.T) *CAS {
	t.Helper()
	c, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestPutGet(t *testing.T) {
	c := newTestCAS(t)
	ctx := context.Background()

	ref, err := c.Put(ctx, []byte("ciphertext"))
	require.NoError(t, err)
	assert.Equal(t, "b", ref[:1], "CIDv1 strings are base32 multibase")
	assert.True(t, c.Has(ref))

	again, err := c.Put(ctx, []byte("ciphertext"))
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	got, err := c.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), got)

	want, err := CID([]byte("ciphertext"))
	require.NoError(t, err)
	assert.Equal(t, want.String(), ref)
}

func TestGetErrors(t *testing.T) {
	c := newTestCAS(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "not-a-cid")
	assert.ErrorIs(t, err, ErrInvalidRef)

	missing, err := CID([]byte("never stored"))
	require.NoError(t, err)
	_, err = c.Get(ctx, missing.String())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, c.Has(missing.String()))
}

func TestGetDetectsCorruption(t *testing.T) {
	c := newTestCAS(t)
	ctx := context.Background()

	ref, err := c.Put(ctx, []byte("original"))
	require.NoError(t, err)

	id, err := CID([]byte("original"))
	require.NoError(t, err)
	path := c.pathFor(id)
	require.NoError(t, os.Chmod(path, 0o640))
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o640))

	_, err = c.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrCIDMismatch)

	_, err = c.Put(ctx, []byte("original"))
	assert.ErrorIs(t, err, ErrImmutable)
}

func TestCancelledContext(t *testing.T) {
	c := newTestCAS(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Put(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New("", zerolog.Nop())
	assert.Error(t, err)
}
