// Package blobstore is the content-addressed storage backend. Blobs are
// immutable and keyed by their CIDv1 (raw codec, sha2-256 multihash).
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound    = errors.New("blobstore: not found")
	ErrInvalidRef  = errors.New("blobstore: invalid blob reference")
	ErrCIDMismatch = errors.New("blobstore: content does not match cid")
	ErrImmutable   = errors.New("blobstore: immutable object mismatch")
)

// Backend stores and fetches blobs by reference.
type Backend interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// CID returns the CIDv1 (raw, sha2-256) of data.
func CID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// CAS is a filesystem Backend rooted at a directory.
type CAS struct {
	root   string
	logger zerolog.Logger
}

// New creates a CAS rooted at root, creating the directory if needed.
func New(root string, logger zerolog.Logger) (*CAS, error) {
	if root == "" {
		return nil, errors.New("blobstore: root directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	return &CAS{root: root, logger: logger.With().Str("component", "blobstore").Logger()}, nil
}

// Put stores data and returns its CID. Storing the same bytes twice is a
// no-op.
func (c *CAS) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := CID(data)
	if err != nil {
		return "", err
	}

	path := c.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}

	// write to a temp file and link it in, so a crash never leaves a
	// partial blob under its final name
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Link(tmpName, path); err != nil {
		if !os.IsExist(err) {
			return "", err
		}
		existing, rerr := c.get(id)
		if rerr != nil || string(existing) != string(data) {
			return "", ErrImmutable
		}
		return id.String(), nil
	}
	_ = os.Chmod(path, 0o440)

	c.logger.Debug().Str("blob_id", id.String()).Int("size", len(data)).Msg("blob stored")
	return id.String(), nil
}

// Get returns the blob for ref, verifying it against its CID.
func (c *CAS) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := cid.Decode(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	return c.get(id)
}

// Has reports whether ref is stored.
func (c *CAS) Has(ref string) bool {
	id, err := cid.Decode(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(c.pathFor(id))
	return err == nil
}

func (c *CAS) get(id cid.Cid) ([]byte, error) {
	b, err := os.ReadFile(c.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	got, err := CID(b)
	if err != nil {
		return nil, err
	}
	if !got.Equals(id) {
		return nil, ErrCIDMismatch
	}
	return b, nil
}

func (c *CAS) pathFor(id cid.Cid) string {
	s := id.String()
	if len(s) < 2 {
		return filepath.Join(c.root, s)
	}
	return filepath.Join(c.root, s[len(s)-2:], s)
}
