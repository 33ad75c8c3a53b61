package workflow

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/datahaven/dh-relay/relayer/blobstore"
	"github.com/datahaven/dh-relay/relayer/bridge"
	"github.com/datahaven/dh-relay/relayer/chains/common"
	"github.com/datahaven/dh-relay/relayer/config"
	"github.com/datahaven/dh-relay/relayer/coordinator"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
)

// mockWriteback is a mock origin chain writeback adapter.
type mockWriteback struct {
	mock.Mock
}

var _ common.Writeback = (*mockWriteback)(nil)

func (m *mockWriteback) MarkFailed(ctx context.Context, requestID, user string) (string, error) {
	args := m.Called(ctx, requestID, user)
	return args.String(0), args.Error(1)
}

func (m *mockWriteback) SubmitReceipt(ctx context.Context, requestID string, receipt common.SignedReceipt) (string, error) {
	args := m.Called(ctx, requestID, receipt)
	return args.String(0), args.Error(1)
}

func (m *mockWriteback) ConfirmRetrieval(ctx context.Context, retrievalID string, integrityProof []byte) (string, error) {
	args := m.Called(ctx, retrievalID, integrityProof)
	return args.String(0), args.Error(1)
}

// mockBridge is a mock payment bridge.
type mockBridge struct {
	mock.Mock
}

var _ bridge.Bridge = (*mockBridge)(nil)

func (m *mockBridge) Transfer(ctx context.Context, t bridge.Transfer) (string, error) {
	args := m.Called(ctx, t)
	return args.String(0), args.Error(1)
}

// staticWritebacks resolves a single origin chain.
type staticWritebacks struct {
	chain string
	kind  config.ChainKind
	wb    common.Writeback
}

func (s *staticWritebacks) Writeback(chainID string) (common.Writeback, error) {
	if chainID != s.chain {
		return nil, relayerrors.NewConfigError(chainID, "no writeback adapter")
	}
	return s.wb, nil
}

func (s *staticWritebacks) Kind(chainID string) (config.ChainKind, error) {
	if chainID != s.chain {
		return "", relayerrors.NewConfigError(chainID, "unknown chain")
	}
	return s.kind, nil
}

// memBlobs is an in-memory storage backend handing out b1, b2, ... as
// references. With corrupt set, Get returns altered bytes.
type memBlobs struct {
	mu      sync.Mutex
	data    map[string][]byte
	puts    atomic.Int32
	corrupt atomic.Bool
}

var _ blobstore.Backend = (*memBlobs)(nil)

func newMemBlobs() *memBlobs {
	return &memBlobs{data: make(map[string][]byte)}
}

func (b *memBlobs) Put(ctx context.Context, data []byte) (string, error) {
	n := b.puts.Add(1)
	ref := "b" + strconv.Itoa(int(n))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (b *memBlobs) Get(ctx context.Context, ref string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.data[ref]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	out := append([]byte(nil), data...)
	if b.corrupt.Load() {
		out[0] ^= 0xff
	}
	return out, nil
}

// countingLedger hands out t1, t2, ... as coordinator transaction ids.
type countingLedger struct {
	calls atomic.Int32
}

var _ coordinator.Ledger = (*countingLedger)(nil)

func (l *countingLedger) SubmitStorageRecord(ctx context.Context, rec coordinator.Record) (string, error) {
	n := l.calls.Add(1)
	return "t" + strconv.Itoa(int(n)), nil
}
