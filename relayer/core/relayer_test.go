package core

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/datahaven/dh-relay/relayer/chains"
	"github.com/datahaven/dh-relay/relayer/chains/common"
	"github.com/datahaven/dh-relay/relayer/chains/evm"
	"github.com/datahaven/dh-relay/relayer/config"
	"github.com/datahaven/dh-relay/relayer/db"
	"github.com/datahaven/dh-relay/relayer/keys"
	"github.com/datahaven/dh-relay/relayer/receipt"
	"github.com/datahaven/dh-relay/relayer/requests"
)

const testChain = "eip155:11155111"

type mockWriteback struct {
	mock.Mock
}

func (m *mockWriteback) MarkFailed(ctx context.Context, requestID, user string) (string, error) {
	args := m.Called(ctx, requestID, user)
	return args.String(0), args.Error(1)
}

func (m *mockWriteback) SubmitReceipt(ctx context.Context, requestID string, r common.SignedReceipt) (string, error) {
	args := m.Called(ctx, requestID, r)
	return args.String(0), args.Error(1)
}

func (m *mockWriteback) ConfirmRetrieval(ctx context.Context, retrievalID string, proof []byte) (string, error) {
	args := m.Called(ctx, retrievalID, proof)
	return args.String(0), args.Error(1)
}

// fakeChain emits its events once started.
type fakeChain struct {
	events   []*common.ChainEvent
	wb       *mockWriteback
	startErr error
	stopped  atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func (f *fakeChain) ChainID() string { return testChain }
func (f *fakeChain) Kind() config.ChainKind { return config.ChainKindEVM }
func (f *fakeChain) IsHealthy() bool { return !f.stopped.Load() }
func (f *fakeChain) Writeback() common.Writeback { return f.wb }

func (f *fakeChain) Start(ctx context.Context, out chan<- *common.ChainEvent) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.stopCh = make(chan struct{})
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for _, ev := range f.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			}
		}
	}()
	return nil
}

func (f *fakeChain) Stop() error {
	if f.stopped.CompareAndSwap(false, true) && f.stopCh != nil {
		close(f.stopCh)
	}
	f.wg.Wait()
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		LogLevel:  1,
		LogFormat: "console",
		NodeHome:  home,
		Queue: config.QueueConfig{
			WorkersPerType:       2,
			PollIntervalMs:       10,
			BaseBackoffSeconds:   1,
			MaxBackoffSeconds:    1,
			MaxAttempts:          4,
			LeaseSeconds:         60,
			ShutdownGraceSeconds: 1,
			EventBufferSize:      4,
		},
		Workflow: config.WorkflowConfig{UploadWaitAttempts: 4},
		Fraud:    config.FraudConfig{DuplicateWindowSeconds: 3600, MinPayment: "1000000"},
		Fees:     config.FeeConfig{PerByteRate: "2", Epochs: 30, FixedFee: "1000000"},
		Services: config.ServicesConfig{
			BlobStoreDir:       filepath.Join(home, "blobs"),
			HTTPTimeoutSeconds: 1,
		},
		Retention: config.RetentionConfig{CleanupIntervalSeconds: 3600, CompletedJobSeconds: 3600},
	}
}

func newTestRelayer(t *testing.T, chain *fakeChain) *Relayer {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))

	mainDB, err := db.OpenInMemoryDB(db.MainSchema)
	require.NoError(t, err)
	dbManager := db.NewInMemoryChainDBManager(logger)
	registry := chains.NewChainRegistry(dbManager, nil, logger)
	require.NoError(t, registry.Register(chain))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	r, err := assemble(testConfig(t), logger, mainDB, dbManager, registry, []receipt.Signer{evm.NewReceiptSigner(key)})
	require.NoError(t, err)
	return r
}

func storageEvent(t *testing.T, ciphertext []byte) *common.ChainEvent {
	t.Helper()
	sum := sha256.Sum256(ciphertext)
	payload, err := json.Marshal(common.StoragePayload{
		RequestID: "r1",
		User:      "0x00000000000000000000000000000000000000aa",
		DataHash:  hexutil.Encode(sum[:]),
		Payment:   "5000000",
		Timestamp: 1700000000,
	})
	require.NoError(t, err)
	return &common.ChainEvent{
		Chain:   testChain,
		EventID: "0xabc:0",
		Kind:    common.EventKindStorageRequested,
		TxID:    "0xabc",
		Payload: payload,
	}
}

func TestRelayerProcessesEventsAndShutsDown(t *testing.T) {
	ciphertext := []byte("sealed payload")
	ev := storageEvent(t, ciphertext)
	wb := &mockWriteback{}
	wb.On("SubmitReceipt", mock.Anything, "r1", mock.Anything).Return("0xreceipt", nil).Once()

	// the same event twice, as after a watcher restart
	chain := &fakeChain{events: []*common.ChainEvent{ev, ev}, wb: wb}
	r := newTestRelayer(t, chain)
	require.NoError(t, r.requests.PutUpload(context.Background(), "r1", ciphertext))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool {
		req, err := r.requests.GetStorage(context.Background(), "r1")
		return err == nil && req.Status == requests.StorageConfirmed
	}, 10*time.Second, 20*time.Millisecond)

	status := r.HealthStatus()
	assert.True(t, status["queue"])
	assert.True(t, status["chain:"+testChain])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("relayer did not shut down")
	}
	assert.True(t, chain.stopped.Load())
	wb.AssertNumberOfCalls(t, "SubmitReceipt", 1)
}

func TestRelayerStartFailureReturnsPromptly(t *testing.T) {
	chain := &fakeChain{wb: &mockWriteback{}, startErr: errors.New("rpc unreachable")}
	r := newTestRelayer(t, chain)

	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rpc unreachable")
	case <-time.After(10 * time.Second):
		t.Fatal("relayer hung after a watcher failed to start")
	}
}

func TestRelayerAdmitsBufferedEventsOnShutdown(t *testing.T) {
	ciphertext := []byte("sealed payload")
	ev := storageEvent(t, ciphertext)
	var acked atomic.Bool
	ev.SetAck(func() error { acked.Store(true); return nil })

	wb := &mockWriteback{}
	wb.On("MarkFailed", mock.Anything, mock.Anything, mock.Anything).Return("", nil).Maybe()
	chain := &fakeChain{wb: wb}
	r := newTestRelayer(t, chain)
	// sent by a watcher but not yet admitted when shutdown begins
	r.events <- ev

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	require.NoError(t, r.Start(ctx))

	assert.True(t, acked.Load(), "buffered event is admitted before ingest stops")
	_, open := <-r.events
	assert.False(t, open, "event channel is closed once the watchers are stopped")
}

func TestReceiptSigners(t *testing.T) {
	assert.Empty(t, receiptSigners(&keys.Keys{}))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signers := receiptSigners(&keys.Keys{EVM: key})
	require.Len(t, signers, 1)
	assert.Equal(t, config.ChainKindEVM, signers[0].Kind())
}

func TestAssembleRequiresSigner(t *testing.T) {
	logger := zerolog.Nop()
	mainDB, err := db.OpenInMemoryDB(db.MainSchema)
	require.NoError(t, err)
	defer mainDB.Close()
	dbManager := db.NewInMemoryChainDBManager(logger)
	registry := chains.NewChainRegistry(dbManager, nil, logger)

	_, err = assemble(testConfig(t), logger, mainDB, dbManager, registry, nil)
	assert.Error(t, err)
}
