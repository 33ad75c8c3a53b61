package chains

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahaven/dh-relay/relayer/chains/common"
	"github.com/datahaven/dh-relay/relayer/config"
	"github.com/datahaven/dh-relay/relayer/db"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
)

type stubWriteback struct{ chain string }

func (s stubWriteback) MarkFailed(context.Context, string, string) (string, error) {
	return "mark-" + s.chain, nil
}
func (s stubWriteback) SubmitReceipt(context.Context, string, common.SignedReceipt) (string, error) {
	return "", nil
}
func (s stubWriteback) ConfirmRetrieval(context.Context, string, []byte) (string, error) {
	return "", nil
}

type stubClient struct {
	id      string
	kind    config.ChainKind
	healthy bool
	started bool
	stopped bool
}

func (c *stubClient) ChainID() string { return c.id }
func (c *stubClient) Kind() config.ChainKind { return c.kind }
func (c *stubClient) Start(context.Context, chan<- *common.ChainEvent) error {
	c.started = true
	return nil
}
func (c *stubClient) Stop() error                 { c.stopped = true; return nil }
func (c *stubClient) IsHealthy() bool             { return c.healthy }
func (c *stubClient) Writeback() common.Writeback { return stubWriteback{chain: c.id} }

func newTestRegistry(t *testing.T, factory ClientFactory) *ChainRegistry {
	t.Helper()
	mgr := db.NewInMemoryChainDBManager(zerolog.Nop())
	t.Cleanup(func() { _ = mgr.CloseAll() })
	return NewChainRegistry(mgr, factory, zerolog.New(zerolog.NewTestWriter(t)))
}

func TestRegistryAddChainsAndWriteback(t *testing.T) {
	built := map[string]*stubClient{}
	r := newTestRegistry(t, func(id string, cfg config.ChainSpecificConfig, chainDB *db.DB) (common.ChainClient, error) {
		require.NotNil(t, chainDB)
		c := &stubClient{id: id, kind: cfg.Kind, healthy: true}
		built[id] = c
		return c, nil
	})

	cfg := &config.Config{ChainConfigs: map[string]config.ChainSpecificConfig{
		"solana:test": {Kind: config.ChainKindSVM},
		"eip155:1":    {Kind: config.ChainKindEVM},
	}}
	require.NoError(t, r.AddChains(cfg))
	assert.Equal(t, []string{"eip155:1", "solana:test"}, r.ChainIDs())

	wb, err := r.Writeback("eip155:1")
	require.NoError(t, err)
	tx, err := wb.MarkFailed(context.Background(), "r", "u")
	require.NoError(t, err)
	assert.Equal(t, "mark-eip155:1", tx)

	_, err = r.Writeback("cosmos:unknown")
	require.Error(t, err)
	assert.True(t, relayerrors.IsTerminal(err))

	kind, err := r.Kind("solana:test")
	require.NoError(t, err)
	assert.Equal(t, config.ChainKindSVM, kind)
	_, err = r.Kind("cosmos:unknown")
	assert.True(t, relayerrors.IsTerminal(err))

	assert.Error(t, r.AddChain("eip155:1", config.ChainSpecificConfig{Kind: config.ChainKindEVM}))
}

func TestRegistryFactoryError(t *testing.T) {
	r := newTestRegistry(t, func(string, config.ChainSpecificConfig, *db.DB) (common.ChainClient, error) {
		return nil, errors.New("dial failed")
	})
	err := r.AddChain("eip155:1", config.ChainSpecificConfig{})
	assert.ErrorContains(t, err, "dial failed")
	assert.Empty(t, r.ChainIDs())
}

func TestRegistryLifecycleAndHealth(t *testing.T) {
	r := newTestRegistry(t, nil)
	a := &stubClient{id: "eip155:1", healthy: true}
	b := &stubClient{id: "solana:test", healthy: false}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	assert.Error(t, r.Register(a))

	require.NoError(t, r.StartAll(context.Background(), make(chan *common.ChainEvent)))
	assert.True(t, a.started)
	assert.True(t, b.started)

	assert.Equal(t, map[string]bool{"eip155:1": true, "solana:test": false}, r.GetHealthStatus())

	r.StopAll()
	assert.True(t, a.stopped)
	assert.True(t, b.stopped)
}

func TestClientFactoryRequiresKeys(t *testing.T) {
	factory := NewClientFactory(nil, zerolog.Nop())
	_, err := factory("eip155:1", config.ChainSpecificConfig{Kind: config.ChainKindEVM}, nil)
	assert.Error(t, err)
	_, err = factory("solana:x", config.ChainSpecificConfig{Kind: config.ChainKindSVM}, nil)
	assert.Error(t, err)
	_, err = factory("x:y", config.ChainSpecificConfig{Kind: "move"}, nil)
	assert.Error(t, err)
}
