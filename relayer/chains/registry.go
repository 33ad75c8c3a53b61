package chains

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/chains/common"
	"github.com/datahaven/dh-relay/relayer/chains/evm"
	"github.com/datahaven/dh-relay/relayer/chains/svm"
	"github.com/datahaven/dh-relay/relayer/config"
	"github.com/datahaven/dh-relay/relayer/db"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
	"github.com/datahaven/dh-relay/relayer/keys"
)

// ClientFactory builds the client for one configured chain on its own
// database.
type ClientFactory func(chainID string, cfg config.ChainSpecificConfig, chainDB *db.DB) (common.ChainClient, error)

// ChainRegistry holds one client per configured chain. The workflow looks
// writeback adapters up here by chain id and never sees concrete chain types.
type ChainRegistry struct {
	mu        sync.RWMutex
	chains    map[string]common.ChainClient // key: CAIP-2 chain ID
	dbManager *db.ChainDBManager
	factory   ClientFactory
	logger    zerolog.Logger
}

// NewChainRegistry creates a new chain registry
func NewChainRegistry(dbManager *db.ChainDBManager, factory ClientFactory, logger zerolog.Logger) *ChainRegistry {
	return &ChainRegistry{
		chains:    make(map[string]common.ChainClient),
		dbManager: dbManager,
		factory:   factory,
		logger:    logger.With().Str("component", "chain_registry").Logger(),
	}
}

// NewClientFactory returns the factory that builds EVM and SVM clients with
// the relayer keys.
func NewClientFactory(k *keys.Keys, logger zerolog.Logger) ClientFactory {
	return func(chainID string, cfg config.ChainSpecificConfig, chainDB *db.DB) (common.ChainClient, error) {
		switch cfg.Kind {
		case config.ChainKindEVM:
			if k == nil || k.EVM == nil {
				return nil, fmt.Errorf("no evm relayer key loaded for %s", chainID)
			}
			return evm.NewClient(chainID, cfg, k.EVM, chainDB, logger)
		case config.ChainKindSVM:
			if k == nil || len(k.SVM) == 0 {
				return nil, fmt.Errorf("no svm relayer key loaded for %s", chainID)
			}
			return svm.NewClient(chainID, cfg, k.SVM, chainDB, logger)
		default:
			return nil, fmt.Errorf("unsupported chain kind: %q", cfg.Kind)
		}
	}
}

// AddChain creates the client for a configured chain.
func (r *ChainRegistry) AddChain(chainID string, cfg config.ChainSpecificConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.chains[chainID]; exists {
		return fmt.Errorf("chain %s already registered", chainID)
	}

	chainDB, err := r.dbManager.GetChainDB(chainID)
	if err != nil {
		return fmt.Errorf("failed to get database for chain %s: %w", chainID, err)
	}

	client, err := r.factory(chainID, cfg, chainDB)
	if err != nil {
		return fmt.Errorf("failed to create chain client for %s: %w", chainID, err)
	}

	r.chains[chainID] = client
	r.logger.Info().Str("chain", chainID).Str("kind", string(cfg.Kind)).Msg("chain client added")
	return nil
}

// AddChains creates clients for every chain in cfg.
func (r *ChainRegistry) AddChains(cfg *config.Config) error {
	ids := make([]string, 0, len(cfg.ChainConfigs))
	for id := range cfg.ChainConfigs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := r.AddChain(id, cfg.ChainConfigs[id]); err != nil {
			return err
		}
	}
	return nil
}

// Register adds an already built client.
func (r *ChainRegistry) Register(client common.ChainClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.chains[client.ChainID()]; exists {
		return fmt.Errorf("chain %s already registered", client.ChainID())
	}
	r.chains[client.ChainID()] = client
	return nil
}

// GetChain returns a chain client by ID
func (r *ChainRegistry) GetChain(chainID string) common.ChainClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chains[chainID]
}

// Writeback returns the writeback adapter for chainID. An unknown chain is
// a configuration error no retry can fix.
func (r *ChainRegistry) Writeback(chainID string) (common.Writeback, error) {
	client := r.GetChain(chainID)
	if client == nil {
		return nil, relayerrors.NewConfigError(chainID, "no writeback adapter registered for chain")
	}
	return client.Writeback(), nil
}

// Kind returns the chain kind of a registered chain.
func (r *ChainRegistry) Kind(chainID string) (config.ChainKind, error) {
	client := r.GetChain(chainID)
	if client == nil {
		return "", relayerrors.NewConfigError(chainID, "chain not registered")
	}
	return client.Kind(), nil
}

// ChainIDs returns the registered chain ids in order.
func (r *ChainRegistry) ChainIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartAll starts every chain's watcher feeding out. Chains that were
// started before a failure are left running; callers stop them with
// StopAll.
func (r *ChainRegistry) StartAll(ctx context.Context, out chan<- *common.ChainEvent) error {
	for _, id := range r.ChainIDs() {
		client := r.GetChain(id)
		if err := client.Start(ctx, out); err != nil {
			return fmt.Errorf("failed to start chain client for %s: %w", id, err)
		}
	}
	return nil
}

// StopAll stops all chain clients
func (r *ChainRegistry) StopAll() {
	r.mu.RLock()
	clients := make([]common.ChainClient, 0, len(r.chains))
	for _, client := range r.chains {
		clients = append(clients, client)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(c common.ChainClient) {
			defer wg.Done()
			if err := c.Stop(); err != nil {
				r.logger.Error().Err(err).Str("chain", c.ChainID()).Msg("failed to stop chain client")
			}
		}(client)
	}
	wg.Wait()
}

// GetHealthStatus returns the health status of all chains
func (r *ChainRegistry) GetHealthStatus() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := make(map[string]bool, len(r.chains))
	for id, client := range r.chains {
		status[id] = client.IsHealthy()
	}
	return status
}
