package svm

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/chains/common"
	"github.com/datahaven/dh-relay/relayer/config"
	"github.com/datahaven/dh-relay/relayer/db"
)

// Client wires the SVM source, watcher and writeback for one cluster.
type Client struct {
	*common.BaseChainClient
	rpc *RPCClient
}

// NewClient connects to the cluster's RPC endpoints and assembles its
// watcher and writeback adapter. The CAIP-2 reference of chainID is the
// cluster's genesis hash prefix and is checked against each endpoint.
func NewClient(
	chainID string,
	cfg config.ChainSpecificConfig,
	key solana.PrivateKey,
	database *db.DB,
	logger zerolog.Logger,
) (*Client, error) {
	if cfg.Kind != config.ChainKindSVM {
		return nil, fmt.Errorf("chain %s is not an SVM chain", chainID)
	}
	program, err := solana.PublicKeyFromBase58(cfg.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid program id %q for chain %s: %w", cfg.ContractAddress, chainID, err)
	}

	genesis := ""
	if parts := strings.SplitN(chainID, ":", 2); len(parts) == 2 {
		genesis = parts[1]
	}

	rpc, err := NewRPCClient(chainID, cfg.RPCURLs, genesis, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client for %s: %w", chainID, err)
	}

	client, err := newClient(chainID, cfg, rpc, program, key, database, rpc.Close, logger)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	client.rpc = rpc
	return client, nil
}

func newClient(
	chainID string,
	cfg config.ChainSpecificConfig,
	backend svmBackend,
	program solana.PublicKey,
	key solana.PrivateKey,
	database *db.DB,
	closer func(),
	logger zerolog.Logger,
) (*Client, error) {
	writeback, err := NewWriteback(chainID, backend, program, key, uint32(cfg.GasLimit), logger)
	if err != nil {
		return nil, err
	}

	source := NewSource(chainID, backend, program, logger)
	watcher := common.NewWatcher(common.WatcherConfig{
		ChainID:        chainID,
		Policy:         common.PolicyFromConfig(cfg),
		BatchSize:      cfg.BatchSize,
		StartFrom:      cfg.EventStartFrom,
		UnhealthyAfter: cfg.UnhealthyAfter(),
	}, source, common.NewChainStore(database), logger)

	return &Client{
		BaseChainClient: common.NewBaseChainClient(chainID, config.ChainKindSVM, watcher, writeback, closer),
	}, nil
}
