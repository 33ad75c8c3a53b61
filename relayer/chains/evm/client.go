package evm

import (
	"crypto/ecdsa"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/chains/common"
	"github.com/datahaven/dh-relay/relayer/config"
	"github.com/datahaven/dh-relay/relayer/db"
)

// Client wires the EVM source, watcher and writeback for one chain.
type Client struct {
	*common.BaseChainClient
	rpc *RPCClient
}

// NewClient dials the chain's RPC endpoints and assembles its watcher and
// writeback adapter. database is the chain's own database.
func NewClient(
	chainID string,
	cfg config.ChainSpecificConfig,
	key *ecdsa.PrivateKey,
	database *db.DB,
	logger zerolog.Logger,
) (*Client, error) {
	if cfg.Kind != config.ChainKindEVM {
		return nil, fmt.Errorf("chain %s is not an EVM chain", chainID)
	}
	if !ethcommon.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q for chain %s", cfg.ContractAddress, chainID)
	}
	contract := ethcommon.HexToAddress(cfg.ContractAddress)

	rpc, err := NewRPCClient(chainID, cfg.RPCURLs, cfg.EVMChainID, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client for %s: %w", chainID, err)
	}

	client, err := newClient(chainID, cfg, rpc, contract, key, database, rpc.Close, logger)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	client.rpc = rpc
	return client, nil
}

// newClient builds a client on an arbitrary backend. Tests use it with a
// mock backend.
func newClient(
	chainID string,
	cfg config.ChainSpecificConfig,
	backend ethBackend,
	contract ethcommon.Address,
	key *ecdsa.PrivateKey,
	database *db.DB,
	closer func(),
	logger zerolog.Logger,
) (*Client, error) {
	writeback, err := NewWriteback(chainID, backend, contract, key, cfg.EVMChainID, cfg.GasLimit, logger)
	if err != nil {
		return nil, err
	}

	source := NewSource(chainID, backend, contract, logger)
	watcher := common.NewWatcher(common.WatcherConfig{
		ChainID:        chainID,
		Policy:         common.PolicyFromConfig(cfg),
		BatchSize:      cfg.BatchSize,
		StartFrom:      cfg.EventStartFrom,
		UnhealthyAfter: cfg.UnhealthyAfter(),
	}, source, common.NewChainStore(database), logger)

	return &Client{
		BaseChainClient: common.NewBaseChainClient(chainID, config.ChainKindEVM, watcher, writeback, closer),
	}, nil
}
