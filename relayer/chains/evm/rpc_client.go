package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
)

// ethBackend is the RPC surface the source and writeback adapter use.
type ethBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// RPCClient provides EVM RPC operations with round-robin failover across
// the configured endpoints.
type RPCClient struct {
	chainID string
	clients []*ethclient.Client
	index   uint64
	mu      sync.RWMutex
	logger  zerolog.Logger
}

var _ ethBackend = (*RPCClient)(nil)

// NewRPCClient creates a new EVM RPC client from RPC URLs and validates chain ID
func NewRPCClient(chainID string, rpcURLs []string, expectedChainID int64, logger zerolog.Logger) (*RPCClient, error) {
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}

	log := logger.With().Str("component", "evm_rpc_client").Str("chain", chainID).Logger()
	clients := make([]*ethclient.Client, 0, len(rpcURLs))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, url := range rpcURLs {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("failed to connect to RPC endpoint, skipping")
			continue
		}

		clientChainID, err := client.ChainID(ctx)
		if err != nil {
			// Keep the endpoint; it may just be slow right now.
			log.Warn().
				Err(err).
				Str("url", url).
				Int64("expected_chain_id", expectedChainID).
				Msg("failed to verify chain ID, proceeding with client anyway")
			clients = append(clients, client)
			continue
		}

		if clientChainID.Int64() != expectedChainID {
			client.Close()
			log.Warn().
				Str("url", url).
				Int64("expected_chain_id", expectedChainID).
				Int64("actual_chain_id", clientChainID.Int64()).
				Msg("chain ID mismatch, closing client")
			continue
		}

		clients = append(clients, client)
		log.Info().Str("url", url).Msg("connected to RPC endpoint")
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("failed to connect to any valid RPC endpoints")
	}

	return &RPCClient{
		chainID: chainID,
		clients: clients,
		logger:  log,
	}, nil
}

// executeWithFailover executes a function with round-robin failover.
// ethereum.NotFound is an answer, not an endpoint failure, and is returned
// as is.
func (rc *RPCClient) executeWithFailover(ctx context.Context, operation string, fn func(*ethclient.Client) error) error {
	rc.mu.RLock()
	clients := rc.clients
	rc.mu.RUnlock()

	if len(clients) == 0 {
		return relayerrors.NewRPCError(rc.chainID, "no RPC clients available for "+operation, nil)
	}

	var lastErr error
	for attempt := 0; attempt < len(clients); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		index := atomic.AddUint64(&rc.index, 1) - 1
		client := clients[index%uint64(len(clients))]

		err := fn(client)
		if err == nil {
			return nil
		}
		if errors.Is(err, ethereum.NotFound) {
			return err
		}
		lastErr = err

		rc.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt+1).
			Err(err).
			Msg("operation failed, trying next endpoint")
	}

	return relayerrors.NewRPCError(rc.chainID, fmt.Sprintf("%s failed after trying %d endpoints", operation, len(clients)), lastErr)
}

// call runs fn against the endpoints in turn and returns the first answer.
func call[T any](ctx context.Context, rc *RPCClient, operation string, fn func(*ethclient.Client) (T, error)) (T, error) {
	var out T
	err := rc.executeWithFailover(ctx, operation, func(client *ethclient.Client) error {
		v, err := fn(client)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

func (rc *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, rc, "block_number", func(c *ethclient.Client) (uint64, error) {
		return c.BlockNumber(ctx)
	})
}

func (rc *RPCClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return call(ctx, rc, "filter_logs", func(c *ethclient.Client) ([]types.Log, error) {
		return c.FilterLogs(ctx, query)
	})
}

// TransactionReceipt returns ethereum.NotFound while the tx is pending.
func (rc *RPCClient) TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error) {
	return call(ctx, rc, "transaction_receipt", func(c *ethclient.Client) (*types.Receipt, error) {
		return c.TransactionReceipt(ctx, txHash)
	})
}

func (rc *RPCClient) PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error) {
	return call(ctx, rc, "pending_nonce", func(c *ethclient.Client) (uint64, error) {
		return c.PendingNonceAt(ctx, account)
	})
}

func (rc *RPCClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return call(ctx, rc, "gas_price", func(c *ethclient.Client) (*big.Int, error) {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return c.SuggestGasPrice(callCtx)
	})
}

// SendTransaction broadcasts a signed transaction. Re-sending the same
// signed transaction to another endpoint is harmless.
func (rc *RPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return rc.executeWithFailover(ctx, "send_transaction", func(client *ethclient.Client) error {
		return client.SendTransaction(ctx, tx)
	})
}

// Close closes all RPC connections
func (rc *RPCClient) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for _, client := range rc.clients {
		if client != nil {
			client.Close()
		}
	}
	rc.clients = nil
}
