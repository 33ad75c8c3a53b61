package svm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
)

// svmBackend is the RPC surface the source and writeback adapter use.
type svmBackend interface {
	GetSlot(ctx context.Context) (uint64, error)
	GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, before solana.Signature, limit int) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, signature solana.Signature) (*rpc.GetTransactionResult, error)
	GetSignatureStatus(ctx context.Context, signature solana.Signature) (*rpc.SignatureStatusesResult, error)
	GetRecentBlockhash(ctx context.Context) (solana.Hash, error)
	BroadcastTransaction(ctx context.Context, tx *solana.Transaction) (string, error)
}

// RPCClient provides Solana RPC operations with round-robin failover.
type RPCClient struct {
	chainID string
	clients []*rpc.Client
	index   uint64
	mu      sync.RWMutex
	logger  zerolog.Logger
}

var _ svmBackend = (*RPCClient)(nil)

// NewRPCClient creates a new Solana RPC client. Endpoints that are unhealthy
// or report a genesis hash not matching expectedGenesisHash are skipped.
func NewRPCClient(chainID string, rpcURLs []string, expectedGenesisHash string, logger zerolog.Logger) (*RPCClient, error) {
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}

	log := logger.With().Str("component", "svm_rpc_client").Str("chain", chainID).Logger()
	clients := make([]*rpc.Client, 0, len(rpcURLs))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, url := range rpcURLs {
		client := rpc.New(url)

		health, err := client.GetHealth(ctx)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("failed to connect to RPC endpoint, skipping")
			continue
		}
		if health != "ok" {
			log.Warn().Str("url", url).Str("health", health).Msg("node is not healthy, skipping")
			continue
		}

		if expectedGenesisHash != "" {
			genesisHash, err := client.GetGenesisHash(ctx)
			if err != nil {
				log.Warn().
					Err(err).
					Str("url", url).
					Msg("failed to verify genesis hash, proceeding with client anyway")
				clients = append(clients, client)
				continue
			}

			// CAIP-2 solana references carry a truncated genesis hash.
			actual := genesisHash.String()
			if len(actual) > len(expectedGenesisHash) {
				actual = actual[:len(expectedGenesisHash)]
			}
			if actual != expectedGenesisHash {
				log.Warn().
					Str("url", url).
					Str("expected_genesis_hash", expectedGenesisHash).
					Str("actual_genesis_hash", genesisHash.String()).
					Msg("genesis hash mismatch, skipping")
				continue
			}
		}

		clients = append(clients, client)
		log.Info().Str("url", url).Msg("connected to RPC endpoint")
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("failed to connect to any valid RPC endpoints")
	}

	return &RPCClient{chainID: chainID, clients: clients, logger: log}, nil
}

// executeWithFailover executes a function with round-robin failover.
// rpc.ErrNotFound is an answer and is returned as is.
func (rc *RPCClient) executeWithFailover(ctx context.Context, operation string, fn func(*rpc.Client) error) error {
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
		if errors.Is(err, rpc.ErrNotFound) {
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

// GetSlot returns the latest confirmed slot
func (rc *RPCClient) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := rc.executeWithFailover(ctx, "get_slot", func(client *rpc.Client) error {
		var innerErr error
		slot, innerErr = client.GetSlot(ctx, rpc.CommitmentConfirmed)
		return innerErr
	})
	return slot, err
}

// GetSignaturesForAddress returns up to limit signatures older than before
// (all the newest when before is zero), newest first.
func (rc *RPCClient) GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, before solana.Signature, limit int) ([]*rpc.TransactionSignature, error) {
	var signatures []*rpc.TransactionSignature
	err := rc.executeWithFailover(ctx, "get_signatures_for_address", func(client *rpc.Client) error {
		var innerErr error
		signatures, innerErr = client.GetSignaturesForAddressWithOpts(ctx, address, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Before:     before,
			Commitment: rpc.CommitmentConfirmed,
		})
		return innerErr
	})
	return signatures, err
}

// GetTransaction gets a transaction by signature
func (rc *RPCClient) GetTransaction(ctx context.Context, signature solana.Signature) (*rpc.GetTransactionResult, error) {
	var tx *rpc.GetTransactionResult
	err := rc.executeWithFailover(ctx, "get_transaction", func(client *rpc.Client) error {
		var innerErr error
		maxVersion := uint64(0)
		tx, innerErr = client.GetTransaction(
			ctx,
			signature,
			&rpc.GetTransactionOpts{
				Encoding:                       solana.EncodingBase64,
				Commitment:                     rpc.CommitmentConfirmed,
				MaxSupportedTransactionVersion: &maxVersion,
			},
		)
		return innerErr
	})
	return tx, err
}

// GetSignatureStatus returns the status of one signature, searching the
// full history. A nil status means the cluster does not know the signature.
func (rc *RPCClient) GetSignatureStatus(ctx context.Context, signature solana.Signature) (*rpc.SignatureStatusesResult, error) {
	var status *rpc.SignatureStatusesResult
	err := rc.executeWithFailover(ctx, "get_signature_statuses", func(client *rpc.Client) error {
		out, innerErr := client.GetSignatureStatuses(ctx, true, signature)
		if innerErr != nil {
			return innerErr
		}
		status = nil
		if out != nil && len(out.Value) > 0 {
			status = out.Value[0]
		}
		return nil
	})
	return status, err
}

// GetRecentBlockhash returns a finalized blockhash for new transactions.
func (rc *RPCClient) GetRecentBlockhash(ctx context.Context) (solana.Hash, error) {
	var blockhash solana.Hash
	err := rc.executeWithFailover(ctx, "get_recent_blockhash", func(client *rpc.Client) error {
		resp, innerErr := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if innerErr != nil {
			return innerErr
		}
		blockhash = resp.Value.Blockhash
		return nil
	})
	return blockhash, err
}

// BroadcastTransaction broadcasts a signed transaction and returns its signature
func (rc *RPCClient) BroadcastTransaction(ctx context.Context, tx *solana.Transaction) (string, error) {
	if len(tx.Signatures) == 0 {
		return "", fmt.Errorf("transaction has no signatures")
	}
	txHash := tx.Signatures[0].String()

	err := rc.executeWithFailover(ctx, "send_transaction", func(client *rpc.Client) error {
		_, innerErr := client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		return innerErr
	})
	return txHash, err
}

// Close drops all RPC clients; solana RPC clients hold no connections of
// their own.
func (rc *RPCClient) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.clients = nil
}
