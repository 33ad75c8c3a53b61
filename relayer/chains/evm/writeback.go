package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/chains/common"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
)

// Writeback submits relayer results to the storage contract.
type Writeback struct {
	chainID  string
	backend  ethBackend
	contract ethcommon.Address
	key      *ecdsa.PrivateKey
	from     ethcommon.Address
	signer   types.Signer
	gasLimit uint64
	logger   zerolog.Logger

	// nonce allocation and broadcast are serialized per sender
	mu sync.Mutex
}

var _ common.Writeback = (*Writeback)(nil)

// NewWriteback creates the writeback adapter for one EVM chain.
func NewWriteback(
	chainID string,
	backend ethBackend,
	contract ethcommon.Address,
	key *ecdsa.PrivateKey,
	evmChainID int64,
	gasLimit uint64,
	logger zerolog.Logger,
) (*Writeback, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if key == nil {
		return nil, fmt.Errorf("relayer key cannot be nil")
	}
	if contract == (ethcommon.Address{}) {
		return nil, fmt.Errorf("contract address cannot be zero")
	}
	if gasLimit == 0 {
		return nil, fmt.Errorf("gas limit must be positive")
	}

	return &Writeback{
		chainID:  chainID,
		backend:  backend,
		contract: contract,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		signer:   types.LatestSignerForChainID(big.NewInt(evmChainID)),
		gasLimit: gasLimit,
		logger:   logger.With().Str("component", "evm_writeback").Str("chain", chainID).Logger(),
	}, nil
}

// MarkFailed calls markFailed(requestId). The contract refunds the user it
// recorded for the request, so user is only logged.
func (w *Writeback) MarkFailed(ctx context.Context, requestID, user string) (string, error) {
	id, err := parseBytes32(requestID)
	if err != nil {
		return "", relayerrors.NewTerminalError("invalid request id "+requestID, err)
	}
	w.logger.Info().Str("request_id", requestID).Str("user", user).Msg("marking request failed on chain")
	return w.send(ctx, methodMarkFailed, id)
}

// SubmitReceipt calls confirmStorage(requestId, receipt, signature).
func (w *Writeback) SubmitReceipt(ctx context.Context, requestID string, receipt common.SignedReceipt) (string, error) {
	id, err := parseBytes32(requestID)
	if err != nil {
		return "", relayerrors.NewTerminalError("invalid request id "+requestID, err)
	}
	return w.send(ctx, methodConfirmStorage, id, receipt.Payload, receipt.Signature)
}

// ConfirmRetrieval calls confirmRetrieval(retrievalId, integrityProof).
func (w *Writeback) ConfirmRetrieval(ctx context.Context, retrievalID string, integrityProof []byte) (string, error) {
	id, err := parseBytes32(retrievalID)
	if err != nil {
		return "", relayerrors.NewTerminalError("invalid retrieval id "+retrievalID, err)
	}
	return w.send(ctx, methodConfirmRetrieval, id, integrityProof)
}

func (w *Writeback) send(ctx context.Context, method string, args ...interface{}) (string, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return "", relayerrors.NewTerminalError("pack "+method, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	nonce, err := w.backend.PendingNonceAt(ctx, w.from)
	if err != nil {
		return "", relayerrors.NewRPCError(w.chainID, "get nonce", err)
	}
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", relayerrors.NewRPCError(w.chainID, "get gas price", err)
	}

	tx := types.NewTransaction(nonce, w.contract, big.NewInt(0), w.gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, w.signer, w.key)
	if err != nil {
		return "", relayerrors.NewTransactionError(w.chainID, "sign "+method, err)
	}

	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return "", relayerrors.NewTransactionError(w.chainID, "broadcast "+method, err)
	}

	txHash := signed.Hash().Hex()
	w.logger.Info().
		Str("method", method).
		Str("tx_hash", txHash).
		Uint64("nonce", nonce).
		Msg("writeback transaction broadcast")
	return txHash, nil
}

// parseBytes32 accepts a 0x-prefixed 32 byte hex string.
func parseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	hexStr := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(hexStr) != 64 {
		return out, fmt.Errorf("expected 32 bytes of hex, got %d chars", len(hexStr))
	}
	b := ethcommon.FromHex("0x" + hexStr)
	if len(b) != 32 {
		return out, fmt.Errorf("invalid hex")
	}
	copy(out[:], b)
	return out, nil
}
