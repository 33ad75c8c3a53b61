package svm

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/chains/common"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
)

// DefaultComputeUnitLimit is used when no compute limit is configured.
const DefaultComputeUnitLimit = 200000

var computeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// Writeback submits relayer results to the storage program. Request and
// retrieval ids are the base58 addresses of their program accounts.
type Writeback struct {
	chainID      string
	backend      svmBackend
	program      solana.PublicKey
	relayer      solana.PrivateKey
	computeLimit uint32
	statePDA     solana.PublicKey
	vaultPDA     solana.PublicKey
	logger       zerolog.Logger

	mu sync.Mutex
}

var _ common.Writeback = (*Writeback)(nil)

// NewWriteback creates the writeback adapter for one Solana cluster.
func NewWriteback(
	chainID string,
	backend svmBackend,
	program solana.PublicKey,
	relayer solana.PrivateKey,
	computeLimit uint32,
	logger zerolog.Logger,
) (*Writeback, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if len(relayer) != 64 {
		return nil, fmt.Errorf("relayer keypair must be 64 bytes, got %d", len(relayer))
	}
	if program.IsZero() {
		return nil, fmt.Errorf("program id cannot be zero")
	}
	if computeLimit == 0 {
		computeLimit = DefaultComputeUnitLimit
	}

	statePDA, _, err := solana.FindProgramAddress([][]byte{seedState}, program)
	if err != nil {
		return nil, fmt.Errorf("derive state PDA: %w", err)
	}
	vaultPDA, _, err := solana.FindProgramAddress([][]byte{seedVault}, program)
	if err != nil {
		return nil, fmt.Errorf("derive vault PDA: %w", err)
	}

	return &Writeback{
		chainID:      chainID,
		backend:      backend,
		program:      program,
		relayer:      relayer,
		computeLimit: computeLimit,
		statePDA:     statePDA,
		vaultPDA:     vaultPDA,
		logger:       logger.With().Str("component", "svm_writeback").Str("chain", chainID).Logger(),
	}, nil
}

// MarkFailed calls mark_failed, which refunds the payment from the vault to
// user.
func (w *Writeback) MarkFailed(ctx context.Context, requestID, user string) (string, error) {
	request, err := solana.PublicKeyFromBase58(requestID)
	if err != nil {
		return "", relayerrors.NewTerminalError("invalid request id "+requestID, err)
	}
	userKey, err := solana.PublicKeyFromBase58(user)
	if err != nil {
		return "", relayerrors.NewTerminalError("invalid user "+user, err)
	}

	data, err := encodeInstruction(ixMarkFailed, nil)
	if err != nil {
		return "", relayerrors.NewTerminalError("encode mark_failed", err)
	}
	accounts := []*solana.AccountMeta{
		solana.NewAccountMeta(w.statePDA, false, false),
		solana.NewAccountMeta(request, true, false),
		solana.NewAccountMeta(userKey, true, false),
		solana.NewAccountMeta(w.vaultPDA, true, false),
		solana.NewAccountMeta(w.relayer.PublicKey(), false, true),
	}
	return w.send(ctx, ixMarkFailed, accounts, data)
}

// SubmitReceipt calls confirm_storage with the receipt payload and its
// ed25519 signature.
func (w *Writeback) SubmitReceipt(ctx context.Context, requestID string, receipt common.SignedReceipt) (string, error) {
	request, err := solana.PublicKeyFromBase58(requestID)
	if err != nil {
		return "", relayerrors.NewTerminalError("invalid request id "+requestID, err)
	}
	if len(receipt.Signature) != 64 {
		return "", relayerrors.NewTerminalError(fmt.Sprintf("svm receipt signature must be 64 bytes, got %d", len(receipt.Signature)), nil)
	}

	args := confirmStorageArgs{Receipt: receipt.Payload}
	copy(args.Signature[:], receipt.Signature)
	data, err := encodeInstruction(ixConfirmStorage, &args)
	if err != nil {
		return "", relayerrors.NewTerminalError("encode confirm_storage", err)
	}
	accounts := []*solana.AccountMeta{
		solana.NewAccountMeta(w.statePDA, false, false),
		solana.NewAccountMeta(request, true, false),
		solana.NewAccountMeta(w.relayer.PublicKey(), false, true),
	}
	return w.send(ctx, ixConfirmStorage, accounts, data)
}

// ConfirmRetrieval calls confirm_retrieval with the integrity proof.
func (w *Writeback) ConfirmRetrieval(ctx context.Context, retrievalID string, integrityProof []byte) (string, error) {
	retrieval, err := solana.PublicKeyFromBase58(retrievalID)
	if err != nil {
		return "", relayerrors.NewTerminalError("invalid retrieval id "+retrievalID, err)
	}
	data, err := encodeInstruction(ixConfirmRetrieval, &confirmRetrievalArgs{IntegrityProof: integrityProof})
	if err != nil {
		return "", relayerrors.NewTerminalError("encode confirm_retrieval", err)
	}
	accounts := []*solana.AccountMeta{
		solana.NewAccountMeta(w.statePDA, false, false),
		solana.NewAccountMeta(retrieval, true, false),
		solana.NewAccountMeta(w.relayer.PublicKey(), false, true),
	}
	return w.send(ctx, ixConfirmRetrieval, accounts, data)
}

func (w *Writeback) send(ctx context.Context, name string, accounts []*solana.AccountMeta, data []byte) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	blockhash, err := w.backend.GetRecentBlockhash(ctx)
	if err != nil {
		return "", relayerrors.NewRPCError(w.chainID, "get recent blockhash", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			buildSetComputeUnitLimitInstruction(w.computeLimit),
			solana.NewInstruction(w.program, accounts, data),
		},
		blockhash,
		solana.TransactionPayer(w.relayer.PublicKey()),
	)
	if err != nil {
		return "", relayerrors.NewTransactionError(w.chainID, "build "+name, err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.relayer.PublicKey()) {
			return &w.relayer
		}
		return nil
	})
	if err != nil {
		return "", relayerrors.NewTransactionError(w.chainID, "sign "+name, err)
	}

	sig, err := w.backend.BroadcastTransaction(ctx, tx)
	if err != nil {
		return "", relayerrors.NewTransactionError(w.chainID, "broadcast "+name, err)
	}

	w.logger.Info().Str("instruction", name).Str("signature", sig).Msg("writeback transaction broadcast")
	return sig, nil
}

// buildSetComputeUnitLimitInstruction creates a SetComputeUnitLimit instruction for the Compute Budget program
// Instruction format: [1-byte instruction type (2 = SetComputeUnitLimit)] + [4-byte u32 units]
func buildSetComputeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2
	binary.LittleEndian.PutUint32(data[1:], units)

	return solana.NewInstruction(computeBudgetProgramID, []*solana.AccountMeta{}, data)
}
