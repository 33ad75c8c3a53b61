package svm

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/mock"
)

// mockSVMClient is a mock implementation of the Solana backend for testing
type mockSVMClient struct {
	mock.Mock
}

var _ svmBackend = (*mockSVMClient)(nil)

func (m *mockSVMClient) GetSlot(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockSVMClient) GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, before solana.Signature, limit int) ([]*rpc.TransactionSignature, error) {
	args := m.Called(ctx, address, before, limit)
	if sigs := args.Get(0); sigs != nil {
		return sigs.([]*rpc.TransactionSignature), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSVMClient) GetTransaction(ctx context.Context, signature solana.Signature) (*rpc.GetTransactionResult, error) {
	args := m.Called(ctx, signature)
	if tx := args.Get(0); tx != nil {
		return tx.(*rpc.GetTransactionResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSVMClient) GetSignatureStatus(ctx context.Context, signature solana.Signature) (*rpc.SignatureStatusesResult, error) {
	args := m.Called(ctx, signature)
	if st := args.Get(0); st != nil {
		return st.(*rpc.SignatureStatusesResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSVMClient) GetRecentBlockhash(ctx context.Context) (solana.Hash, error) {
	args := m.Called(ctx)
	return args.Get(0).(solana.Hash), args.Error(1)
}

func (m *mockSVMClient) BroadcastTransaction(ctx context.Context, tx *solana.Transaction) (string, error) {
	args := m.Called(ctx, tx)
	return args.String(0), args.Error(1)
}
