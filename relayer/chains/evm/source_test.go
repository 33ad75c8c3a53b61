package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestSource(t *testing.T) (*Source, *mockEthClient) {
	t.Helper()
	backend := &mockEthClient{}
	return NewSource("eip155:11155111", backend, testContract, zerolog.New(zerolog.NewTestWriter(t))), backend
}

func TestSourceLatestHeight(t *testing.T) {
	src, backend := newTestSource(t)
	backend.On("BlockNumber", mock.Anything).Return(uint64(1234), nil)

	h, err := src.LatestHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), h)
}

func TestSourceFetchEvents(t *testing.T) {
	src, backend := newTestSource(t)

	var dataHash [32]byte
	good := storageLog(t, testReqID, dataHash, 10, 1)
	bad := good
	bad.Data = []byte{0xff}
	bad.Index = 4

	backend.On("FilterLogs", mock.Anything, mock.MatchedBy(func(q ethereum.FilterQuery) bool {
		return q.FromBlock.Uint64() == 10 && q.ToBlock.Uint64() == 20 &&
			len(q.Addresses) == 1 && q.Addresses[0] == testContract &&
			len(q.Topics) == 1 && len(q.Topics[0]) == 3
	})).Return([]types.Log{good, bad}, nil)

	obs, err := src.FetchEvents(context.Background(), 10, 20)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, testTxHash.Hex()+":3", obs[0].EventID)
	backend.AssertExpectations(t)
}

func TestSourceFetchEventsError(t *testing.T) {
	src, backend := newTestSource(t)
	backend.On("FilterLogs", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	_, err := src.FetchEvents(context.Background(), 1, 2)
	assert.Error(t, err)
}

func TestSourceTxPosition(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		src, backend := newTestSource(t)
		backend.On("TransactionReceipt", mock.Anything, testTxHash).Return(&types.Receipt{
			BlockNumber: big.NewInt(77),
			BlockHash:   testBlock,
		}, nil)

		pos, err := src.TxPosition(context.Background(), testTxHash.Hex())
		require.NoError(t, err)
		assert.True(t, pos.Found)
		assert.Equal(t, uint64(77), pos.BlockNumber)
		assert.Equal(t, testBlock.Hex(), pos.BlockHash)
	})

	t.Run("not found after reorg", func(t *testing.T) {
		src, backend := newTestSource(t)
		backend.On("TransactionReceipt", mock.Anything, testTxHash).Return(nil, ethereum.NotFound)

		pos, err := src.TxPosition(context.Background(), testTxHash.Hex())
		require.NoError(t, err)
		assert.False(t, pos.Found)
	})

	t.Run("rpc failure", func(t *testing.T) {
		src, backend := newTestSource(t)
		backend.On("TransactionReceipt", mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))

		_, err := src.TxPosition(context.Background(), ethcommon.Hash{}.Hex())
		assert.Error(t, err)
	})
}
