package evm

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/chains/common"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
)

// Source reads intent logs and transaction positions from an EVM chain.
type Source struct {
	chainID  string
	backend  ethBackend
	contract ethcommon.Address
	parser   *EventParser
	logger   zerolog.Logger
}

var _ common.Source = (*Source)(nil)

// NewSource creates an EVM source for the storage contract.
func NewSource(chainID string, backend ethBackend, contract ethcommon.Address, logger zerolog.Logger) *Source {
	return &Source{
		chainID:  chainID,
		backend:  backend,
		contract: contract,
		parser:   NewEventParser(contract),
		logger:   logger.With().Str("component", "evm_source").Str("chain", chainID).Logger(),
	}
}

// LatestHeight returns the latest block number.
func (s *Source) LatestHeight(ctx context.Context) (uint64, error) {
	return s.backend.BlockNumber(ctx)
}

// FetchEvents returns storage contract intent logs in [from, to].
func (s *Source) FetchEvents(ctx context.Context, from, to uint64) ([]common.Observation, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []ethcommon.Address{s.contract},
		Topics:    [][]ethcommon.Hash{s.parser.Topics()},
	}

	logs, err := s.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make([]common.Observation, 0, len(logs))
	for i := range logs {
		obs, ok, err := s.parser.ParseLog(&logs[i])
		if err != nil {
			// A malformed log cannot become valid by retrying.
			s.logger.Error().Err(err).Str("tx_hash", logs[i].TxHash.Hex()).Msg("skipping undecodable log")
			continue
		}
		if ok {
			out = append(out, obs)
		}
	}
	return out, nil
}

// TxPosition looks up the block a transaction is currently included in.
func (s *Source) TxPosition(ctx context.Context, txID string) (common.TxPosition, error) {
	receipt, err := s.backend.TransactionReceipt(ctx, ethcommon.HexToHash(txID))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return common.TxPosition{Found: false}, nil
		}
		return common.TxPosition{}, relayerrors.NewRPCError(s.chainID, "get receipt for "+txID, err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return common.TxPosition{Found: false}, nil
	}
	return common.TxPosition{
		Found:       true,
		BlockNumber: receipt.BlockNumber.Uint64(),
		BlockHash:   receipt.BlockHash.Hex(),
	}, nil
}
