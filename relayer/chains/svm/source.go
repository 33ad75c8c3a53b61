package svm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/chains/common"
	relayerrors "github.com/datahaven/dh-relay/relayer/errors"
)

// signaturePageSize is the RPC maximum for getSignaturesForAddress.
const signaturePageSize = 1000

// Source reads program events and signature positions from a Solana
// cluster. Heights are slots.
type Source struct {
	chainID string
	backend svmBackend
	program solana.PublicKey
	decoder *EventDecoder
	logger  zerolog.Logger
}

var _ common.Source = (*Source)(nil)

// NewSource creates an SVM source for the storage program.
func NewSource(chainID string, backend svmBackend, program solana.PublicKey, logger zerolog.Logger) *Source {
	return &Source{
		chainID: chainID,
		backend: backend,
		program: program,
		decoder: NewEventDecoder(program),
		logger:  logger.With().Str("component", "svm_source").Str("chain", chainID).Logger(),
	}
}

func (s *Source) LatestHeight(ctx context.Context) (uint64, error) {
	return s.backend.GetSlot(ctx)
}

// FetchEvents returns program events from successful transactions in slots
// [from, to]. Signatures are listed newest first, so pages are walked back
// until they fall below from.
func (s *Source) FetchEvents(ctx context.Context, from, to uint64) ([]common.Observation, error) {
	var (
		inRange []*rpc.TransactionSignature
		before  solana.Signature
	)
	for {
		page, err := s.backend.GetSignaturesForAddress(ctx, s.program, before, signaturePageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		done := false
		for _, sig := range page {
			if sig.Slot < from {
				done = true
				break
			}
			if sig.Slot <= to && sig.Err == nil {
				inRange = append(inRange, sig)
			}
		}
		if done || len(page) < signaturePageSize {
			break
		}
		before = page[len(page)-1].Signature
	}

	sort.SliceStable(inRange, func(i, j int) bool { return inRange[i].Slot < inRange[j].Slot })

	var out []common.Observation
	for _, sig := range inRange {
		tx, err := s.backend.GetTransaction(ctx, sig.Signature)
		if err != nil {
			// Listed but not served yet: fail the batch so the cursor does
			// not move past it.
			return nil, relayerrors.NewRPCError(s.chainID, "get transaction "+sig.Signature.String(), err)
		}
		if tx == nil || tx.Meta == nil || tx.Meta.Err != nil {
			continue
		}

		events, err := s.decoder.Decode(tx.Meta.LogMessages)
		if err != nil {
			s.logger.Error().Err(err).Str("signature", sig.Signature.String()).Msg("skipping undecodable transaction")
			continue
		}
		for _, ev := range events {
			out = append(out, common.Observation{
				EventID:     fmt.Sprintf("%s:%d", sig.Signature.String(), ev.Index),
				TxID:        sig.Signature.String(),
				Kind:        ev.Kind,
				BlockNumber: tx.Slot,
				Payload:     ev.Payload,
			})
		}
	}
	return out, nil
}

// TxPosition reports the slot a signature landed in. Failed transactions
// count as absent since their events were rolled back.
func (s *Source) TxPosition(ctx context.Context, txID string) (common.TxPosition, error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return common.TxPosition{}, relayerrors.NewValidationError(s.chainID, "invalid signature "+txID)
	}
	status, err := s.backend.GetSignatureStatus(ctx, sig)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return common.TxPosition{Found: false}, nil
		}
		return common.TxPosition{}, relayerrors.NewRPCError(s.chainID, "get signature status for "+txID, err)
	}
	if status == nil || status.Err != nil {
		return common.TxPosition{Found: false}, nil
	}
	return common.TxPosition{Found: true, BlockNumber: status.Slot}, nil
}
