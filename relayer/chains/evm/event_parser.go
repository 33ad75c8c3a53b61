package evm

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/datahaven/dh-relay/relayer/chains/common"
)

// EventParser turns storage contract logs into observations.
type EventParser struct {
	contract ethcommon.Address
	events   map[ethcommon.Hash]abi.Event
}

// NewEventParser creates a parser for logs emitted by contract.
func NewEventParser(contract ethcommon.Address) *EventParser {
	events := make(map[ethcommon.Hash]abi.Event, 3)
	for _, name := range []string{eventStorageRequested, eventRetrievalRequested, eventAccessRevoked} {
		ev := contractABI.Events[name]
		events[ev.ID] = ev
	}
	return &EventParser{contract: contract, events: events}
}

// Topics returns the event signatures to filter on, in topic[0] position.
func (p *EventParser) Topics() []ethcommon.Hash {
	topics := make([]ethcommon.Hash, 0, len(p.events))
	for _, name := range []string{eventStorageRequested, eventRetrievalRequested, eventAccessRevoked} {
		topics = append(topics, contractABI.Events[name].ID)
	}
	return topics
}

// ParseLog decodes a single log. It returns ok=false for logs that are not
// intent events of the storage contract.
func (p *EventParser) ParseLog(log *types.Log) (common.Observation, bool, error) {
	if log == nil || len(log.Topics) == 0 || log.Address != p.contract || log.Removed {
		return common.Observation{}, false, nil
	}
	ev, ok := p.events[log.Topics[0]]
	if !ok {
		return common.Observation{}, false, nil
	}

	var (
		kind    common.EventKind
		payload interface{}
		err     error
	)
	switch ev.Name {
	case eventStorageRequested:
		kind = common.EventKindStorageRequested
		payload, err = parseStorageRequested(ev, log)
	case eventRetrievalRequested:
		kind = common.EventKindRetrievalRequested
		payload, err = parseRetrievalRequested(ev, log)
	case eventAccessRevoked:
		kind = common.EventKindAccessRevoked
		payload, err = parseAccessRevoked(log)
	}
	if err != nil {
		return common.Observation{}, false, fmt.Errorf("decode %s in tx %s: %w", ev.Name, log.TxHash.Hex(), err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return common.Observation{}, false, err
	}

	return common.Observation{
		EventID:     fmt.Sprintf("%s:%d", log.TxHash.Hex(), log.Index),
		TxID:        log.TxHash.Hex(),
		Kind:        kind,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		Payload:     raw,
	}, true, nil
}

func parseStorageRequested(ev abi.Event, log *types.Log) (common.StoragePayload, error) {
	if len(log.Topics) < 3 {
		return common.StoragePayload{}, fmt.Errorf("expected 3 topics, got %d", len(log.Topics))
	}
	values, err := ev.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return common.StoragePayload{}, err
	}
	if len(values) != 3 {
		return common.StoragePayload{}, fmt.Errorf("expected 3 data fields, got %d", len(values))
	}

	dataHash, ok := values[0].([32]byte)
	if !ok {
		return common.StoragePayload{}, fmt.Errorf("unexpected dataHash type %T", values[0])
	}
	payment, ok := values[1].(*big.Int)
	if !ok {
		return common.StoragePayload{}, fmt.Errorf("unexpected payment type %T", values[1])
	}
	ts, ok := values[2].(uint64)
	if !ok {
		return common.StoragePayload{}, fmt.Errorf("unexpected timestamp type %T", values[2])
	}

	return common.StoragePayload{
		RequestID: log.Topics[1].Hex(),
		User:      ethcommon.BytesToAddress(log.Topics[2].Bytes()).Hex(),
		DataHash:  ethcommon.Hash(dataHash).Hex(),
		Payment:   payment.String(),
		Timestamp: int64(ts),
	}, nil
}

func parseRetrievalRequested(ev abi.Event, log *types.Log) (common.RetrievalPayload, error) {
	if len(log.Topics) < 4 {
		return common.RetrievalPayload{}, fmt.Errorf("expected 4 topics, got %d", len(log.Topics))
	}
	values, err := ev.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return common.RetrievalPayload{}, err
	}
	if len(values) != 1 {
		return common.RetrievalPayload{}, fmt.Errorf("expected 1 data field, got %d", len(values))
	}
	tokenHash, ok := values[0].([32]byte)
	if !ok {
		return common.RetrievalPayload{}, fmt.Errorf("unexpected accessTokenHash type %T", values[0])
	}

	return common.RetrievalPayload{
		RetrievalID:     log.Topics[1].Hex(),
		RequestID:       log.Topics[2].Hex(),
		Accessor:        ethcommon.BytesToAddress(log.Topics[3].Bytes()).Hex(),
		AccessTokenHash: ethcommon.Hash(tokenHash).Hex(),
	}, nil
}

func parseAccessRevoked(log *types.Log) (common.RevocationPayload, error) {
	if len(log.Topics) < 2 {
		return common.RevocationPayload{}, fmt.Errorf("expected 2 topics, got %d", len(log.Topics))
	}
	return common.RevocationPayload{RequestID: log.Topics[1].Hex()}, nil
}
