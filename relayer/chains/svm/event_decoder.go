package svm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/datahaven/dh-relay/relayer/chains/common"
)

const (
	logPrefixInvoke = "Program "
	logPrefixData   = "Program data: "
)

// EventDecoder extracts the storage program's Anchor events from
// transaction logs.
type EventDecoder struct {
	program solana.PublicKey
	kinds   map[[8]byte]string
}

// NewEventDecoder creates a decoder for events emitted by program.
func NewEventDecoder(program solana.PublicKey) *EventDecoder {
	kinds := make(map[[8]byte]string, 3)
	for _, name := range []string{eventStorageRequested, eventRetrievalRequested, eventAccessRevoked} {
		kinds[eventDiscriminator(name)] = name
	}
	return &EventDecoder{program: program, kinds: kinds}
}

// decodedEvent is one event found in a transaction, before it is tied to a
// slot.
type decodedEvent struct {
	Index   int
	Kind    common.EventKind
	Payload []byte
}

// Decode returns the events the program emitted, in log order. Index is the
// position among the program's data lines, so it is stable across
// re-fetches of the same transaction.
func (d *EventDecoder) Decode(logs []string) ([]decodedEvent, error) {
	var out []decodedEvent
	for i, data := range d.programData(logs) {
		if len(data) < 8 {
			continue
		}
		var disc [8]byte
		copy(disc[:], data[:8])
		name, ok := d.kinds[disc]
		if !ok {
			continue
		}

		kind, payload, err := decodeEvent(name, data[8:])
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, decodedEvent{Index: i, Kind: kind, Payload: raw})
	}
	return out, nil
}

// programData returns the decoded "Program data:" lines logged while the
// program was the innermost invoked program.
func (d *EventDecoder) programData(logs []string) [][]byte {
	var (
		stack []string
		out   [][]byte
		self  = d.program.String()
	)
	for _, line := range logs {
		switch {
		case strings.HasPrefix(line, logPrefixData):
			if len(stack) == 0 || stack[len(stack)-1] != self {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, logPrefixData))
			if err != nil {
				continue
			}
			out = append(out, raw)
		case strings.HasPrefix(line, logPrefixInvoke):
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}
			switch {
			case fields[2] == "invoke":
				stack = append(stack, fields[1])
			case fields[2] == "success" || strings.HasPrefix(fields[2], "failed"):
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
			}
		}
	}
	return out
}

func decodeEvent(name string, data []byte) (common.EventKind, interface{}, error) {
	switch name {
	case eventStorageRequested:
		var ev storageRequestedEvent
		if err := decodeBorsh(data, &ev); err != nil {
			return "", nil, err
		}
		return common.EventKindStorageRequested, common.StoragePayload{
			RequestID: ev.RequestID.String(),
			User:      ev.User.String(),
			DataHash:  hexHash(ev.DataHash),
			Payment:   fmt.Sprintf("%d", ev.Payment),
			Timestamp: ev.Timestamp,
		}, nil
	case eventRetrievalRequested:
		var ev retrievalRequestedEvent
		if err := decodeBorsh(data, &ev); err != nil {
			return "", nil, err
		}
		return common.EventKindRetrievalRequested, common.RetrievalPayload{
			RetrievalID:     ev.RetrievalID.String(),
			RequestID:       ev.RequestID.String(),
			Accessor:        ev.Accessor.String(),
			AccessTokenHash: hexHash(ev.AccessTokenHash),
		}, nil
	case eventAccessRevoked:
		var ev accessRevokedEvent
		if err := decodeBorsh(data, &ev); err != nil {
			return "", nil, err
		}
		return common.EventKindAccessRevoked, common.RevocationPayload{RequestID: ev.RequestID.String()}, nil
	}
	return "", nil, fmt.Errorf("unknown event %s", name)
}

func hexHash(h [32]byte) string {
	return fmt.Sprintf("0x%x", h[:])
}
