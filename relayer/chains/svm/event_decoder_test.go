package svm

import (
	"bytes"
	"encoding/base64"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahaven/dh-relay/relayer/chains/common"
)

var testProgram = solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")

func eventLine(t *testing.T, name string, ev interface{}) string {
	t.Helper()
	d := eventDiscriminator(name)
	buf := new(bytes.Buffer)
	buf.Write(d[:])
	require.NoError(t, bin.NewBorshEncoder(buf).Encode(ev))
	return logPrefixData + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func programLogs(program solana.PublicKey, inner ...string) []string {
	logs := []string{"Program " + program.String() + " invoke [1]", "Program log: Instruction: InitiateStorage"}
	logs = append(logs, inner...)
	return append(logs, "Program "+program.String()+" consumed 5000 of 200000 compute units", "Program "+program.String()+" success")
}

func TestDecodeStorageRequested(t *testing.T) {
	requestID := solana.NewWallet().PublicKey()
	user := solana.NewWallet().PublicKey()
	var dataHash [32]byte
	dataHash[0] = 0xab

	logs := programLogs(testProgram, eventLine(t, eventStorageRequested, &storageRequestedEvent{
		RequestID: requestID,
		User:      user,
		DataHash:  dataHash,
		Payment:   2_000_000,
		Timestamp: 1700000000,
	}))

	events, err := NewEventDecoder(testProgram).Decode(logs)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].Index)
	assert.Equal(t, common.EventKindStorageRequested, events[0].Kind)

	p, err := (&common.ChainEvent{Payload: events[0].Payload}).DecodeStorage()
	require.NoError(t, err)
	assert.Equal(t, requestID.String(), p.RequestID)
	assert.Equal(t, user.String(), p.User)
	assert.Equal(t, hexHash(dataHash), p.DataHash)
	assert.Equal(t, "2000000", p.Payment)
	assert.Equal(t, int64(1700000000), p.Timestamp)
}

func TestDecodeRetrievalAndRevocation(t *testing.T) {
	retrievalID := solana.NewWallet().PublicKey()
	requestID := solana.NewWallet().PublicKey()
	accessor := solana.NewWallet().PublicKey()

	logs := programLogs(testProgram,
		eventLine(t, eventRetrievalRequested, &retrievalRequestedEvent{
			RetrievalID: retrievalID,
			RequestID:   requestID,
			Accessor:    accessor,
		}),
		eventLine(t, eventAccessRevoked, &accessRevokedEvent{RequestID: requestID}),
	)

	events, err := NewEventDecoder(testProgram).Decode(logs)
	require.NoError(t, err)
	require.Len(t, events, 2)

	r, err := (&common.ChainEvent{Payload: events[0].Payload}).DecodeRetrieval()
	require.NoError(t, err)
	assert.Equal(t, retrievalID.String(), r.RetrievalID)
	assert.Equal(t, requestID.String(), r.RequestID)
	assert.Equal(t, accessor.String(), r.Accessor)

	assert.Equal(t, 1, events[1].Index)
	assert.Equal(t, common.EventKindAccessRevoked, events[1].Kind)
}

func TestDecodeIgnoresOtherPrograms(t *testing.T) {
	other := solana.NewWallet().PublicKey()
	line := eventLine(t, eventAccessRevoked, &accessRevokedEvent{RequestID: other})

	// Data logged by a CPI callee belongs to the callee.
	logs := []string{
		"Program " + testProgram.String() + " invoke [1]",
		"Program " + other.String() + " invoke [2]",
		line,
		"Program " + other.String() + " success",
		"Program " + testProgram.String() + " success",
	}
	events, err := NewEventDecoder(testProgram).Decode(logs)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = NewEventDecoder(testProgram).Decode(programLogs(other, line))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecodeSkipsUnknownDiscriminator(t *testing.T) {
	logs := programLogs(testProgram,
		logPrefixData+base64.StdEncoding.EncodeToString([]byte("not-an-event-at-all")),
		logPrefixData+"!!!not base64",
	)
	events, err := NewEventDecoder(testProgram).Decode(logs)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecodeTruncatedEvent(t *testing.T) {
	d := eventDiscriminator(eventStorageRequested)
	logs := programLogs(testProgram, logPrefixData+base64.StdEncoding.EncodeToString(append(d[:], 1, 2, 3)))
	_, err := NewEventDecoder(testProgram).Decode(logs)
	assert.Error(t, err)
}

func TestDiscriminators(t *testing.T) {
	assert.NotEqual(t, eventDiscriminator(eventStorageRequested), eventDiscriminator(eventAccessRevoked))
	assert.NotEqual(t, instructionDiscriminator(ixMarkFailed), eventDiscriminator("mark_failed"))
}
