package svm

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahaven/dh-relay/relayer/config"
	"github.com/datahaven/dh-relay/relayer/db"
)

func TestNewClientRejectsWrongKind(t *testing.T) {
	_, err := NewClient("eip155:1", config.ChainSpecificConfig{Kind: config.ChainKindEVM}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewClientRejectsBadProgram(t *testing.T) {
	_, err := NewClient("solana:x", config.ChainSpecificConfig{Kind: config.ChainKindSVM, ContractAddress: "0x00"}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestClientAssembly(t *testing.T) {
	database, err := db.OpenInMemoryDB(db.AllTables)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	client, err := newClient("solana:test", config.ChainSpecificConfig{Kind: config.ChainKindSVM},
		&mockSVMClient{}, testProgram, key, database, nil, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, config.ChainKindSVM, client.Kind())
	assert.NotNil(t, client.Writeback())
	assert.False(t, client.IsHealthy())
	require.NoError(t, client.Stop())
}
