package db

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahaven/dh-relay/relayer/store"
)

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t))
}

func TestChainDBManager(t *testing.T) {
	log := testLogger(t)

	t.Run("InMemoryManager", func(t *testing.T) {
		manager := NewInMemoryChainDBManager(log)
		defer manager.CloseAll()

		chainID := "eip155:1"
		db1, err := manager.GetChainDB(chainID)
		require.NoError(t, err)
		require.NotNil(t, db1)

		db2, err := manager.GetChainDB(chainID)
		require.NoError(t, err)
		require.Same(t, db1, db2)

		chainID2 := "eip155:137"
		db3, err := manager.GetChainDB(chainID2)
		require.NoError(t, err)
		require.NotSame(t, db1, db3)

		assert.Equal(t, []string{chainID, chainID2}, manager.ChainIDs())

		var visited []string
		manager.Each(func(id string, _ *DB) { visited = append(visited, id) })
		assert.Equal(t, []string{chainID, chainID2}, visited)
	})

	t.Run("FileManagerWithTempDir", func(t *testing.T) {
		tempDir := t.TempDir()
		manager := NewChainDBManager(tempDir, log)
		defer manager.CloseAll()

		chainID := "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
		chainDB, err := manager.GetChainDB(chainID)
		require.NoError(t, err)

		expected := filepath.Join(tempDir, "chains", "solana_EtWTRABZaYq6iMfeYKouRu166VU2xqa1", "chain_data.db")
		assert.FileExists(t, expected)

		require.NoError(t, chainDB.Client().Create(&store.ChainState{LastBlock: 42}).Error)
	})

	t.Run("CloseChainDB", func(t *testing.T) {
		manager := NewInMemoryChainDBManager(log)

		_, err := manager.GetChainDB("eip155:1")
		require.NoError(t, err)
		require.NoError(t, manager.CloseChainDB("eip155:1"))
		require.NoError(t, manager.CloseChainDB("eip155:1"))
		assert.Empty(t, manager.ChainIDs())
	})
}

func TestSanitizeChainID(t *testing.T) {
	tests := map[string]string{
		"eip155:1":        "eip155_1",
		"eip155:11155111": "eip155_11155111",
		"solana:abc-DEF":  "solana_abc-DEF",
		"a/b.c":           "a_b_c",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeChainID(in))
	}
}
