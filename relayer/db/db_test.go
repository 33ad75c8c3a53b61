package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahaven/dh-relay/relayer/store"
)

func TestDB_OpenModes(t *testing.T) {
	t.Run("in-memory", func(t *testing.T) {
		db, err := OpenInMemoryDB(ChainSchema)
		require.NoError(t, err)
		require.NotNil(t, db)

		runSampleInsertSelectTest(t, db)
		assert.NoError(t, db.Checkpoint())
		assert.NoError(t, db.Close())
	})

	t.Run("file-based DB", func(t *testing.T) {
		dir := t.TempDir()
		dbName := "test.db"

		db, err := OpenFileDB(filepath.Join(dir, "nested"), dbName, AllTables)
		require.NoError(t, err)
		require.NotNil(t, db)

		assert.FileExists(t, filepath.Join(dir, "nested", dbName))

		runSampleInsertSelectTest(t, db)
		require.NoError(t, db.Ping())
		require.NoError(t, db.Checkpoint())

		assert.NoError(t, db.Close())

		t.Run("close twice", func(t *testing.T) {
			assert.NoError(t, db.Close())
		})
	})

	t.Run("file-based DB survives reopen", func(t *testing.T) {
		dir := t.TempDir()
		db, err := OpenFileDB(dir, "persist.db", ChainSchema)
		require.NoError(t, err)
		runSampleInsertSelectTest(t, db)
		require.NoError(t, db.Close())

		reopened, err := OpenFileDB(dir, "persist.db", ChainSchema)
		require.NoError(t, err)
		defer reopened.Close()

		var result store.ChainState
		require.NoError(t, reopened.Client().First(&result).Error)
		assert.Equal(t, uint64(10101), result.LastBlock)
	})
}

func TestDB_SchemaSplit(t *testing.T) {
	chainDB, err := OpenInMemoryDB(ChainSchema)
	require.NoError(t, err)
	defer chainDB.Close()
	assert.True(t, chainDB.Client().Migrator().HasTable(&store.ChainState{}))
	assert.False(t, chainDB.Client().Migrator().HasTable(&store.Job{}))

	mainDB, err := OpenInMemoryDB(MainSchema)
	require.NoError(t, err)
	defer mainDB.Close()
	assert.True(t, mainDB.Client().Migrator().HasTable(&store.Job{}))
	assert.True(t, mainDB.Client().Migrator().HasTable(&store.StorageRequest{}))
	assert.False(t, mainDB.Client().Migrator().HasTable(&store.PendingEvent{}))
}

func TestDB_UniqueAdmittedEvent(t *testing.T) {
	db, err := OpenInMemoryDB(MainSchema)
	require.NoError(t, err)
	defer db.Close()

	row := store.AdmittedEvent{Chain: "eip155:1", EventID: "0xabc:0", Kind: "StorageRequested"}
	require.NoError(t, db.Client().Create(&row).Error)

	dup := store.AdmittedEvent{Chain: "eip155:1", EventID: "0xabc:0", Kind: "StorageRequested"}
	assert.Error(t, db.Client().Create(&dup).Error)

	other := store.AdmittedEvent{Chain: "eip155:137", EventID: "0xabc:0", Kind: "StorageRequested"}
	assert.NoError(t, db.Client().Create(&other).Error)
}

func TestJobCleaner(t *testing.T) {
	db, err := OpenInMemoryDB(MainSchema)
	require.NoError(t, err)
	defer db.Close()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-time.Minute)
	jobs := []store.Job{
		{ID: "old-done", Type: "t", State: store.JobStateCompleted, NextRunAt: old, CompletedAt: &old},
		{ID: "new-done", Type: "t", State: store.JobStateCompleted, NextRunAt: recent, CompletedAt: &recent},
		{ID: "old-dead", Type: "t", State: store.JobStateFailed, NextRunAt: old},
		{ID: "queued", Type: "t", State: store.JobStateQueued, NextRunAt: old},
	}
	require.NoError(t, db.Client().Create(&jobs).Error)

	cleaner := NewJobCleaner(db, nil, time.Hour, 24*time.Hour, testLogger(t))
	deleted, err := cleaner.PerformCleanup()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var remaining []string
	require.NoError(t, db.Client().Model(&store.Job{}).Order("id").Pluck("id", &remaining).Error)
	assert.Equal(t, []string{"new-done", "old-dead", "queued"}, remaining)
}

func runSampleInsertSelectTest(t *testing.T, db *DB) {
	entry := store.ChainState{
		LastBlock: 10101,
	}

	err := db.Client().Create(&entry).Error
	require.NoError(t, err)

	var result store.ChainState
	err = db.Client().First(&result).Error
	require.NoError(t, err)
	assert.Equal(t, uint64(10101), result.LastBlock)
}
