// Package db opens the relayer's SQLite databases. The main database holds
// admitted events, request lifecycles, receipts and the job queue; each
// watched chain gets its own database for its cursor and pending events.
package db

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/datahaven/dh-relay/relayer/store"
)

// InMemorySQLiteDSN opens an ephemeral database.
const InMemorySQLiteDSN = ":memory:"

// fileDSNParams enables WAL so readers never block the queue's writer.
const fileDSNParams = "?_journal_mode=WAL&_busy_timeout=5000&mode=rwc"

// Schema is the set of models migrated into a database on open.
type Schema []any

var (
	// MainSchema backs the workflow engine and operator API.
	MainSchema = Schema{
		&store.AdmittedEvent{},
		&store.StorageRequest{},
		&store.RetrievalRequest{},
		&store.Upload{},
		&store.Receipt{},
		&store.Compensation{},
		&store.Job{},
	}

	// ChainSchema backs a single chain watcher.
	ChainSchema = Schema{
		&store.ChainState{},
		&store.PendingEvent{},
	}

	// AllTables migrates both, for tests that share one handle.
	AllTables = append(append(Schema{}, MainSchema...), ChainSchema...)
)

// DB is an open SQLite handle.
type DB struct {
	client *gorm.DB
	file   bool
	closed bool
}

// OpenFileDB opens or creates dir/filename and migrates schema into it.
func OpenFileDB(dir, filename string, schema Schema) (*DB, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "failed to create database directory %s", dir)
	}
	return open(filepath.Join(dir, filename)+fileDSNParams, true, schema)
}

// OpenInMemoryDB opens a database that lives as long as the handle.
func OpenInMemoryDB(schema Schema) (*DB, error) {
	return open(InMemorySQLiteDSN, false, schema)
}

func open(dsn string, file bool, schema Schema) (*DB, error) {
	client, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open SQLite database")
	}

	// One connection: sqlite has a single writer anyway, and an in-memory
	// database is dropped when its last connection closes. Never call
	// Client() from inside a Transaction callback.
	sqlDB, err := client.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if len(schema) > 0 {
		if err := client.AutoMigrate(schema...); err != nil {
			_ = sqlDB.Close()
			return nil, errors.Wrap(err, "failed to migrate schema")
		}
	}
	return &DB{client: client, file: file}, nil
}

// Client returns the gorm handle.
func (d *DB) Client() *gorm.DB {
	return d.client
}

// Ping checks that the connection is usable.
func (d *DB) Ping() error {
	sqlDB, err := d.client.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying sql.DB")
	}
	return sqlDB.Ping()
}

// Checkpoint folds the WAL back into the database file.
func (d *DB) Checkpoint() error {
	if !d.file {
		return nil
	}
	if err := d.client.Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
		return errors.Wrap(err, "failed to checkpoint WAL")
	}
	return nil
}

// Close releases the connection. Closing twice is a no-op.
func (d *DB) Close() error {
	if d.closed {
		return nil
	}
	sqlDB, err := d.client.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying sql.DB")
	}
	if err := sqlDB.Close(); err != nil {
		return errors.Wrap(err, "failed to close database")
	}
	d.closed = true
	return nil
}
