package db

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// chainDBFileName is the database file inside <base>/chains/<chain>/.
const chainDBFileName = "chain_data.db"

// ChainDBManager hands each watcher its own database, opened lazily, so
// one busy chain never holds the write lock of another.
type ChainDBManager struct {
	open   func(chainID string) (*DB, error)
	logger zerolog.Logger

	mu  sync.Mutex
	dbs map[string]*DB
}

// NewChainDBManager keeps chain databases under baseDir/chains.
func NewChainDBManager(baseDir string, logger zerolog.Logger) *ChainDBManager {
	log := logger.With().Str("component", "chain_db_manager").Logger()
	return &ChainDBManager{
		open: func(chainID string) (*DB, error) {
			dir := filepath.Join(baseDir, "chains", sanitizeChainID(chainID))
			d, err := OpenFileDB(dir, chainDBFileName, ChainSchema)
			if err == nil {
				log.Info().Str("chain_id", chainID).Str("dir", dir).Msg("opened chain database")
			}
			return d, err
		},
		logger: log,
		dbs:    make(map[string]*DB),
	}
}

// NewInMemoryChainDBManager backs every chain with an in-memory database.
func NewInMemoryChainDBManager(logger zerolog.Logger) *ChainDBManager {
	return &ChainDBManager{
		open: func(string) (*DB, error) {
			return OpenInMemoryDB(ChainSchema)
		},
		logger: logger.With().Str("component", "chain_db_manager").Logger(),
		dbs:    make(map[string]*DB),
	}
}

// GetChainDB returns the chain's database, opening it on first use.
func (m *ChainDBManager) GetChainDB(chainID string) (*DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.dbs[chainID]; ok {
		return d, nil
	}
	d, err := m.open(chainID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database for chain %s", chainID)
	}
	m.dbs[chainID] = d
	return d, nil
}

// ChainIDs lists chains with an open database, sorted.
func (m *ChainDBManager) ChainIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.dbs))
	for id := range m.dbs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Each calls fn for every open chain database in chain id order.
func (m *ChainDBManager) Each(fn func(chainID string, d *DB)) {
	for _, id := range m.ChainIDs() {
		m.mu.Lock()
		d, ok := m.dbs[id]
		m.mu.Unlock()
		if ok {
			fn(id, d)
		}
	}
}

// CloseChainDB closes one chain's database. Unknown chains are ignored.
func (m *ChainDBManager) CloseChainDB(chainID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dbs[chainID]
	if !ok {
		return nil
	}
	delete(m.dbs, chainID)
	if err := d.Close(); err != nil {
		return errors.Wrapf(err, "failed to close database for chain %s", chainID)
	}
	return nil
}

// CloseAll closes every chain database and reports the first failure.
func (m *ChainDBManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first error
	failed := 0
	for chainID, d := range m.dbs {
		if err := d.Close(); err != nil {
			failed++
			if first == nil {
				first = errors.Wrapf(err, "chain %s", chainID)
			}
		}
	}
	m.dbs = make(map[string]*DB)
	if first != nil {
		return errors.Wrapf(first, "failed to close %d chain databases", failed)
	}
	return nil
}

// sanitizeChainID maps a CAIP-2 id to a directory name: eip155:1 -> eip155_1.
func sanitizeChainID(chainID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, chainID)
}
