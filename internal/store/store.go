// Package store implements the catalog: a document store over BadgerDB
// holding library and image records as JSON documents.
package store

import (
	"encoding/json/v2"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/tagify-app/tagify-server/internal/domain"
)

// Key prefixes. Image keys embed the library id
// ("image:<library>:<rel-path>"), so per-library queries are prefix scans.
const (
	libraryPrefix  = "library:"
	imagePrefix    = "image:"
	settingsPrefix = "settings:"
)

// Store wraps a Badger database instance.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	// Generic entities.
	Libraries *Entity[domain.Library]
	Settings  *Entity[domain.AISettings]
}

// New creates a new Store instance with the given database path.
func New(path string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil            // Disable Badger's internal logging
	opts.SyncWrites = true       // Sync writes to disk to prevent corruption on crashes
	opts.CompactL0OnClose = true // Compact L0 tables on close for faster startup

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}
	s.Libraries = NewEntity[domain.Library](s, libraryPrefix)
	s.Settings = NewEntity[domain.AISettings](s, settingsPrefix)

	if logger != nil {
		logger.Info("catalog opened", "path", path)
	}

	return s, nil
}

// Close gracefully closes the database.
func (s *Store) Close() error {
	if s.logger != nil {
		s.logger.Info("closing catalog")
	}
	return s.db.Close()
}

// get retrieves a JSON document by key.
func (s *Store) get(key []byte, dest any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, dest)
		})
	})
}

// set stores a JSON document by key.
func (s *Store) set(key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}
