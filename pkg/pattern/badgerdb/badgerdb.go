// Package badgerdb provides an embedded [pattern.Backend] on top of BadgerDB.
//
// It is the default backend for desktop installs: no server is required and
// writes are durable once Save returns. Each pattern is stored as JSON under
// the key "pat:<id>".
package badgerdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/MrWong99/editlearn/pkg/pattern"
)

// Compile-time interface check.
var _ pattern.Backend = (*Backend)(nil)

// prefixPattern namespaces pattern records: pat:<id> → JSON pattern.
const prefixPattern = "pat:"

// Config configures the badger backend.
type Config struct {
	// Path is the storage directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in memory (for tests).
	InMemory bool
}

// Backend persists patterns in a BadgerDB instance.
// All methods are safe for concurrent use.
type Backend struct {
	db *badger.DB
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Backend, error) {
	if !cfg.InMemory {
		if cfg.Path == "" {
			return nil, errors.New("badgerdb: path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("badgerdb: create dir: %w", err)
		}
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerdb: open: %w", err)
	}
	return &Backend{db: db}, nil
}

func patternKey(id string) []byte {
	return []byte(prefixPattern + id)
}

// Load implements [pattern.Backend].
func (b *Backend) Load(ctx context.Context) ([]pattern.Pattern, error) {
	var out []pattern.Pattern
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixPattern)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var p pattern.Pattern
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badgerdb: load: %w", err)
	}
	return out, nil
}

// Save implements [pattern.Backend]. All patterns are written in one batch.
func (b *Backend) Save(_ context.Context, patterns ...pattern.Pattern) error {
	if len(patterns) == 0 {
		return nil
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, p := range patterns {
		val, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("badgerdb: marshal %s: %w", p.ID, err)
		}
		if err := wb.Set(patternKey(p.ID), val); err != nil {
			return fmt.Errorf("badgerdb: save: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badgerdb: save: %w", err)
	}
	return nil
}

// Delete implements [pattern.Backend].
func (b *Backend) Delete(_ context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, id := range ids {
		if err := wb.Delete(patternKey(id)); err != nil {
			return fmt.Errorf("badgerdb: delete: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badgerdb: delete: %w", err)
	}
	return nil
}

// Get returns a single pattern by ID.
func (b *Backend) Get(_ context.Context, id string) (pattern.Pattern, error) {
	var p pattern.Pattern
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(patternKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return pattern.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if err != nil {
		return pattern.Pattern{}, err
	}
	return p, nil
}

// Ping implements [pattern.Backend].
func (b *Backend) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badgerdb: database is closed")
	}
	return nil
}

// Close implements [pattern.Backend].
func (b *Backend) Close() error {
	return b.db.Close()
}
