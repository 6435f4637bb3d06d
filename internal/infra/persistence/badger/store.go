// Package badger persists the patient snapshot in an embedded BadgerDB
// key-value store. The whole collection lives under a single key.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"patientcore/pkg/domain"
)

// Compile-time contract assertion ensuring badger.Store adheres to the domain persistence interface.
var _ domain.SnapshotStore = (*Store)(nil)

var patientsKey = []byte("state/patients")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("badger store closed")

// Options configures the underlying database.
type Options struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
}

// Store wraps a badger.DB.
type Store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// NewStore opens a store rooted at opts.Dir. InMemory ignores Dir.
func NewStore(opts Options) (*Store, error) {
	dir := opts.Dir
	if opts.InMemory {
		dir = ""
	} else if dir == "" {
		dir = "patientcore-badger"
	}
	badgerOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// NewInMemoryStore is a convenience for tests and throwaway runs.
func NewInMemoryStore() (*Store, error) {
	return NewStore(Options{InMemory: true})
}

// Load reads the snapshot key. A missing key is an empty collection.
func (s *Store) Load(ctx context.Context) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	snapshot := domain.Snapshot{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(patientsKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, decodeErr := domain.DecodeSnapshot(val)
			if decodeErr != nil {
				return fmt.Errorf("decode snapshot: %w", decodeErr)
			}
			snapshot = decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Save overwrites the snapshot key in a single transaction.
func (s *Store) Save(ctx context.Context, snapshot domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := domain.EncodeSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(patientsKey, data)
	})
}

// Close flushes and closes the database. Calling Close twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
