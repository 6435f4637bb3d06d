// Package memory provides an in-memory snapshot store used for tests and
// ephemeral environments.
package memory

import (
	"context"
	"sync"

	"patientcore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.SnapshotStore = (*Store)(nil)

// Store keeps the last saved snapshot in process memory. Load and Save copy the
// collection so callers never share maps with the store.
type Store struct {
	mu       sync.RWMutex
	snapshot domain.Snapshot
	saves    int
}

// NewStore returns a store seeded with a copy of the supplied snapshot.
func NewStore(seed domain.Snapshot) *Store {
	return &Store{snapshot: seed.Clone()}
}

// Load returns a copy of the stored snapshot.
func (s *Store) Load(_ context.Context) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone(), nil
}

// Save replaces the stored snapshot with a copy of the supplied one.
func (s *Store) Save(_ context.Context, snapshot domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot.Clone()
	s.saves++
	return nil
}

// Saves reports how many snapshots were written; tests use it to assert that
// failed operations never persist.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
