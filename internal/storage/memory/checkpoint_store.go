package memory

import (
	"context"
	"sync"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// CheckpointStore is an in-memory implementation of storage.CheckpointStore.
type CheckpointStore struct {
	mu   sync.RWMutex
	data map[domain.UniverseID]storage.BuildCheckpoint
}

// NewCheckpointStore creates a new in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		data: make(map[domain.UniverseID]storage.BuildCheckpoint),
	}
}

// GetCheckpoint returns the checkpoint for a universe.
func (s *CheckpointStore) GetCheckpoint(_ context.Context, universe domain.UniverseID) (*storage.BuildCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.data[universe]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &cp, nil
}

// SetCheckpoint saves the checkpoint.
func (s *CheckpointStore) SetCheckpoint(_ context.Context, cp *storage.BuildCheckpoint) error {
	if cp == nil || cp.BuiltUntil.IsZero() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[cp.UniverseID] = *cp
	return nil
}

var _ storage.CheckpointStore = (*CheckpointStore)(nil)
