package memory

import (
	"context"
	"sort"
	"sync"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// MembershipStore is an in-memory implementation of storage.MembershipStore.
type MembershipStore struct {
	mu   sync.RWMutex
	data map[int64]*domain.MembershipInterval // keyed by interval id
}

// NewMembershipStore creates a new in-memory membership store.
func NewMembershipStore() *MembershipStore {
	return &MembershipStore{
		data: make(map[int64]*domain.MembershipInterval),
	}
}

// Insert adds a new interval. Returns ErrDuplicateKey if the id exists.
func (s *MembershipStore) Insert(_ context.Context, m *domain.MembershipInterval) error {
	if m == nil || m.StartAt.IsZero() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[m.ID]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[m.ID] = copyInterval(m)
	return nil
}

// IntervalsForUniverse retrieves every interval of a universe, ordered by start_at ASC.
func (s *MembershipStore) IntervalsForUniverse(_ context.Context, universe domain.UniverseID) ([]*domain.MembershipInterval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MembershipInterval
	for _, m := range s.data {
		if m.UniverseID == universe {
			result = append(result, copyInterval(m))
		}
	}
	sortIntervals(result)
	return result, nil
}

// IntervalsFor retrieves the intervals of one instrument, ordered by start_at ASC.
func (s *MembershipStore) IntervalsFor(_ context.Context, universe domain.UniverseID, instrument domain.InstrumentID) ([]*domain.MembershipInterval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MembershipInterval
	for _, m := range s.data {
		if m.UniverseID == universe && m.InstrumentID == instrument {
			result = append(result, copyInterval(m))
		}
	}
	sortIntervals(result)
	return result, nil
}

func copyInterval(m *domain.MembershipInterval) *domain.MembershipInterval {
	c := *m
	if m.EndAt != nil {
		end := *m.EndAt
		c.EndAt = &end
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func sortIntervals(ms []*domain.MembershipInterval) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].StartAt.Equal(ms[j].StartAt) {
			return ms[i].ID < ms[j].ID
		}
		return ms[i].StartAt.Before(ms[j].StartAt)
	})
}

var _ storage.MembershipStore = (*MembershipStore)(nil)
