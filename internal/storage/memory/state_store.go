package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// StateStore is an in-memory implementation of storage.StateStore.
type StateStore struct {
	mu   sync.RWMutex
	data map[string]*domain.State // keyed by (universe, instrument, duration, period_end)
}

// NewStateStore creates a new in-memory state store.
func NewStateStore() *StateStore {
	return &StateStore{
		data: make(map[string]*domain.State),
	}
}

func stateKey(k storage.StateKey) string {
	return fmt.Sprintf("%s|%d", seriesPrefix(k.Series()), k.PeriodEnd.UnixNano())
}

func seriesPrefix(k storage.SeriesKey) string {
	return fmt.Sprintf("%d|%d|%s", k.UniverseID, k.InstrumentID, k.Duration)
}

func validState(s *domain.State) bool {
	return s != nil && s.Duration != "" && !s.PeriodEnd.IsZero()
}

// Upsert writes a State, replacing any State with the same key.
func (s *StateStore) Upsert(_ context.Context, st *domain.State) error {
	if !validState(st) {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[stateKey(storage.KeyOf(st))] = st.Clone()
	return nil
}

// UpsertBulk writes States atomically.
func (s *StateStore) UpsertBulk(_ context.Context, states []*domain.State) error {
	if len(states) == 0 {
		return nil
	}

	// Validate the whole batch before touching the map
	for _, st := range states {
		if !validState(st) {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range states {
		s.data[stateKey(storage.KeyOf(st))] = st.Clone()
	}
	return nil
}

// Get retrieves a State by key. Returns ErrNotFound if not exists.
func (s *StateStore) Get(_ context.Context, key storage.StateKey) (*domain.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.data[stateKey(key)]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return st.Clone(), nil
}

// Range retrieves States of a series with period_end in [start, end], ordered ASC.
func (s *StateStore) Range(_ context.Context, series storage.SeriesKey, start, end time.Time) ([]*domain.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.State
	for _, st := range s.data {
		if !inSeries(st, series) {
			continue
		}
		if st.PeriodEnd.Before(start) || st.PeriodEnd.After(end) {
			continue
		}
		result = append(result, st.Clone())
	}

	sortByPeriodEnd(result)
	return result, nil
}

// Before retrieves up to n States of a series with period_end < before, ordered ASC.
func (s *StateStore) Before(_ context.Context, series storage.SeriesKey, before time.Time, n int) ([]*domain.State, error) {
	if n <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.State
	for _, st := range s.data {
		if inSeries(st, series) && st.PeriodEnd.Before(before) {
			result = append(result, st.Clone())
		}
	}

	sortByPeriodEnd(result)
	if len(result) > n {
		result = result[len(result)-n:]
	}
	return result, nil
}

// Delete removes a State.
func (s *StateStore) Delete(_ context.Context, key storage.StateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, stateKey(key))
	return nil
}

// DeleteFrom removes States of a series with period_end >= from.
func (s *StateStore) DeleteFrom(_ context.Context, series storage.SeriesKey, from time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for k, st := range s.data {
		if inSeries(st, series) && !st.PeriodEnd.Before(from) {
			delete(s.data, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored States.
func (s *StateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func inSeries(st *domain.State, k storage.SeriesKey) bool {
	return st.UniverseID == k.UniverseID && st.InstrumentID == k.InstrumentID && st.Duration == k.Duration
}

func sortByPeriodEnd(states []*domain.State) {
	sort.Slice(states, func(i, j int) bool {
		return states[i].PeriodEnd.Before(states[j].PeriodEnd)
	})
}

var _ storage.StateStore = (*StateStore)(nil)
