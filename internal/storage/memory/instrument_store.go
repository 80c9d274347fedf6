package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// InstrumentStore is an in-memory implementation of storage.InstrumentStore.
type InstrumentStore struct {
	mu   sync.RWMutex
	data map[domain.InstrumentID]*domain.Instrument
}

// NewInstrumentStore creates a new in-memory instrument store.
func NewInstrumentStore() *InstrumentStore {
	return &InstrumentStore{
		data: make(map[domain.InstrumentID]*domain.Instrument),
	}
}

// Insert adds an instrument. Returns ErrDuplicateKey if the id exists.
func (s *InstrumentStore) Insert(_ context.Context, inst *domain.Instrument) error {
	if inst == nil || inst.ID == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[inst.ID]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[inst.ID] = copyInstrument(inst)
	return nil
}

// GetByID retrieves an instrument. Returns ErrNotFound if not exists.
func (s *InstrumentStore) GetByID(_ context.Context, id domain.InstrumentID) (*domain.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyInstrument(inst), nil
}

// LookupSymbol returns the instrument whose alias is symbol at t.
// When several match (should not happen) the lowest id wins.
func (s *InstrumentStore) LookupSymbol(_ context.Context, symbol string, t time.Time) (*domain.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*domain.Instrument
	for _, inst := range s.data {
		for _, a := range inst.Aliases {
			if !strings.EqualFold(a.Symbol, symbol) || t.Before(a.Start) {
				continue
			}
			if a.End != nil && !t.Before(*a.End) {
				continue
			}
			matches = append(matches, inst)
			break
		}
	}
	if len(matches) == 0 {
		return nil, storage.ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return copyInstrument(matches[0]), nil
}

func copyInstrument(inst *domain.Instrument) *domain.Instrument {
	c := *inst
	c.Aliases = append([]domain.Alias(nil), inst.Aliases...)
	return &c
}

var _ storage.InstrumentStore = (*InstrumentStore)(nil)
