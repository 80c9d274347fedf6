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

// BarStore is an in-memory implementation of storage.BarStore.
type BarStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Bar // keyed by (instrument, duration, period_start)
}

// NewBarStore creates a new in-memory bar store.
func NewBarStore() *BarStore {
	return &BarStore{
		data: make(map[string]*domain.Bar),
	}
}

func barKey(instrument domain.InstrumentID, duration string, periodStart time.Time) string {
	return fmt.Sprintf("%d|%s|%d", instrument, duration, periodStart.UnixNano())
}

// UpsertBars writes bars, replacing bars with the same key.
func (s *BarStore) UpsertBars(_ context.Context, bars []*domain.Bar) error {
	for _, b := range bars {
		if b == nil || b.Duration == "" || !b.PeriodEnd.After(b.PeriodStart) {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range bars {
		barCopy := *b
		s.data[barKey(b.InstrumentID, b.Duration, b.PeriodStart)] = &barCopy
	}
	return nil
}

// GetBars retrieves bars with period_start in [start, end), ordered ASC.
func (s *BarStore) GetBars(ctx context.Context, instrument domain.InstrumentID, duration string, start, end time.Time) ([]*domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Bar
	for _, b := range s.data {
		if b.InstrumentID != instrument || b.Duration != duration {
			continue
		}
		if b.PeriodStart.Before(start) || !b.PeriodStart.Before(end) {
			continue
		}
		barCopy := *b
		result = append(result, &barCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].PeriodStart.Before(result[j].PeriodStart)
	})
	return result, nil
}

var _ storage.BarStore = (*BarStore)(nil)
