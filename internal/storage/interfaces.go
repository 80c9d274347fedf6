package storage

import (
	"context"
	"time"

	"universe-state/internal/domain"
)

// SeriesKey identifies one State lineage: every period of one instrument at
// one duration within a universe.
type SeriesKey struct {
	UniverseID   domain.UniverseID
	InstrumentID domain.InstrumentID
	Duration     string
}

// StateKey identifies a single State.
type StateKey struct {
	UniverseID   domain.UniverseID
	InstrumentID domain.InstrumentID
	Duration     string
	PeriodEnd    time.Time
}

// Series returns the lineage the key belongs to.
func (k StateKey) Series() SeriesKey {
	return SeriesKey{UniverseID: k.UniverseID, InstrumentID: k.InstrumentID, Duration: k.Duration}
}

// At returns the key of the State ending at periodEnd.
func (k SeriesKey) At(periodEnd time.Time) StateKey {
	return StateKey{UniverseID: k.UniverseID, InstrumentID: k.InstrumentID, Duration: k.Duration, PeriodEnd: periodEnd}
}

// KeyOf returns the key of a State.
func KeyOf(s *domain.State) StateKey {
	return StateKey{UniverseID: s.UniverseID, InstrumentID: s.InstrumentID, Duration: s.Duration, PeriodEnd: s.PeriodEnd}
}

// MembershipSource provides read access to universe membership intervals.
type MembershipSource interface {
	// IntervalsForUniverse retrieves every interval of a universe, ordered by start_at ASC.
	IntervalsForUniverse(ctx context.Context, universe domain.UniverseID) ([]*domain.MembershipInterval, error)

	// IntervalsFor retrieves the intervals of one instrument in a universe, ordered by start_at ASC.
	IntervalsFor(ctx context.Context, universe domain.UniverseID, instrument domain.InstrumentID) ([]*domain.MembershipInterval, error)
}

// MembershipStore adds writes to MembershipSource.
type MembershipStore interface {
	MembershipSource

	// Insert adds a new interval. Returns ErrDuplicateKey if the interval id exists.
	// Overlap is not checked here; the membership index reports it.
	Insert(ctx context.Context, m *domain.MembershipInterval) error
}

// InstrumentStore resolves canonical instruments and their vendor aliases.
type InstrumentStore interface {
	// Insert adds an instrument with its aliases. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, inst *domain.Instrument) error

	// GetByID retrieves an instrument. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id domain.InstrumentID) (*domain.Instrument, error)

	// LookupSymbol returns the instrument whose alias is symbol at instant t.
	// Returns ErrNotFound if no alias matches.
	LookupSymbol(ctx context.Context, symbol string, t time.Time) (*domain.Instrument, error)
}

// BarSource provides canonical bars at the base duration.
type BarSource interface {
	// GetBars retrieves bars with period_start in [start, end), ordered by period_start ASC.
	// Gap periods may be absent or present with a non-OK status.
	GetBars(ctx context.Context, instrument domain.InstrumentID, duration string, start, end time.Time) ([]*domain.Bar, error)
}

// BarStore adds writes to BarSource.
type BarStore interface {
	BarSource

	// UpsertBars writes bars, replacing any bar with the same
	// (instrument, duration, period_start). Revisions overwrite in place.
	UpsertBars(ctx context.Context, bars []*domain.Bar) error
}

// StateStore persists computed States keyed by (universe, instrument, duration, period_end).
type StateStore interface {
	// Upsert writes a State, atomically replacing any State with the same key.
	Upsert(ctx context.Context, s *domain.State) error

	// UpsertBulk writes States atomically: either all are visible or none.
	UpsertBulk(ctx context.Context, states []*domain.State) error

	// Get retrieves a State by key. Returns ErrNotFound if not exists.
	Get(ctx context.Context, key StateKey) (*domain.State, error)

	// Range retrieves States of a series with period_end in [start, end] (inclusive), ordered ASC.
	Range(ctx context.Context, series SeriesKey, start, end time.Time) ([]*domain.State, error)

	// Before retrieves up to n States of a series with period_end < before,
	// ordered ASC (the last n preceding States).
	Before(ctx context.Context, series SeriesKey, before time.Time, n int) ([]*domain.State, error)

	// Delete removes a State. Deleting a missing key is not an error.
	Delete(ctx context.Context, key StateKey) error

	// DeleteFrom removes States of a series with period_end >= from and
	// returns the number removed.
	DeleteFrom(ctx context.Context, series SeriesKey, from time.Time) (int64, error)
}
