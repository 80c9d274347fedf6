// Package membership answers point-in-time universe membership questions
// without look-ahead: an instrument is a member at t iff one of its
// intervals satisfies start_at <= t < end_at.
package membership

import (
	"context"
	"fmt"
	"sort"
	"time"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// PointQuerier is implemented by sources that can answer MembersAt with an
// indexed query instead of loading the universe history.
type PointQuerier interface {
	MembersAt(ctx context.Context, universe domain.UniverseID, t time.Time) ([]domain.InstrumentID, error)
}

// Index is the membership index over a read-only membership source.
type Index struct {
	src storage.MembershipSource
}

// NewIndex creates an index over src.
func NewIndex(src storage.MembershipSource) *Index {
	return &Index{src: src}
}

// Snapshot loads every interval of a universe into an in-memory interval tree.
func (x *Index) Snapshot(ctx context.Context, universe domain.UniverseID) (*Snapshot, error) {
	intervals, err := x.src.IntervalsForUniverse(ctx, universe)
	if err != nil {
		return nil, fmt.Errorf("load membership for universe %d: %w", universe, err)
	}
	return NewSnapshot(universe, intervals), nil
}

// MembersAt returns the instruments that are members of universe at t, ascending.
func (x *Index) MembersAt(ctx context.Context, universe domain.UniverseID, t time.Time) ([]domain.InstrumentID, error) {
	if q, ok := x.src.(PointQuerier); ok {
		ids, err := q.MembersAt(ctx, universe, t)
		if err != nil {
			return nil, fmt.Errorf("members of universe %d at %s: %w", universe, t.Format(time.RFC3339), err)
		}
		sortIDs(ids)
		return ids, nil
	}
	snap, err := x.Snapshot(ctx, universe)
	if err != nil {
		return nil, err
	}
	return snap.MembersAt(t), nil
}

// IntervalsFor returns the intervals of one instrument, ordered by start_at.
func (x *Index) IntervalsFor(ctx context.Context, universe domain.UniverseID, instrument domain.InstrumentID) ([]*domain.MembershipInterval, error) {
	intervals, err := x.src.IntervalsFor(ctx, universe, instrument)
	if err != nil {
		return nil, fmt.Errorf("intervals for instrument %d in universe %d: %w", instrument, universe, err)
	}
	sortByStart(intervals)
	return intervals, nil
}

// CheckInvariants scans every interval of the universe and returns an
// *IntegrityError listing all overlapping pairs and inverted intervals.
// Source read failures are returned as ordinary errors.
func (x *Index) CheckInvariants(ctx context.Context, universe domain.UniverseID) error {
	intervals, err := x.src.IntervalsForUniverse(ctx, universe)
	if err != nil {
		return fmt.Errorf("load membership for universe %d: %w", universe, err)
	}
	return Validate(universe, intervals)
}

// LoadChecked reads the universe once, validates it and returns the snapshot.
// Integrity violations are returned as *IntegrityError with a nil snapshot.
func (x *Index) LoadChecked(ctx context.Context, universe domain.UniverseID) (*Snapshot, error) {
	intervals, err := x.src.IntervalsForUniverse(ctx, universe)
	if err != nil {
		return nil, fmt.Errorf("load membership for universe %d: %w", universe, err)
	}
	if err := Validate(universe, intervals); err != nil {
		return nil, err
	}
	return NewSnapshot(universe, intervals), nil
}

// Validate checks a set of intervals of one universe. It returns nil or an *IntegrityError.
func Validate(universe domain.UniverseID, intervals []*domain.MembershipInterval) error {
	byInstrument := groupByInstrument(intervals)

	instruments := make([]domain.InstrumentID, 0, len(byInstrument))
	for id := range byInstrument {
		instruments = append(instruments, id)
	}
	sortIDs(instruments)

	ierr := &IntegrityError{UniverseID: universe}
	for _, inst := range instruments {
		var valid []*domain.MembershipInterval
		for _, iv := range byInstrument[inst] {
			if !iv.Valid() {
				ierr.Inverted = append(ierr.Inverted, iv.ID)
				continue
			}
			valid = append(valid, iv)
		}
		sortByStart(valid)

		// Sorted by start, j overlaps i exactly when j starts before i ends.
		for i := 0; i < len(valid); i++ {
			a := valid[i]
			for j := i + 1; j < len(valid); j++ {
				b := valid[j]
				if a.EndAt != nil && !b.StartAt.Before(*a.EndAt) {
					break
				}
				if a.Overlaps(b) {
					ierr.Overlaps = append(ierr.Overlaps, OverlapPair{InstrumentID: inst, First: a.ID, Second: b.ID})
				}
			}
		}
	}

	if len(ierr.Overlaps) == 0 && len(ierr.Inverted) == 0 {
		return nil
	}
	return ierr
}

func groupByInstrument(intervals []*domain.MembershipInterval) map[domain.InstrumentID][]*domain.MembershipInterval {
	out := make(map[domain.InstrumentID][]*domain.MembershipInterval)
	for _, iv := range intervals {
		out[iv.InstrumentID] = append(out[iv.InstrumentID], iv)
	}
	return out
}

func sortByStart(ivs []*domain.MembershipInterval) {
	sort.SliceStable(ivs, func(i, j int) bool {
		if ivs[i].StartAt.Equal(ivs[j].StartAt) {
			return ivs[i].ID < ivs[j].ID
		}
		return ivs[i].StartAt.Before(ivs[j].StartAt)
	})
}

func sortIDs(ids []domain.InstrumentID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
