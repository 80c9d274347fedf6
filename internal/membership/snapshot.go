package membership

import (
	"time"

	"universe-state/internal/domain"
)

// Snapshot is an immutable view of a universe's intervals taken at one
// moment. Queries are evaluated per instant, so a build that holds one
// snapshot still re-evaluates membership at every period_end.
type Snapshot struct {
	universe     domain.UniverseID
	tree         *intervalTree
	byInstrument map[domain.InstrumentID][]*domain.MembershipInterval
}

// NewSnapshot indexes intervals of one universe.
func NewSnapshot(universe domain.UniverseID, intervals []*domain.MembershipInterval) *Snapshot {
	byInstrument := groupByInstrument(intervals)
	for _, ivs := range byInstrument {
		sortByStart(ivs)
	}
	return &Snapshot{
		universe:     universe,
		tree:         newIntervalTree(intervals),
		byInstrument: byInstrument,
	}
}

// Universe returns the universe the snapshot belongs to.
func (s *Snapshot) Universe() domain.UniverseID {
	return s.universe
}

// MembersAt returns members at t, ascending and de-duplicated.
func (s *Snapshot) MembersAt(t time.Time) []domain.InstrumentID {
	seen := make(map[domain.InstrumentID]struct{})
	var ids []domain.InstrumentID
	s.tree.stab(t.UnixNano(), func(iv *domain.MembershipInterval) {
		if _, ok := seen[iv.InstrumentID]; ok {
			return
		}
		seen[iv.InstrumentID] = struct{}{}
		ids = append(ids, iv.InstrumentID)
	})
	sortIDs(ids)
	return ids
}

// IsMember reports whether instrument is a member at t.
func (s *Snapshot) IsMember(instrument domain.InstrumentID, t time.Time) bool {
	for _, iv := range s.byInstrument[instrument] {
		if iv.StartAt.After(t) {
			return false
		}
		if iv.Contains(t) {
			return true
		}
	}
	return false
}

// IntervalsFor returns the intervals of one instrument, ordered by start_at.
func (s *Snapshot) IntervalsFor(instrument domain.InstrumentID) []*domain.MembershipInterval {
	return s.byInstrument[instrument]
}

// MembersDuring returns instruments with membership overlapping [start, end).
func (s *Snapshot) MembersDuring(start, end time.Time) []domain.InstrumentID {
	window := &domain.MembershipInterval{StartAt: start, EndAt: &end}
	var ids []domain.InstrumentID
	for inst, ivs := range s.byInstrument {
		for _, iv := range ivs {
			if iv.Overlaps(window) {
				ids = append(ids, inst)
				break
			}
		}
	}
	sortIDs(ids)
	return ids
}

// Size returns the number of non-empty intervals indexed.
func (s *Snapshot) Size() int {
	return s.tree.size
}
