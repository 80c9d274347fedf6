package builder

import (
	"sync"
	"time"

	"universe-state/internal/storage"
)

// Phase is the build phase of a lineage.
type Phase int

const (
	PhaseNoData Phase = iota
	PhaseBuilding
	PhaseBuilt
)

func (p Phase) String() string {
	switch p {
	case PhaseBuilding:
		return "Building"
	case PhaseBuilt:
		return "Built"
	default:
		return "NoData"
	}
}

// LineageState is the position of one (universe, instrument, duration) lineage:
// NoData, Building(PeriodEnd) or Built(PeriodEnd).
type LineageState struct {
	Phase     Phase
	PeriodEnd time.Time
}

func (s LineageState) String() string {
	if s.Phase == PhaseNoData {
		return s.Phase.String()
	}
	return s.Phase.String() + "(" + s.PeriodEnd.Format(time.RFC3339) + ")"
}

// Lineages tracks every lineage touched by this process.
type Lineages struct {
	mu sync.RWMutex
	m  map[storage.SeriesKey]LineageState
}

// NewLineages creates an empty tracker.
func NewLineages() *Lineages {
	return &Lineages{m: make(map[storage.SeriesKey]LineageState)}
}

// Get returns the lineage state; unknown lineages are NoData.
func (l *Lineages) Get(key storage.SeriesKey) LineageState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.m[key]
}

// Building marks the lineage as computing periodEnd.
func (l *Lineages) Building(key storage.SeriesKey, periodEnd time.Time) {
	l.set(key, LineageState{Phase: PhaseBuilding, PeriodEnd: periodEnd})
}

// Built marks periodEnd as persisted.
func (l *Lineages) Built(key storage.SeriesKey, periodEnd time.Time) {
	l.set(key, LineageState{Phase: PhaseBuilt, PeriodEnd: periodEnd})
}

// Invalidate moves the lineage back to Building(periodEnd) after an upstream
// revision at periodEnd; every Built state at or after it is stale. A lineage
// already behind periodEnd is left alone.
func (l *Lineages) Invalidate(key storage.SeriesKey, periodEnd time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.m[key]
	if cur.Phase == PhaseNoData || cur.PeriodEnd.Before(periodEnd) {
		return
	}
	l.m[key] = LineageState{Phase: PhaseBuilding, PeriodEnd: periodEnd}
}

// Snapshot returns a copy of all tracked lineages.
func (l *Lineages) Snapshot() map[storage.SeriesKey]LineageState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[storage.SeriesKey]LineageState, len(l.m))
	for k, v := range l.m {
		out[k] = v
	}
	return out
}

func (l *Lineages) set(key storage.SeriesKey, s LineageState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m[key] = s
}
