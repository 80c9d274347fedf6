package membership

import (
	"fmt"
	"strings"

	"universe-state/internal/domain"
)

// OverlapPair names two intervals of the same instrument that share an instant.
type OverlapPair struct {
	InstrumentID domain.InstrumentID
	First        int64 // interval id
	Second       int64 // interval id
}

// IntegrityError reports corrupt membership data. Builds refuse to run on it;
// neither interval of a pair is treated as authoritative.
type IntegrityError struct {
	UniverseID domain.UniverseID
	Overlaps   []OverlapPair
	Inverted   []int64 // interval ids with start_at after end_at
}

func (e *IntegrityError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "membership integrity error in universe %d:", e.UniverseID)
	for _, p := range e.Overlaps {
		fmt.Fprintf(&b, " instrument %d intervals %d and %d overlap;", p.InstrumentID, p.First, p.Second)
	}
	for _, id := range e.Inverted {
		fmt.Fprintf(&b, " interval %d starts after it ends;", id)
	}
	return strings.TrimSuffix(b.String(), ";")
}

// IntervalIDs returns every interval id named by the error.
func (e *IntegrityError) IntervalIDs() []int64 {
	ids := make([]int64, 0, 2*len(e.Overlaps)+len(e.Inverted))
	for _, p := range e.Overlaps {
		ids = append(ids, p.First, p.Second)
	}
	return append(ids, e.Inverted...)
}
