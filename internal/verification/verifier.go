// Package verification recomputes persisted States from their inputs and
// reports every divergence from what is stored.
package verification

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// FloatTolerance is the tolerance for float64 comparisons.
const FloatTolerance = 1e-7

// FieldDivergence represents a mismatch between stored and replayed values.
type FieldDivergence struct {
	Field    string // field name
	Expected any    // stored value
	Actual   any    // replayed value
}

// DivergenceKind classifies a period-level divergence.
type DivergenceKind string

const (
	// KindMismatch: both sides have a State but fields differ.
	KindMismatch DivergenceKind = "mismatch"
	// KindMissing: replay produced a State that is not stored.
	KindMissing DivergenceKind = "missing"
	// KindUnexpected: a State is stored where replay produces none,
	// e.g. the instrument was not a member or the period is incomplete.
	KindUnexpected DivergenceKind = "unexpected"
)

// PeriodDivergence is one divergent period of a lineage.
type PeriodDivergence struct {
	PeriodEnd time.Time
	Kind      DivergenceKind
	Fields    []FieldDivergence
	Reason    string
}

// LineageResult contains the result of verifying one lineage over a range.
type LineageResult struct {
	Series         storage.SeriesKey
	Checked        int                // periods compared
	Matched        int                // periods that matched exactly
	Divergences    []PeriodDivergence // divergent periods
	StoredDigest   string
	ReplayedDigest string
	Error          string // replay could not run, e.g. source unavailable
}

// Match reports whether the lineage verified cleanly.
func (r *LineageResult) Match() bool {
	return r.Error == "" && len(r.Divergences) == 0
}

// VerificationReport contains results for batch verification.
type VerificationReport struct {
	UniverseID       domain.UniverseID
	Start            time.Time
	End              time.Time
	TotalLineages    int
	MatchedLineages  int
	DivergentPeriods int
	Results          []LineageResult
}

// OK reports whether every lineage matched.
func (r *VerificationReport) OK() bool {
	return r.MatchedLineages == r.TotalLineages
}

func (r *VerificationReport) add(res LineageResult) {
	r.TotalLineages++
	if res.Match() {
		r.MatchedLineages++
	}
	r.DivergentPeriods += len(res.Divergences)
	r.Results = append(r.Results, res)
}

// Verifier interface for State replay verification.
type Verifier interface {
	// VerifyLineage recomputes one lineage over periods ending in [start, end]
	// and compares every period with what is stored.
	VerifyLineage(ctx context.Context, universe domain.UniverseID, instrument domain.InstrumentID, duration string, start, end time.Time) (*LineageResult, error)

	// VerifyUniverse verifies every lineage of the universe's members.
	VerifyUniverse(ctx context.Context, universe domain.UniverseID, start, end time.Time, durations []string) (*VerificationReport, error)
}

// CompareStates compares two States and returns divergences.
// Uses FloatTolerance for float64 comparisons; Undefined only equals Undefined.
func CompareStates(stored, replayed *domain.State) []FieldDivergence {
	var divergences []FieldDivergence

	if !stored.PeriodStart.Equal(replayed.PeriodStart) {
		divergences = append(divergences, FieldDivergence{
			Field:    "period_start",
			Expected: stored.PeriodStart,
			Actual:   replayed.PeriodStart,
		})
	}

	if stored.Status != replayed.Status {
		divergences = append(divergences, FieldDivergence{
			Field:    "status",
			Expected: stored.Status,
			Actual:   replayed.Status,
		})
	}

	for _, f := range domain.RawFields {
		a, _ := stored.Field(f)
		b, _ := replayed.Field(f)
		if !valueEquals(a, b) {
			divergences = append(divergences, FieldDivergence{Field: f, Expected: a.V, Actual: b.V})
		}
	}

	names := make(map[string]struct{}, len(stored.Indicators)+len(replayed.Indicators))
	for n := range stored.Indicators {
		names[n] = struct{}{}
	}
	for n := range replayed.Indicators {
		names[n] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, n := range sorted {
		a, aok := stored.Indicators[n]
		b, bok := replayed.Indicators[n]
		if aok == bok && valueEquals(a, b) {
			continue
		}
		divergences = append(divergences, FieldDivergence{
			Field:    n,
			Expected: describe(a, aok),
			Actual:   describe(b, bok),
		})
	}

	return divergences
}

// floatEquals compares two float64 values within FloatTolerance.
func floatEquals(a, b float64) bool {
	return math.Abs(a-b) <= FloatTolerance
}

// valueEquals compares two Values. Undefined equals only Undefined.
func valueEquals(a, b domain.Value) bool {
	if a.Defined != b.Defined {
		return false
	}
	return !a.Defined || floatEquals(a.V, b.V)
}

func describe(v domain.Value, present bool) string {
	switch {
	case !present:
		return "absent"
	case !v.Defined:
		return "undefined"
	default:
		return fmt.Sprintf("%g", v.V)
	}
}
