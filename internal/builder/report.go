package builder

import (
	"errors"
	"fmt"
	"time"

	"universe-state/internal/domain"
)

// ErrStale marks a unit whose consecutive incomplete periods exceeded the
// staleness threshold.
var ErrStale = errors.New("incomplete aggregation persisted past staleness threshold")

// SourceUnavailableError is a unit-scoped read or write failure, including
// read timeouts. The unit stops at PeriodEnd; sibling units are unaffected.
type SourceUnavailableError struct {
	InstrumentID domain.InstrumentID
	Duration     string
	PeriodEnd    time.Time
	Op           string
	Err          error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source unavailable: %s for instrument %d %s at %s: %v",
		e.Op, e.InstrumentID, e.Duration, e.PeriodEnd.Format(time.RFC3339), e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// FailureKind classifies unit failures.
type FailureKind string

const (
	FailureSourceUnavailable FailureKind = "source_unavailable"
	FailureStale             FailureKind = "stale"
)

// Gap is a period skipped because aggregation was incomplete.
type Gap struct {
	InstrumentID domain.InstrumentID `json:"instrument_id"`
	Duration     string              `json:"duration"`
	PeriodEnd    time.Time           `json:"period_end"`
	Open         bool                `json:"open"` // period had not closed yet
	Reason       string              `json:"reason"`
}

// UnitFailure is a unit that stopped before the end of the requested range.
type UnitFailure struct {
	InstrumentID domain.InstrumentID `json:"instrument_id"`
	Duration     string              `json:"duration"`
	Kind         FailureKind         `json:"kind"`
	PeriodEnd    time.Time           `json:"period_end"`           // where the unit stopped
	LastBuilt    *time.Time          `json:"last_built,omitempty"` // last State written this run
	Truncated    int64               `json:"truncated"`            // stored States removed at or after PeriodEnd
	Error        string              `json:"error"`
}

// UnitSummary is the outcome of one (instrument, duration) unit.
type UnitSummary struct {
	InstrumentID     domain.InstrumentID `json:"instrument_id"`
	Duration         string              `json:"duration"`
	Periods          int                 `json:"periods"`
	StatesWritten    int                 `json:"states_written"`
	Gaps             int                 `json:"gaps"`
	SkippedNotMember int                 `json:"skipped_not_member"`
	Failed           bool                `json:"failed"`
}

// BuildReport is returned by every build, including partially failed ones.
type BuildReport struct {
	RunID            string            `json:"run_id"`
	UniverseID       domain.UniverseID `json:"universe_id"`
	Start            time.Time         `json:"start"`
	End              time.Time         `json:"end"`
	Durations        []string          `json:"durations"`
	Units            []UnitSummary     `json:"units"`
	StatesWritten    int               `json:"states_written"`
	SkippedNotMember int               `json:"skipped_not_member"`
	StatesDeleted    int64             `json:"states_deleted"`
	Gaps             []Gap             `json:"gaps"`
	Failures         []UnitFailure     `json:"failures"`
	Fatal            string            `json:"fatal,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
}

// OK reports whether the build finished without fatal errors or unit failures.
func (r *BuildReport) OK() bool {
	return r.Fatal == "" && len(r.Failures) == 0
}

// Status returns "ok", "partial" or "failed".
func (r *BuildReport) Status() string {
	switch {
	case r.Fatal != "":
		return "failed"
	case len(r.Failures) > 0:
		return "partial"
	default:
		return "ok"
	}
}

// Elapsed returns the build wall time.
func (r *BuildReport) Elapsed() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *BuildReport) add(u unitResult) {
	r.Units = append(r.Units, u.summary)
	r.StatesWritten += u.summary.StatesWritten
	r.SkippedNotMember += u.summary.SkippedNotMember
	r.StatesDeleted += u.deleted
	r.Gaps = append(r.Gaps, u.gaps...)
	if u.failure != nil {
		r.Failures = append(r.Failures, *u.failure)
	}
}
