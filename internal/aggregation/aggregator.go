// Package aggregation rolls base-duration bars up into coarser durations.
// A period is only produced once every constituent base bar exists and the
// period has closed; otherwise the result is Incomplete, never zero-filled.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// ErrIncomplete is matched by every *IncompleteError.
var ErrIncomplete = errors.New("incomplete aggregation")

// IncompleteError describes why a period could not be aggregated.
type IncompleteError struct {
	InstrumentID domain.InstrumentID
	Duration     string
	Period       Period
	Expected     int
	Missing      int
	Open         bool // the period has not closed yet
}

func (e *IncompleteError) Error() string {
	if e.Open {
		return fmt.Sprintf("incomplete aggregation: instrument %d %s %s is still open", e.InstrumentID, e.Duration, e.Period)
	}
	return fmt.Sprintf("incomplete aggregation: instrument %d %s %s missing %d of %d base bars",
		e.InstrumentID, e.Duration, e.Period, e.Missing, e.Expected)
}

// Is makes errors.Is(err, ErrIncomplete) true.
func (e *IncompleteError) Is(target error) bool {
	return target == ErrIncomplete
}

// Aggregator produces bars for any configured duration from base bars.
type Aggregator struct {
	bars   storage.BarSource
	layout *Layout
	now    func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the wall clock used to decide whether a period has closed.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator reading base bars from bars.
func NewAggregator(bars storage.BarSource, layout *Layout, opts ...Option) *Aggregator {
	a := &Aggregator{bars: bars, layout: layout, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Layout returns the period layout.
func (a *Aggregator) Layout() *Layout {
	return a.layout
}

// Now returns the aggregator's current time.
func (a *Aggregator) Now() time.Time {
	return a.now()
}

// Aggregate returns the bar of duration d ending at periodEnd.
// It returns an *IncompleteError when a constituent is missing or the period
// contains "now" and d does not allow finalizing open periods. Bar source
// failures are returned wrapped and unchanged otherwise.
func (a *Aggregator) Aggregate(ctx context.Context, instrument domain.InstrumentID, d domain.Duration, periodEnd time.Time) (*domain.Bar, error) {
	p, err := a.layout.PeriodFor(d, periodEnd)
	if err != nil {
		return nil, err
	}

	now := a.now()
	open := now.Before(p.End)
	if open && !d.FinalizeOpen {
		return nil, &IncompleteError{InstrumentID: instrument, Duration: d.Name, Period: p, Open: true}
	}

	expected := a.layout.Constituents(d, p)
	if open {
		// Only constituents that have closed can be required of an open period.
		closed := expected[:0:0]
		for _, c := range expected {
			if !c.End.After(now) {
				closed = append(closed, c)
			}
		}
		expected = closed
	}
	if len(expected) == 0 {
		return nil, &IncompleteError{InstrumentID: instrument, Duration: d.Name, Period: p, Open: open}
	}

	bars, err := a.bars.GetBars(ctx, instrument, a.layout.Base().Name, p.Start, p.End)
	if err != nil {
		return nil, fmt.Errorf("get %s bars for instrument %d in %s: %w", a.layout.Base().Name, instrument, p, err)
	}

	matched, missing := match(expected, bars)
	if missing > 0 {
		return nil, &IncompleteError{
			InstrumentID: instrument,
			Duration:     d.Name,
			Period:       p,
			Expected:     len(expected),
			Missing:      missing,
		}
	}

	out := Combine(matched)
	out.InstrumentID = instrument
	out.Duration = d.Name
	out.PeriodStart = p.Start
	out.PeriodEnd = p.End
	return out, nil
}

// match pairs expected slots with bars by period start.
func match(expected []Period, bars []*domain.Bar) ([]*domain.Bar, int) {
	byStart := make(map[int64]*domain.Bar, len(bars))
	for _, b := range bars {
		byStart[b.PeriodStart.UnixNano()] = b
	}
	out := make([]*domain.Bar, 0, len(expected))
	missing := 0
	for _, slot := range expected {
		b, ok := byStart[slot.Start.UnixNano()]
		if !ok {
			missing++
			continue
		}
		out = append(out, b)
	}
	return out, missing
}

// priced reports whether a bar's prices can be used.
// NO_DATA and MISSING rows carry status only.
func priced(b *domain.Bar) bool {
	switch b.Provenance.Status {
	case domain.StatusOK, domain.StatusStale, domain.StatusHalted:
		return true
	}
	return false
}

// Combine folds chronologically ordered constituent bars into one bar:
//   - open = first open, close = last close
//   - high = MAX(high), low = MIN(low)
//   - volume = SUM(volume)
//   - status = worst constituent status
//
// Constituents without usable prices contribute status and volume only.
// Period bounds, instrument and duration are left for the caller.
func Combine(bars []*domain.Bar) *domain.Bar {
	out := &domain.Bar{Provenance: domain.Provenance{Status: domain.StatusOK}}
	if len(bars) == 0 {
		return out
	}

	sources := map[string]struct{}{}
	first := true
	for _, b := range bars {
		out.Volume += b.Volume
		out.Provenance.Status = domain.WorstStatus(out.Provenance.Status, b.Provenance.Status)
		if b.Provenance.Source != "" {
			sources[b.Provenance.Source] = struct{}{}
			if out.Provenance.Source == "" {
				out.Provenance.Source = b.Provenance.Source
			}
		}
		if b.RevisedAt != nil && (out.RevisedAt == nil || b.RevisedAt.After(*out.RevisedAt)) {
			r := *b.RevisedAt
			out.RevisedAt = &r
		}
		if !priced(b) {
			continue
		}
		if first {
			out.Open, out.High, out.Low = b.Open, b.High, b.Low
			first = false
		}
		if b.High > out.High {
			out.High = b.High
		}
		if b.Low < out.Low {
			out.Low = b.Low
		}
		out.Close = b.Close
	}
	if len(sources) > 1 {
		out.Provenance.Source = "mixed"
	}
	if out.Provenance.Status != domain.StatusOK {
		out.Provenance.Note = fmt.Sprintf("aggregated from %d bars, worst status %s", len(bars), out.Provenance.Status)
	}
	return out
}
