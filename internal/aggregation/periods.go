package aggregation

import (
	"errors"
	"fmt"
	"time"

	"universe-state/internal/calendar"
	"universe-state/internal/domain"
)

// ErrNotBoundary is returned when a timestamp is not a period_end of a duration.
var ErrNotBoundary = errors.New("not a period boundary")

// Period is a half-open aggregation window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

func (p Period) String() string {
	return fmt.Sprintf("[%s, %s)", p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
}

// Layout enumerates period boundaries for durations on one base and calendar.
// Intraday periods are aligned to the session open and the last period of a
// session is cut at the close. Daily and calendar periods end at the session
// close of their last trading day.
type Layout struct {
	cal  *calendar.Calendar
	base domain.Duration
}

// NewLayout creates a layout for the base duration.
func NewLayout(cal *calendar.Calendar, base domain.Duration) *Layout {
	return &Layout{cal: cal, base: base}
}

// Base returns the base duration.
func (l *Layout) Base() domain.Duration {
	return l.base
}

// Calendar returns the trading calendar.
func (l *Layout) Calendar() *calendar.Calendar {
	return l.cal
}

// Periods returns the periods of d whose period_end falls on a local date in
// [start, end], ascending.
func (l *Layout) Periods(d domain.Duration, start, end time.Time) []Period {
	var out []Period
	for _, day := range l.cal.TradingDays(start, end) {
		switch {
		case d.Intraday():
			out = append(out, l.sessionPeriods(day, d.Step)...)
		case d.Unit == domain.UnitDay:
			out = append(out, l.dayPeriod(day))
		default:
			if l.cal.IsUnitEnd(d.Unit, day) {
				out = append(out, l.unitPeriod(d.Unit, day))
			}
		}
	}
	return out
}

// PeriodFor returns the period of d ending at periodEnd.
func (l *Layout) PeriodFor(d domain.Duration, periodEnd time.Time) (Period, error) {
	if !l.cal.IsTradingDay(periodEnd) {
		return Period{}, fmt.Errorf("%w: %s %s is not a trading day", ErrNotBoundary, d.Name, periodEnd.Format(time.RFC3339))
	}

	switch {
	case d.Intraday():
		for _, p := range l.sessionPeriods(periodEnd, d.Step) {
			if p.End.Equal(periodEnd) {
				return p, nil
			}
		}
	case d.Unit == domain.UnitDay:
		if p := l.dayPeriod(periodEnd); p.End.Equal(periodEnd) {
			return p, nil
		}
	default:
		if l.cal.IsUnitEnd(d.Unit, periodEnd) {
			if p := l.unitPeriod(d.Unit, periodEnd); p.End.Equal(periodEnd) {
				return p, nil
			}
		}
	}
	return Period{}, fmt.Errorf("%w: %s %s", ErrNotBoundary, d.Name, periodEnd.Format(time.RFC3339))
}

// PeriodContaining returns the period of d that contains t, or ok=false when
// t falls outside every session (weekends, holidays, after the close).
func (l *Layout) PeriodContaining(d domain.Duration, t time.Time) (Period, bool) {
	if !l.cal.IsTradingDay(t) {
		return Period{}, false
	}
	var candidates []Period
	switch {
	case d.Intraday():
		candidates = l.sessionPeriods(t, d.Step)
	case d.Unit == domain.UnitDay:
		candidates = []Period{l.dayPeriod(t)}
	default:
		days := l.cal.UnitTradingDays(d.Unit, t)
		last := days[len(days)-1]
		candidates = []Period{l.unitPeriod(d.Unit, last)}
	}
	for _, p := range candidates {
		if p.Contains(t) {
			return p, true
		}
	}
	return Period{}, false
}

// Previous returns the period of d immediately before p.
func (l *Layout) Previous(d domain.Duration, p Period) Period {
	switch {
	case d.Intraday():
		slots := l.sessionPeriods(p.Start, d.Step)
		for i, s := range slots {
			if s.End.Equal(p.End) && i > 0 {
				return slots[i-1]
			}
		}
		slots = l.sessionPeriods(l.cal.PrevTradingDay(p.Start), d.Step)
		return slots[len(slots)-1]
	case d.Unit == domain.UnitDay:
		return l.dayPeriod(l.cal.PrevTradingDay(p.End))
	default:
		return l.unitPeriod(d.Unit, l.cal.PrevTradingDay(p.Start))
	}
}

// Contiguous returns the longest suffix of states, ascending by period_end,
// whose periods are exactly the periods of d immediately preceding next.
// Anything older than the first missing period is dropped.
func (l *Layout) Contiguous(d domain.Duration, states []*domain.State, next Period) []*domain.State {
	want := next
	i := len(states)
	for i > 0 {
		want = l.Previous(d, want)
		if !states[i-1].PeriodEnd.Equal(want.End) {
			break
		}
		i--
	}
	return states[i:]
}

// Constituents returns the base periods that make up p for duration d.
func (l *Layout) Constituents(d domain.Duration, p Period) []Period {
	if d.Name == l.base.Name {
		return []Period{p}
	}
	var out []Period
	for _, day := range l.cal.TradingDays(p.Start, p.End) {
		var slots []Period
		if l.base.Intraday() {
			slots = l.sessionPeriods(day, l.base.Step)
		} else {
			slots = []Period{l.dayPeriod(day)}
		}
		for _, s := range slots {
			if !s.Start.Before(p.Start) && !s.End.After(p.End) {
				out = append(out, s)
			}
		}
	}
	return out
}

func (l *Layout) sessionPeriods(day time.Time, step time.Duration) []Period {
	open := l.cal.SessionOpen(day)
	closeAt := l.cal.SessionClose(day)
	var out []Period
	for s := open; s.Before(closeAt); s = s.Add(step) {
		e := s.Add(step)
		if e.After(closeAt) {
			e = closeAt
		}
		out = append(out, Period{Start: s, End: e})
	}
	return out
}

func (l *Layout) dayPeriod(day time.Time) Period {
	return Period{Start: l.cal.SessionOpen(day), End: l.cal.SessionClose(day)}
}

func (l *Layout) unitPeriod(unit domain.CalendarUnit, day time.Time) Period {
	days := l.cal.UnitTradingDays(unit, day)
	return Period{Start: l.cal.SessionOpen(days[0]), End: l.cal.SessionClose(days[len(days)-1])}
}
