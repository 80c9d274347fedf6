// Package calendar implements the trading calendar used to align
// daily and calendar-unit periods: timezone, weekends, holidays and
// the regular session.
package calendar

import (
	"fmt"
	"sort"
	"time"
	_ "time/tzdata" // calendars must resolve zones on hosts without zoneinfo

	"universe-state/internal/domain"
)

const dateLayout = "2006-01-02"

// Config describes a trading calendar.
type Config struct {
	Timezone     string   `yaml:"timezone" default:"America/New_York"`
	Holidays     []string `yaml:"holidays"`                      // YYYY-MM-DD, local dates
	SessionOpen  string   `yaml:"session_open" default:"09:30"`  // HH:MM local
	SessionClose string   `yaml:"session_close" default:"16:00"` // HH:MM local
}

// Calendar answers trading-day and session questions in one timezone.
// It is immutable and safe for concurrent use.
type Calendar struct {
	loc      *time.Location
	holidays map[string]struct{}
	open     time.Duration // offset from local midnight
	close    time.Duration
}

// New builds a calendar from config.
func New(cfg Config) (*Calendar, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, domain.NewConfigurationError("calendar timezone %q: %v", tz, err)
	}

	open, err := parseClock(cfg.SessionOpen, 9*time.Hour+30*time.Minute)
	if err != nil {
		return nil, err
	}
	closeAt, err := parseClock(cfg.SessionClose, 16*time.Hour)
	if err != nil {
		return nil, err
	}
	if closeAt <= open {
		return nil, domain.NewConfigurationError("session close %s must be after open %s", cfg.SessionClose, cfg.SessionOpen)
	}

	c := &Calendar{
		loc:      loc,
		holidays: make(map[string]struct{}, len(cfg.Holidays)),
		open:     open,
		close:    closeAt,
	}
	for _, h := range cfg.Holidays {
		d, err := time.ParseInLocation(dateLayout, h, loc)
		if err != nil {
			return nil, domain.NewConfigurationError("calendar holiday %q: %v", h, err)
		}
		c.holidays[d.Format(dateLayout)] = struct{}{}
	}
	return c, nil
}

// MustNew is New for fixed, known-good configs. It panics on error.
func MustNew(cfg Config) *Calendar {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

func parseClock(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, domain.NewConfigurationError("session time %q: want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Location returns the calendar timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Date truncates t to local midnight of its calendar date.
func (c *Calendar) Date(t time.Time) time.Time {
	lt := t.In(c.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
}

// ParseDate parses a YYYY-MM-DD date as local midnight.
func (c *Calendar) ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, s, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

// IsTradingDay reports whether the local date of t is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	d := c.Date(t)
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[d.Format(dateLayout)]
	return !holiday
}

// NextTradingDay returns the first trading day strictly after the date of t.
func (c *Calendar) NextTradingDay(t time.Time) time.Time {
	d := c.Date(t)
	for {
		d = d.AddDate(0, 0, 1)
		if c.IsTradingDay(d) {
			return d
		}
	}
}

// PrevTradingDay returns the last trading day strictly before the date of t.
func (c *Calendar) PrevTradingDay(t time.Time) time.Time {
	d := c.Date(t)
	for {
		d = d.AddDate(0, 0, -1)
		if c.IsTradingDay(d) {
			return d
		}
	}
}

// TradingDays returns the trading days with local date in [start, end], ascending.
func (c *Calendar) TradingDays(start, end time.Time) []time.Time {
	var days []time.Time
	last := c.Date(end)
	for d := c.Date(start); !d.After(last); d = d.AddDate(0, 0, 1) {
		if c.IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// SessionOpen returns the session open instant on the date of t.
func (c *Calendar) SessionOpen(t time.Time) time.Time {
	return c.atOffset(c.Date(t), c.open)
}

// SessionClose returns the session close instant on the date of t.
func (c *Calendar) SessionClose(t time.Time) time.Time {
	return c.atOffset(c.Date(t), c.close)
}

// SessionLength returns the regular session length.
func (c *Calendar) SessionLength() time.Duration {
	return c.close - c.open
}

// atOffset adds a wall-clock offset to local midnight, DST-safe.
func (c *Calendar) atOffset(d time.Time, off time.Duration) time.Time {
	h := int(off / time.Hour)
	m := int((off % time.Hour) / time.Minute)
	return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, c.loc)
}

// UnitRange returns the local-midnight bounds [start, end) of the calendar
// unit containing t. Weeks start Monday 00:00.
func (c *Calendar) UnitRange(unit domain.CalendarUnit, t time.Time) (time.Time, time.Time) {
	d := c.Date(t)
	switch unit {
	case domain.UnitWeek:
		offset := (int(d.Weekday()) + 6) % 7 // days since Monday
		start := d.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	case domain.UnitMonth:
		start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, c.loc)
		return start, start.AddDate(0, 1, 0)
	case domain.UnitQuarter:
		q := (int(d.Month()) - 1) / 3
		start := time.Date(d.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, c.loc)
		return start, start.AddDate(0, 3, 0)
	case domain.UnitYear:
		start := time.Date(d.Year(), time.January, 1, 0, 0, 0, 0, c.loc)
		return start, start.AddDate(1, 0, 0)
	default:
		return d, d.AddDate(0, 0, 1)
	}
}

// UnitTradingDays returns the trading days of the calendar unit containing t.
func (c *Calendar) UnitTradingDays(unit domain.CalendarUnit, t time.Time) []time.Time {
	start, end := c.UnitRange(unit, t)
	return c.TradingDays(start, end.AddDate(0, 0, -1))
}

// IsUnitEnd reports whether the date of t is the last trading day of its unit.
func (c *Calendar) IsUnitEnd(unit domain.CalendarUnit, t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	_, end := c.UnitRange(unit, t)
	next := c.NextTradingDay(t)
	return !next.Before(end)
}

// Holidays returns the configured holidays, sorted.
func (c *Calendar) Holidays() []string {
	out := make([]string, 0, len(c.holidays))
	for h := range c.holidays {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
