package calendar

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"universe-state/internal/domain"
)

func newNYSE(t *testing.T) *Calendar {
	t.Helper()
	c, err := New(Config{
		Timezone: "America/New_York",
		Holidays: []string{"2025-01-01", "2025-01-20"},
	})
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cases := []Config{
		{Timezone: "Mars/Olympus"},
		{Timezone: "UTC", Holidays: []string{"01/02/2025"}},
		{Timezone: "UTC", SessionOpen: "16:00", SessionClose: "09:30"},
		{Timezone: "UTC", SessionOpen: "9am"},
	}
	for _, cfg := range cases {
		_, err := New(cfg)
		var cfgErr *domain.ConfigurationError
		assert.True(t, errors.As(err, &cfgErr), "config %+v: expected ConfigurationError, got %v", cfg, err)
	}
}

func TestTradingDays_SkipsWeekendsAndHolidays(t *testing.T) {
	c := newNYSE(t)
	start, _ := c.ParseDate("2024-12-30")
	end, _ := c.ParseDate("2025-01-06")

	var got []string
	for _, d := range c.TradingDays(start, end) {
		got = append(got, d.Format("2006-01-02"))
	}
	assert.Equal(t, []string{"2024-12-30", "2024-12-31", "2025-01-02", "2025-01-03", "2025-01-06"}, got)
}

func TestNextPrevTradingDay(t *testing.T) {
	c := newNYSE(t)
	fri, _ := c.ParseDate("2025-01-17")
	tue, _ := c.ParseDate("2025-01-21")

	assert.True(t, c.NextTradingDay(fri).Equal(tue), "MLK day holiday should be skipped")
	assert.True(t, c.PrevTradingDay(tue).Equal(fri))
}

func TestSessionBounds_DST(t *testing.T) {
	c := newNYSE(t)
	winter, _ := c.ParseDate("2025-01-02")
	summer, _ := c.ParseDate("2025-07-01")

	assert.Equal(t, time.Date(2025, 1, 2, 21, 0, 0, 0, time.UTC), c.SessionClose(winter).UTC())
	assert.Equal(t, time.Date(2025, 7, 1, 20, 0, 0, 0, time.UTC), c.SessionClose(summer).UTC())
	assert.Equal(t, time.Date(2025, 1, 2, 14, 30, 0, 0, time.UTC), c.SessionOpen(winter).UTC())
	assert.Equal(t, 6*time.Hour+30*time.Minute, c.SessionLength())
}

func TestUnitRange(t *testing.T) {
	c := newNYSE(t)
	wed, _ := c.ParseDate("2025-02-12")

	start, end := c.UnitRange(domain.UnitWeek, wed)
	assert.Equal(t, "2025-02-10", start.Format("2006-01-02"))
	assert.Equal(t, "2025-02-17", end.Format("2006-01-02"))

	start, end = c.UnitRange(domain.UnitQuarter, wed)
	assert.Equal(t, "2025-01-01", start.Format("2006-01-02"))
	assert.Equal(t, "2025-04-01", end.Format("2006-01-02"))

	start, end = c.UnitRange(domain.UnitYear, wed)
	assert.Equal(t, "2025-01-01", start.Format("2006-01-02"))
	assert.Equal(t, "2026-01-01", end.Format("2006-01-02"))
}

func TestIsUnitEnd(t *testing.T) {
	c := newNYSE(t)
	jan31, _ := c.ParseDate("2025-01-31") // Friday
	jan30, _ := c.ParseDate("2025-01-30")
	fri, _ := c.ParseDate("2025-01-17")
	sat, _ := c.ParseDate("2025-01-18")

	assert.True(t, c.IsUnitEnd(domain.UnitMonth, jan31))
	assert.False(t, c.IsUnitEnd(domain.UnitMonth, jan30))
	assert.True(t, c.IsUnitEnd(domain.UnitWeek, fri))
	assert.False(t, c.IsUnitEnd(domain.UnitWeek, sat))

	days := c.UnitTradingDays(domain.UnitMonth, jan30)
	assert.Len(t, days, 21) // 23 weekdays minus Jan 1 and MLK day
}
