package revision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"universe-state/internal/aggregation"
	"universe-state/internal/builder"
	"universe-state/internal/calendar"
	"universe-state/internal/domain"
	"universe-state/internal/indicator"
	"universe-state/internal/membership"
	"universe-state/internal/storage"
	"universe-state/internal/storage/memory"
)

var cal = calendar.MustNew(calendar.Config{Timezone: "America/New_York"})

func day(s string) time.Time {
	d, err := cal.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func dailyBar(inst domain.InstrumentID, d time.Time, px float64) *domain.Bar {
	return &domain.Bar{
		InstrumentID: inst,
		Duration:     "1d",
		PeriodStart:  cal.SessionOpen(d),
		PeriodEnd:    cal.SessionClose(d),
		Open:         px,
		High:         px + 2,
		Low:          px - 1,
		Close:        px + 1,
		Volume:       1000,
		Provenance:   domain.Provenance{Source: "test", Status: domain.StatusOK},
	}
}

type env struct {
	members *memory.MembershipStore
	bars    *memory.BarStore
	states  *memory.StateStore
	builder *builder.Builder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	base, err := domain.ParseBaseDuration("1d")
	require.NoError(t, err)
	e := &env{
		members: memory.NewMembershipStore(),
		bars:    memory.NewBarStore(),
		states:  memory.NewStateStore(),
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	layout := aggregation.NewLayout(cal, base)
	pipeline, err := indicator.DefaultPipeline(3, 3)
	require.NoError(t, err)
	e.builder, err = builder.New(builder.Options{
		Membership: membership.NewIndex(e.members),
		Aggregator: aggregation.NewAggregator(e.bars, layout, aggregation.WithClock(func() time.Time { return now })),
		Pipeline:   pipeline,
		Store:      e.states,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.members.Insert(ctx, &domain.MembershipInterval{ID: 1, UniverseID: 1, InstrumentID: 10, StartAt: day("2025-01-01")}))
	var bars []*domain.Bar
	for i, d := range cal.TradingDays(day("2025-01-01"), day("2025-01-31")) {
		bars = append(bars, dailyBar(10, d, 100+float64(i)))
	}
	require.NoError(t, e.bars.UpsertBars(ctx, bars))

	report, err := e.builder.Build(ctx, 1, day("2025-01-01"), day("2025-01-31"), []string{"1d", "1w"})
	require.NoError(t, err)
	require.True(t, report.OK())
	return e
}

func (e *env) state(t *testing.T, d string, end time.Time) *domain.State {
	t.Helper()
	st, err := e.states.Get(context.Background(), storage.StateKey{UniverseID: 1, InstrumentID: 10, Duration: d, PeriodEnd: end})
	require.NoError(t, err)
	return st
}

func TestHandler_RebuildsAffectedLineages(t *testing.T) {
	e := newEnv(t)
	h, err := NewHandler(HandlerOptions{
		Builder:    e.builder,
		Membership: e.members,
		Bars:       e.bars,
		Universes:  []domain.UniverseID{1},
		Durations:  []string{"1d", "1w"},
	})
	require.NoError(t, err)
	ctx := context.Background()
	before := e.states.Len()

	fri := day("2025-01-17")
	untouched := e.state(t, "1d", cal.SessionClose(day("2025-01-16")))

	data, err := Encode(&Event{InstrumentID: 10, Bars: []*domain.Bar{dailyBar(10, fri, 500)}})
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, data))

	assert.Equal(t, before, e.states.Len(), "a rebuild never shortens a lineage")
	assert.Equal(t, 501.0, e.state(t, "1d", cal.SessionClose(fri)).Close)
	assert.Equal(t, 501.0, e.state(t, "1w", cal.SessionClose(fri)).Close, "weekly close comes from the revised Friday")
	assert.Equal(t, untouched, e.state(t, "1d", cal.SessionClose(day("2025-01-16"))))

	bars, err := e.bars.GetBars(ctx, 10, "1d", cal.SessionOpen(fri), cal.SessionClose(fri))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	require.NotNil(t, bars[0].RevisedAt)
}

func TestHandler_MatchesFreshBuild(t *testing.T) {
	revised := newEnv(t)
	h, err := NewHandler(HandlerOptions{
		Builder:    revised.builder,
		Membership: revised.members,
		Bars:       revised.bars,
		Universes:  []domain.UniverseID{1},
		Durations:  []string{"1d", "1w"},
	})
	require.NoError(t, err)
	ctx := context.Background()

	bar := dailyBar(10, day("2025-01-08"), 42)
	res, err := h.Apply(ctx, &Event{InstrumentID: 10, Bars: []*domain.Bar{bar}})
	require.NoError(t, err)
	assert.Len(t, res.Reports, 2)
	assert.False(t, res.Failed())

	fresh := newEnv(t)
	require.NoError(t, fresh.bars.UpsertBars(ctx, []*domain.Bar{dailyBar(10, day("2025-01-08"), 42)}))
	_, err = fresh.states.DeleteFrom(ctx, storage.SeriesKey{UniverseID: 1, InstrumentID: 10, Duration: "1d"}, time.Time{})
	require.NoError(t, err)
	_, err = fresh.states.DeleteFrom(ctx, storage.SeriesKey{UniverseID: 1, InstrumentID: 10, Duration: "1w"}, time.Time{})
	require.NoError(t, err)
	_, err = fresh.builder.Build(ctx, 1, day("2025-01-01"), day("2025-01-31"), []string{"1d", "1w"})
	require.NoError(t, err)

	for _, d := range []string{"1d", "1w"} {
		series := storage.SeriesKey{UniverseID: 1, InstrumentID: 10, Duration: d}
		want, err := fresh.states.Range(ctx, series, time.Time{}, day("2026-01-01"))
		require.NoError(t, err)
		got, err := revised.states.Range(ctx, series, time.Time{}, day("2026-01-01"))
		require.NoError(t, err)
		assert.Equal(t, want, got, d)
	}
}

func TestHandler_SkipsUniversesWithoutMembership(t *testing.T) {
	e := newEnv(t)
	h, err := NewHandler(HandlerOptions{
		Builder:    e.builder,
		Membership: e.members,
		Universes:  []domain.UniverseID{2},
		Durations:  []string{"1d"},
	})
	require.NoError(t, err)

	res, err := h.Apply(context.Background(), &Event{InstrumentID: 10, Bars: []*domain.Bar{dailyBar(10, day("2025-01-08"), 1)}})
	require.NoError(t, err)
	assert.Empty(t, res.Reports)
}

func TestHandler_InvalidEvents(t *testing.T) {
	e := newEnv(t)
	h, err := NewHandler(HandlerOptions{
		Builder:    e.builder,
		Membership: e.members,
		Universes:  []domain.UniverseID{1},
		Durations:  []string{"1d"},
	})
	require.NoError(t, err)

	for name, payload := range map[string]string{
		"not json":         `{`,
		"no instrument":    `{"bars":[]}`,
		"no bars":          `{"instrument_id":10}`,
		"foreign bar":      `{"instrument_id":10,"bars":[{"instrument_id":11,"period_start":"2025-01-08T14:30:00Z","period_end":"2025-01-08T21:00:00Z"}]}`,
		"empty bar period": `{"instrument_id":10,"bars":[{"instrument_id":10,"period_start":"2025-01-08T21:00:00Z","period_end":"2025-01-08T21:00:00Z"}]}`,
	} {
		err := h.Handle(context.Background(), []byte(payload))
		assert.True(t, errors.Is(err, ErrInvalidEvent), name)
	}
}

func TestNewHandler_ConfigurationErrors(t *testing.T) {
	e := newEnv(t)
	var cfgErr *domain.ConfigurationError

	_, err := NewHandler(HandlerOptions{Builder: e.builder, Membership: e.members, Durations: []string{"1d"}})
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewHandler(HandlerOptions{Builder: e.builder, Membership: e.members, Universes: []domain.UniverseID{1}, Durations: []string{"7m"}})
	assert.ErrorAs(t, err, &cfgErr)
}
