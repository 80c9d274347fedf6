package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
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

// switchableBars fails every read while down is set.
type switchableBars struct {
	*memory.BarStore
	down atomic.Bool
}

func (b *switchableBars) GetBars(ctx context.Context, instrument domain.InstrumentID, duration string, start, end time.Time) ([]*domain.Bar, error) {
	if b.down.Load() {
		return nil, errors.New("vendor unavailable")
	}
	return b.BarStore.GetBars(ctx, instrument, duration, start, end)
}

type env struct {
	now         time.Time
	bars        *switchableBars
	states      *memory.StateStore
	checkpoints *memory.CheckpointStore
	sched       *Scheduler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	base, err := domain.ParseBaseDuration("1d")
	require.NoError(t, err)
	e := &env{
		bars:        &switchableBars{BarStore: memory.NewBarStore()},
		states:      memory.NewStateStore(),
		checkpoints: memory.NewCheckpointStore(),
	}
	clock := func() time.Time { return e.now }

	members := memory.NewMembershipStore()
	ctx := context.Background()
	require.NoError(t, members.Insert(ctx, &domain.MembershipInterval{ID: 1, UniverseID: 1, InstrumentID: 5, StartAt: day("2025-01-01")}))

	var bars []*domain.Bar
	for i, d := range cal.TradingDays(day("2025-01-01"), day("2025-01-31")) {
		px := 50 + float64(i)
		bars = append(bars, &domain.Bar{
			InstrumentID: 5, Duration: "1d",
			PeriodStart: cal.SessionOpen(d), PeriodEnd: cal.SessionClose(d),
			Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 100,
			Provenance: domain.Provenance{Source: "test", Status: domain.StatusOK},
		})
	}
	require.NoError(t, e.bars.UpsertBars(ctx, bars))

	pipeline, err := indicator.DefaultPipeline(3, 3)
	require.NoError(t, err)
	b, err := builder.New(builder.Options{
		Membership: membership.NewIndex(members),
		Aggregator: aggregation.NewAggregator(e.bars, aggregation.NewLayout(cal, base), aggregation.WithClock(clock)),
		Pipeline:   pipeline,
		Store:      e.states,
	})
	require.NoError(t, err)

	e.sched, err = New(Options{
		Builder:     b,
		Checkpoints: e.checkpoints,
		Universes:   []domain.UniverseID{1},
		Durations:   []string{"1d"},
		Start:       day("2025-01-01"),
		Clock:       clock,
	})
	require.NoError(t, err)
	return e
}

func (e *env) checkpoint(t *testing.T) *storage.BuildCheckpoint {
	t.Helper()
	cp, err := e.checkpoints.GetCheckpoint(context.Background(), 1)
	require.NoError(t, err)
	return cp
}

// evening returns 18:00 New York time on date s, after the session close.
func evening(s string) time.Time {
	return day(s).Add(18 * time.Hour)
}

func TestRunOnce_ResumesFromCheckpoint(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.now = evening("2025-01-15")
	reports, err := e.sched.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].OK())
	assert.Equal(t, 11, e.states.Len())
	cp := e.checkpoint(t)
	assert.True(t, cp.BuiltUntil.Equal(day("2025-01-15")))
	assert.Equal(t, reports[0].RunID, cp.RunID)

	e.now = evening("2025-01-22")
	reports, err = e.sched.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Start.Equal(day("2025-01-15")), "resumes at the checkpoint date")
	assert.Equal(t, 16, e.states.Len())
	assert.True(t, e.checkpoint(t).BuiltUntil.Equal(day("2025-01-22")))
}

func TestRunOnce_FailuresHoldCheckpoint(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.now = evening("2025-01-10")
	_, err := e.sched.RunOnce(ctx)
	require.NoError(t, err)
	before := e.checkpoint(t)

	e.bars.down.Store(true)
	e.now = evening("2025-01-17")
	reports, err := e.sched.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].OK())
	assert.True(t, e.checkpoint(t).BuiltUntil.Equal(before.BuiltUntil))

	e.bars.down.Store(false)
	_, err = e.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, e.checkpoint(t).BuiltUntil.Equal(day("2025-01-17")))
	assert.Equal(t, 13, e.states.Len())
}

func TestRegister(t *testing.T) {
	e := newEnv(t)
	var cfgErr *domain.ConfigurationError
	assert.ErrorAs(t, e.sched.Register("not a cron"), &cfgErr)
	require.NoError(t, e.sched.Register("0 18 * * 1-5"))

	e.sched.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, e.sched.Stop(ctx))
}

func TestNew_ConfigurationErrors(t *testing.T) {
	e := newEnv(t)
	var cfgErr *domain.ConfigurationError

	_, err := New(Options{Checkpoints: e.checkpoints, Universes: []domain.UniverseID{1}, Durations: []string{"1d"}, Start: day("2025-01-01")})
	assert.ErrorAs(t, err, &cfgErr)

	_, err = New(Options{Builder: e.sched.opts.Builder, Checkpoints: e.checkpoints, Universes: []domain.UniverseID{1}, Durations: []string{"1d"}})
	assert.ErrorAs(t, err, &cfgErr)

	_, err = New(Options{Builder: e.sched.opts.Builder, Checkpoints: e.checkpoints, Universes: []domain.UniverseID{1}, Durations: []string{"3x"}, Start: day("2025-01-01")})
	assert.ErrorAs(t, err, &cfgErr)
}
