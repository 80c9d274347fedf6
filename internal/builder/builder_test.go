package builder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"universe-state/internal/aggregation"
	"universe-state/internal/calendar"
	"universe-state/internal/domain"
	"universe-state/internal/indicator"
	"universe-state/internal/membership"
	"universe-state/internal/storage"
	"universe-state/internal/storage/memory"
)

const universe domain.UniverseID = 1

var cal = calendar.MustNew(calendar.Config{Timezone: "America/New_York"})

func ptr[T any](v T) *T { return &v }

func day(s string) time.Time {
	d, err := cal.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// flakyBars wraps a bar store with per-instrument failures and latency.
type flakyBars struct {
	*memory.BarStore
	fail      map[domain.InstrumentID]error
	failAfter map[domain.InstrumentID]time.Time
	delay     map[domain.InstrumentID]time.Duration
}

func (f *flakyBars) GetBars(ctx context.Context, instrument domain.InstrumentID, duration string, start, end time.Time) ([]*domain.Bar, error) {
	if err, ok := f.fail[instrument]; ok {
		return nil, err
	}
	if at, ok := f.failAfter[instrument]; ok && !start.Before(at) {
		return nil, errors.New("vendor down")
	}
	if d, ok := f.delay[instrument]; ok {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
	return f.BarStore.GetBars(ctx, instrument, duration, start, end)
}

type fixture struct {
	members *memory.MembershipStore
	bars    *flakyBars
	states  *memory.StateStore
	layout  *aggregation.Layout
	builder *Builder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	base, err := domain.ParseBaseDuration("1d")
	require.NoError(t, err)

	f := &fixture{
		members: memory.NewMembershipStore(),
		bars: &flakyBars{
			BarStore:  memory.NewBarStore(),
			fail:      map[domain.InstrumentID]error{},
			failAfter: map[domain.InstrumentID]time.Time{},
			delay:     map[domain.InstrumentID]time.Duration{},
		},
		states:  memory.NewStateStore(),
		layout:  aggregation.NewLayout(cal, base),
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	agg := aggregation.NewAggregator(f.bars, f.layout, aggregation.WithClock(func() time.Time { return now }))
	pipeline, err := indicator.DefaultPipeline(3, 3)
	require.NoError(t, err)

	opts.Membership = membership.NewIndex(f.members)
	opts.Aggregator = agg
	opts.Pipeline = pipeline
	opts.Store = f.states
	f.builder, err = New(opts)
	require.NoError(t, err)
	return f
}

// member adds an interval [start, end) of local dates; an empty end is open.
func (f *fixture) member(t *testing.T, id int64, inst domain.InstrumentID, start, end string) {
	t.Helper()
	iv := &domain.MembershipInterval{ID: id, UniverseID: universe, InstrumentID: inst, StartAt: day(start)}
	if end != "" {
		iv.EndAt = ptr(day(end))
	}
	require.NoError(t, f.members.Insert(context.Background(), iv))
}

// dailyBars seeds one OK bar per trading day in [start, end].
func (f *fixture) dailyBars(t *testing.T, inst domain.InstrumentID, start, end string) {
	t.Helper()
	var bars []*domain.Bar
	for i, d := range cal.TradingDays(day(start), day(end)) {
		px := 100 + float64(inst) + float64(i)
		bars = append(bars, &domain.Bar{
			InstrumentID: inst,
			Duration:     "1d",
			PeriodStart:  cal.SessionOpen(d),
			PeriodEnd:    cal.SessionClose(d),
			Open:         px,
			High:         px + 2,
			Low:          px - 1,
			Close:        px + 1,
			Volume:       1000 + float64(i),
			Provenance:   domain.Provenance{Source: "test", Status: domain.StatusOK},
		})
	}
	require.NoError(t, f.bars.UpsertBars(context.Background(), bars))
}

func (f *fixture) series(inst domain.InstrumentID, d string) storage.SeriesKey {
	return storage.SeriesKey{UniverseID: universe, InstrumentID: inst, Duration: d}
}

func (f *fixture) all(t *testing.T, inst domain.InstrumentID, d string) []*domain.State {
	t.Helper()
	states, err := f.states.Range(context.Background(), f.series(inst, d), time.Time{}, farFuture)
	require.NoError(t, err)
	return states
}

func TestBuild_RespectsMembershipAtPeriodEnd(t *testing.T) {
	f := newFixture(t, Options{})
	f.member(t, 1, 10, "2025-01-01", "2025-02-01")
	f.dailyBars(t, 10, "2025-01-01", "2025-02-07")
	ctx := context.Background()

	report, err := f.builder.Build(ctx, universe, day("2025-01-01"), day("2025-01-31"), []string{"1d"})
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 23, report.StatesWritten)

	states := f.all(t, 10, "1d")
	require.Len(t, states, 23)
	for _, st := range states {
		assert.Equal(t, time.January, st.PeriodEnd.In(cal.Location()).Month())
	}

	// Bars exist on Feb 3 but the instrument is no longer a member
	report, err = f.builder.Build(ctx, universe, day("2025-02-03"), day("2025-02-07"), []string{"1d"})
	require.NoError(t, err)
	assert.Zero(t, report.StatesWritten)
	_, err = f.states.Get(ctx, f.series(10, "1d").At(cal.SessionClose(day("2025-02-03"))))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestBuild_IntegrityErrorRefusesWholeBuild(t *testing.T) {
	f := newFixture(t, Options{})
	f.member(t, 1, 10, "2025-01-01", "2025-03-01")
	f.member(t, 2, 10, "2025-02-01", "")
	f.member(t, 3, 11, "2025-01-01", "")
	f.dailyBars(t, 10, "2025-01-01", "2025-01-31")
	f.dailyBars(t, 11, "2025-01-01", "2025-01-31")

	report, err := f.builder.Build(context.Background(), universe, day("2025-01-01"), day("2025-01-31"), []string{"1d"})

	var ierr *membership.IntegrityError
	require.True(t, errors.As(err, &ierr), "expected IntegrityError, got %v", err)
	assert.Equal(t, []int64{1, 2}, ierr.IntervalIDs())
	assert.Equal(t, "failed", report.Status())
	assert.Zero(t, f.states.Len(), "no State may be written by a refused build")
}

func TestBuild_ConfigurationErrors(t *testing.T) {
	f := newFixture(t, Options{})
	f.member(t, 1, 10, "2025-01-01", "")

	_, err := f.builder.Build(context.Background(), universe, day("2025-01-01"), day("2025-01-31"), []string{"1d", "7m"})
	var cfgErr *domain.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr), "got %v", err)

	_, err = f.builder.Build(context.Background(), universe, day("2025-02-01"), day("2025-01-01"), []string{"1d"})
	assert.True(t, errors.As(err, &cfgErr), "got %v", err)

	_, err = New(Options{})
	assert.True(t, errors.As(err, &cfgErr), "got %v", err)
}

func TestBuild_IsIdempotentAndDeterministic(t *testing.T) {
	f := newFixture(t, Options{Parallelism: 3})
	for inst := domain.InstrumentID(10); inst < 16; inst++ {
		f.member(t, int64(inst), inst, "2025-01-01", "")
		f.dailyBars(t, inst, "2025-01-01", "2025-03-31")
	}
	ctx := context.Background()
	durations := []string{"1d", "1w", "1M"}

	_, err := f.builder.Build(ctx, universe, day("2025-01-01"), day("2025-03-31"), durations)
	require.NoError(t, err)
	first := map[domain.InstrumentID][]*domain.State{}
	for inst := domain.InstrumentID(10); inst < 16; inst++ {
		first[inst] = f.all(t, inst, "1d")
	}
	count := f.states.Len()

	report, err := f.builder.Build(ctx, universe, day("2025-01-01"), day("2025-03-31"), durations)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, count, f.states.Len())
	for inst, want := range first {
		assert.Equal(t, want, f.all(t, inst, "1d"), "instrument %d", inst)
	}

	months := f.all(t, 10, "1M")
	require.Len(t, months, 3)
	assert.True(t, months[0].PeriodEnd.Equal(cal.SessionClose(day("2025-01-31"))))
	// The week of Dec 30 lacks its first two days
	assert.Len(t, f.all(t, 10, "1w"), 12)
}

func TestBuild_IncrementalMatchesFullBuild(t *testing.T) {
	full := newFixture(t, Options{})
	split := newFixture(t, Options{})
	for _, f := range []*fixture{full, split} {
		f.member(t, 1, 10, "2025-01-01", "")
		f.dailyBars(t, 10, "2025-01-01", "2025-02-28")
	}
	ctx := context.Background()

	_, err := full.builder.Build(ctx, universe, day("2025-01-01"), day("2025-02-28"), []string{"1d"})
	require.NoError(t, err)
	_, err = split.builder.Build(ctx, universe, day("2025-01-01"), day("2025-01-20"), []string{"1d"})
	require.NoError(t, err)
	_, err = split.builder.Build(ctx, universe, day("2025-01-21"), day("2025-02-28"), []string{"1d"})
	require.NoError(t, err)

	want, got := full.all(t, 10, "1d"), split.all(t, 10, "1d")
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i].Indicators, got[i].Indicators, "period %s", want[i].PeriodEnd)
	}
	assert.True(t, got[len(got)-1].Indicators[indicator.EMAClose].Defined)
}

func TestBuild_GapIsRecordedAndSkipped(t *testing.T) {
	f := newFixture(t, Options{StalenessThreshold: 2})
	f.member(t, 1, 10, "2025-01-01", "")
	f.dailyBars(t, 10, "2025-01-06", "2025-01-10")
	f.dailyBars(t, 10, "2025-01-14", "2025-01-17") // Jan 13 missing
	ctx := context.Background()

	report, err := f.builder.Build(ctx, universe, day("2025-01-06"), day("2025-01-17"), []string{"1d", "1w"})
	require.NoError(t, err)
	assert.True(t, report.OK(), "a single gap is not a failure: %+v", report.Failures)

	var gapDays []string
	for _, g := range report.Gaps {
		gapDays = append(gapDays, g.Duration+"@"+g.PeriodEnd.In(cal.Location()).Format(time.DateOnly))
	}
	assert.ElementsMatch(t, []string{"1d@2025-01-13", "1w@2025-01-17"}, gapDays)
	assert.Len(t, f.all(t, 10, "1d"), 9)
	assert.Len(t, f.all(t, 10, "1w"), 1, "week with a missing day is incomplete")
}

func (f *fixture) state(t *testing.T, inst domain.InstrumentID, date string) *domain.State {
	t.Helper()
	st, err := f.states.Get(context.Background(), f.series(inst, "1d").At(cal.SessionClose(day(date))))
	require.NoError(t, err)
	return st
}

func TestBuild_WindowsDoNotReachAcrossGaps(t *testing.T) {
	f := newFixture(t, Options{})
	f.member(t, 1, 10, "2025-01-01", "")
	f.dailyBars(t, 10, "2025-01-06", "2025-01-07")
	f.dailyBars(t, 10, "2025-01-09", "2025-01-14") // Jan 8 missing
	ctx := context.Background()

	report, err := f.builder.Build(ctx, universe, day("2025-01-06"), day("2025-01-14"), []string{"1d"})
	require.NoError(t, err)
	require.Len(t, report.Gaps, 1)

	jan9 := f.state(t, 10, "2025-01-09").Indicators
	assert.True(t, jan9[indicator.OneOneDot].Defined)
	assert.False(t, jan9[indicator.PLDot].Defined, "window would hold Jan 6 and 7")
	assert.False(t, jan9[indicator.ETop].Defined)
	assert.False(t, jan9[indicator.EMAClose].Defined, "no recursion across the gap")

	jan13 := f.state(t, 10, "2025-01-13").Indicators
	assert.True(t, jan13[indicator.PLDot].Defined, "Jan 9, 10 and 13 are contiguous")
	assert.True(t, jan13[indicator.EMAClose].Defined)
	assert.False(t, jan13[indicator.ETop].Defined)
	assert.True(t, f.state(t, 10, "2025-01-14").Indicators[indicator.ETop].Defined)

	// Seeding an incremental build from stored States stops at the gap too
	split := newFixture(t, Options{})
	split.member(t, 1, 10, "2025-01-01", "")
	split.dailyBars(t, 10, "2025-01-06", "2025-01-07")
	split.dailyBars(t, 10, "2025-01-09", "2025-01-14")
	_, err = split.builder.Build(ctx, universe, day("2025-01-06"), day("2025-01-07"), []string{"1d"})
	require.NoError(t, err)
	_, err = split.builder.Build(ctx, universe, day("2025-01-09"), day("2025-01-14"), []string{"1d"})
	require.NoError(t, err)
	assert.Equal(t, f.all(t, 10, "1d"), split.all(t, 10, "1d"))
}

func TestBuild_WindowsDoNotReachAcrossNonMemberPeriods(t *testing.T) {
	f := newFixture(t, Options{})
	f.member(t, 1, 10, "2025-01-01", "2025-01-08")
	f.member(t, 2, 10, "2025-01-09", "")
	f.dailyBars(t, 10, "2025-01-02", "2025-01-14")

	report, err := f.builder.Build(context.Background(), universe, day("2025-01-02"), day("2025-01-14"), []string{"1d"})
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 1, report.SkippedNotMember)

	jan9 := f.state(t, 10, "2025-01-09").Indicators
	assert.False(t, jan9[indicator.PLDot].Defined)
	assert.False(t, jan9[indicator.EMAClose].Defined)
	assert.True(t, f.state(t, 10, "2025-01-13").Indicators[indicator.PLDot].Defined)
}

func TestBuild_FailedUnitTruncatesLineage(t *testing.T) {
	f := newFixture(t, Options{})
	f.member(t, 1, 10, "2025-01-01", "")
	f.dailyBars(t, 10, "2025-01-06", "2025-01-17")
	ctx := context.Background()

	_, err := f.builder.Build(ctx, universe, day("2025-01-06"), day("2025-01-17"), []string{"1d"})
	require.NoError(t, err)
	require.Len(t, f.all(t, 10, "1d"), 10)

	f.bars.failAfter[10] = cal.SessionOpen(day("2025-01-13"))
	report, err := f.builder.Build(ctx, universe, day("2025-01-06"), day("2025-01-17"), []string{"1d"})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)

	failure := report.Failures[0]
	assert.True(t, failure.PeriodEnd.Equal(cal.SessionClose(day("2025-01-13"))))
	require.NotNil(t, failure.LastBuilt)
	assert.True(t, failure.LastBuilt.Equal(cal.SessionClose(day("2025-01-10"))))
	assert.Equal(t, int64(5), failure.Truncated)
	assert.Equal(t, int64(5), report.StatesDeleted)

	states := f.all(t, 10, "1d")
	require.Len(t, states, 5, "nothing past the last built period stays readable")
	assert.True(t, states[len(states)-1].PeriodEnd.Equal(*failure.LastBuilt))
}

func TestBuild_StalenessThresholdFailsUnit(t *testing.T) {
	f := newFixture(t, Options{StalenessThreshold: 2})
	f.member(t, 1, 10, "2025-01-01", "")
	f.member(t, 2, 11, "2025-01-01", "")
	f.dailyBars(t, 10, "2025-01-06", "2025-01-07") // nothing after Jan 7
	f.dailyBars(t, 11, "2025-01-06", "2025-01-17")

	report, err := f.builder.Build(context.Background(), universe, day("2025-01-06"), day("2025-01-17"), []string{"1d"})
	require.NoError(t, err)
	assert.Equal(t, "partial", report.Status())
	require.Len(t, report.Failures, 1)

	failure := report.Failures[0]
	assert.Equal(t, domain.InstrumentID(10), failure.InstrumentID)
	assert.Equal(t, FailureStale, failure.Kind)
	assert.True(t, failure.PeriodEnd.Equal(cal.SessionClose(day("2025-01-10"))))
	require.NotNil(t, failure.LastBuilt)
	assert.True(t, failure.LastBuilt.Equal(cal.SessionClose(day("2025-01-07"))))

	assert.Len(t, f.all(t, 11, "1d"), 10, "sibling unit is unaffected")
	lineage := f.builder.Lineages().Get(f.series(10, "1d"))
	assert.Equal(t, PhaseBuilding, lineage.Phase)
}

func TestBuild_SourceFailuresAreUnitScoped(t *testing.T) {
	f := newFixture(t, Options{ReadTimeout: 50 * time.Millisecond, Parallelism: 2})
	for inst := domain.InstrumentID(10); inst <= 12; inst++ {
		f.member(t, int64(inst), inst, "2025-01-01", "")
		f.dailyBars(t, inst, "2025-01-06", "2025-01-10")
	}
	f.bars.fail[10] = errors.New("vendor down")
	f.bars.delay[11] = time.Second

	report, err := f.builder.Build(context.Background(), universe, day("2025-01-06"), day("2025-01-10"), []string{"1d"})
	require.NoError(t, err, "unit failures are reported, not returned")
	require.Len(t, report.Failures, 2)

	byInst := map[domain.InstrumentID]UnitFailure{}
	for _, fl := range report.Failures {
		byInst[fl.InstrumentID] = fl
		assert.Equal(t, FailureSourceUnavailable, fl.Kind)
		assert.Nil(t, fl.LastBuilt)
	}
	assert.Contains(t, byInst[10].Error, "vendor down")
	assert.Contains(t, byInst[11].Error, context.DeadlineExceeded.Error())
	assert.Len(t, f.all(t, 12, "1d"), 5)
}

func TestRebuildFrom_RecomputesFromRevision(t *testing.T) {
	f := newFixture(t, Options{})
	f.member(t, 1, 10, "2025-01-01", "")
	f.dailyBars(t, 10, "2025-01-01", "2025-01-31")
	ctx := context.Background()

	_, err := f.builder.Build(ctx, universe, day("2025-01-01"), day("2025-01-31"), []string{"1d"})
	require.NoError(t, err)
	before := f.all(t, 10, "1d")

	// Revise Jan 15 close
	revised := day("2025-01-15")
	bars, err := f.bars.GetBars(ctx, 10, "1d", cal.SessionOpen(revised), cal.SessionClose(revised))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	bars[0].Close *= 2
	bars[0].High = bars[0].Close
	bars[0].RevisedAt = ptr(time.Now())
	require.NoError(t, f.bars.UpsertBars(ctx, bars))

	from := cal.SessionClose(revised)
	report, err := f.builder.RebuildFrom(ctx, universe, 10, "1d", from, from)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, int64(13), report.StatesDeleted)
	assert.Equal(t, 13, report.StatesWritten, "rebuild extends through the previously stored lineage")

	after := f.all(t, 10, "1d")
	require.Len(t, after, len(before))
	for i := range before {
		if before[i].PeriodEnd.Before(from) {
			assert.Equal(t, before[i], after[i])
			continue
		}
		assert.NotEqual(t, before[i].Indicators[indicator.EMAClose], after[i].Indicators[indicator.EMAClose], "period %s", before[i].PeriodEnd)
	}

	// A fresh build over revised bars yields the same lineage
	fresh := newFixture(t, Options{})
	fresh.member(t, 1, 10, "2025-01-01", "")
	fresh.dailyBars(t, 10, "2025-01-01", "2025-01-31")
	require.NoError(t, fresh.bars.UpsertBars(ctx, bars))
	_, err = fresh.builder.Build(ctx, universe, day("2025-01-01"), day("2025-01-31"), []string{"1d"})
	require.NoError(t, err)
	assert.Equal(t, fresh.all(t, 10, "1d"), after)

	lineage := f.builder.Lineages().Get(f.series(10, "1d"))
	assert.Equal(t, PhaseBuilt, lineage.Phase)
	assert.True(t, lineage.PeriodEnd.Equal(cal.SessionClose(day("2025-01-31"))))
}

func TestInspect_NotFoundVersusUndefined(t *testing.T) {
	f := newFixture(t, Options{})
	f.member(t, 1, 10, "2025-01-01", "")
	f.dailyBars(t, 10, "2025-01-01", "2025-01-10")
	ctx := context.Background()

	_, err := f.builder.Build(ctx, universe, day("2025-01-01"), day("2025-01-10"), []string{"1d"})
	require.NoError(t, err)

	got, err := f.builder.Inspect(ctx, universe, 10, day("2025-01-01"), "1d", []string{"close", "pldot", "oneonedot"})
	require.NoError(t, err)
	assert.Equal(t, []string{"close", "pldot", "oneonedot"}, got.Fields)
	assert.True(t, got.Values["close"].Defined)
	assert.False(t, got.Values["pldot"].Defined, "warm-up value is Undefined inside a found State")
	assert.True(t, got.Values["oneonedot"].Defined)

	_, err = f.builder.Inspect(ctx, universe, 10, day("2025-01-13"), "1d", nil)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	_, err = f.builder.Inspect(ctx, universe, 10, day("2025-01-02"), "1d", []string{"rsi"})
	assert.True(t, errors.Is(err, ErrUnknownField), "got %v", err)

	rows, err := f.builder.InspectRange(ctx, universe, 10, "1d", day("2025-01-08"), day("2025-01-14"), nil)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	found := 0
	for _, r := range rows {
		if r.Found {
			found++
			assert.Len(t, r.Values, len(domain.RawFields)+8)
		}
	}
	assert.Equal(t, 3, found)
}

func TestLineages_Transitions(t *testing.T) {
	l := NewLineages()
	key := storage.SeriesKey{UniverseID: 1, InstrumentID: 2, Duration: "1d"}
	t1 := day("2025-01-02")
	t2 := day("2025-01-03")

	assert.Equal(t, PhaseNoData, l.Get(key).Phase)
	l.Invalidate(key, t1)
	assert.Equal(t, PhaseNoData, l.Get(key).Phase)

	l.Building(key, t1)
	l.Built(key, t1)
	l.Building(key, t2)
	l.Built(key, t2)
	assert.Equal(t, "Built(2025-01-03T00:00:00-05:00)", l.Get(key).String())

	l.Invalidate(key, t1)
	assert.Equal(t, LineageState{Phase: PhaseBuilding, PeriodEnd: t1}, l.Get(key))

	l.Invalidate(key, t2)
	assert.Equal(t, t1, l.Get(key).PeriodEnd, "revision after the lineage head changes nothing")
}
