// Package builder turns membership, bars and indicators into persisted
// States. A build is split into independent units keyed by
// (instrument, duration); units run concurrently, periods inside a unit
// run strictly in increasing period_end order.
package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"universe-state/internal/aggregation"
	"universe-state/internal/domain"
	"universe-state/internal/indicator"
	"universe-state/internal/logger"
	"universe-state/internal/membership"
	"universe-state/internal/observability"
	"universe-state/internal/storage"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultParallelism = 4
	DefaultReadTimeout = 30 * time.Second
)

// Options for creating a Builder.
type Options struct {
	// Required collaborators
	Membership *membership.Index
	Aggregator *aggregation.Aggregator
	Pipeline   *indicator.Pipeline
	Store      storage.StateStore

	// Optional
	Logger *logger.Logger

	// Parallelism bounds concurrently running units.
	Parallelism int
	// ReadTimeout bounds every single external read or write.
	ReadTimeout time.Duration
	// StalenessThreshold is the number of consecutive closed-period gaps a
	// unit tolerates before it is reported as failed. Zero tolerates any.
	StalenessThreshold int
	// FinalizeOpen names durations whose in-progress period may be finalized.
	FinalizeOpen []string
}

// Builder is the state builder.
type Builder struct {
	index    *membership.Index
	agg      *aggregation.Aggregator
	layout   *aggregation.Layout
	pipeline *indicator.Pipeline
	store    storage.StateStore
	log      *logger.Logger
	lineages *Lineages
	opts     Options
	newRunID func() string
	finalize map[string]bool
}

// New creates a Builder. Missing collaborators are configuration errors.
func New(opts Options) (*Builder, error) {
	if opts.Membership == nil || opts.Aggregator == nil || opts.Pipeline == nil || opts.Store == nil {
		return nil, domain.NewConfigurationError("builder needs membership, aggregator, pipeline and store")
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.StalenessThreshold < 0 {
		return nil, domain.NewConfigurationError("staleness threshold must be >= 0")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	finalize := make(map[string]bool, len(opts.FinalizeOpen))
	for _, name := range opts.FinalizeOpen {
		finalize[name] = true
	}

	return &Builder{
		index:    opts.Membership,
		agg:      opts.Aggregator,
		layout:   opts.Aggregator.Layout(),
		pipeline: opts.Pipeline,
		store:    opts.Store,
		log:      log,
		lineages: NewLineages(),
		opts:     opts,
		newRunID: uuid.NewString,
		finalize: finalize,
	}, nil
}

// Lineages exposes the lineage tracker.
func (b *Builder) Lineages() *Lineages {
	return b.lineages
}

// Layout returns the period layout used by the builder.
func (b *Builder) Layout() *aggregation.Layout {
	return b.layout
}

// ParseDurations resolves duration names against the base duration.
func (b *Builder) ParseDurations(names []string) (domain.Durations, error) {
	if len(names) == 0 {
		return nil, domain.NewConfigurationError("no durations requested")
	}
	ds, err := domain.ParseDurations(names, b.layout.Base())
	if err != nil {
		return nil, err
	}
	for i := range ds {
		ds[i].FinalizeOpen = b.finalize[ds[i].Name]
	}
	return ds, nil
}

// unit is one (instrument, duration) lineage to build over a set of periods.
type unit struct {
	series  storage.SeriesKey
	dur     domain.Duration
	periods []aggregation.Period
	skipped int
}

type unitResult struct {
	summary UnitSummary
	gaps    []Gap
	failure *UnitFailure
	deleted int64
}

// Build computes and persists States for every member instrument of universe,
// every duration and every period ending on a local date in [start, end].
//
// Configuration and membership integrity errors are fatal: they are returned
// before any State is written, alongside a report carrying the reason.
// Unit failures never abort sibling units and are only reported.
func (b *Builder) Build(ctx context.Context, universe domain.UniverseID, start, end time.Time, durations []string) (*BuildReport, error) {
	report := b.newReport(universe, start, end, durations)
	defer b.finish(report)

	ds, err := b.ParseDurations(durations)
	if err != nil {
		return report.fatal(err)
	}
	if end.Before(start) {
		return report.fatal(domain.NewConfigurationError("build end %s is before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly)))
	}

	snap, err := b.loadMembership(ctx, universe)
	if err != nil {
		return report.fatal(err)
	}

	units := b.planUnits(universe, snap, ds, start, end)
	b.log.Info("build planned",
		logger.String("run_id", report.RunID),
		logger.Int64("universe", int64(universe)),
		logger.String("durations", strings.Join(ds.Names(), ",")),
		logger.Int("units", len(units)),
	)

	results := b.runUnits(ctx, units)
	for _, r := range results {
		report.add(r)
	}
	return report, nil
}

// RebuildFrom recomputes one lineage from the earliest affected period_end
// forward. States with period_end >= from are deleted first, then every
// period through max(to, last previously stored period_end) is rebuilt, so
// a rebuild never leaves the lineage shorter than it was.
func (b *Builder) RebuildFrom(ctx context.Context, universe domain.UniverseID, instrument domain.InstrumentID, duration string, from, to time.Time) (*BuildReport, error) {
	report := b.newReport(universe, from, to, []string{duration})
	defer b.finish(report)

	ds, err := b.ParseDurations([]string{duration})
	if err != nil {
		return report.fatal(err)
	}
	d := ds[0]

	snap, err := b.loadMembership(ctx, universe)
	if err != nil {
		return report.fatal(err)
	}

	series := storage.SeriesKey{UniverseID: universe, InstrumentID: instrument, Duration: d.Name}
	b.lineages.Invalidate(series, from)

	rctx, cancel := context.WithTimeout(ctx, b.opts.ReadTimeout)
	existing, err := b.store.Range(rctx, series, from, farFuture)
	cancel()
	if err != nil {
		return report.fatal(&SourceUnavailableError{InstrumentID: instrument, Duration: d.Name, PeriodEnd: from, Op: "read states", Err: err})
	}
	if n := len(existing); n > 0 && existing[n-1].PeriodEnd.After(to) {
		to = existing[n-1].PeriodEnd
		report.End = to
	}

	wctx, cancel := context.WithTimeout(ctx, b.opts.ReadTimeout)
	deleted, err := b.store.DeleteFrom(wctx, series, from)
	cancel()
	if err != nil {
		return report.fatal(&SourceUnavailableError{InstrumentID: instrument, Duration: d.Name, PeriodEnd: from, Op: "delete states", Err: err})
	}

	u := unit{series: series, dur: d}
	for _, p := range b.layout.Periods(d, from, to) {
		if p.End.Before(from) {
			continue
		}
		if !snap.IsMember(instrument, p.End) {
			u.skipped++
			continue
		}
		u.periods = append(u.periods, p)
	}

	r := b.runUnit(ctx, u)
	r.deleted += deleted
	report.add(r)

	status := "ok"
	if r.failure != nil {
		status = "failed"
	}
	observability.RecordRebuild(status)
	b.log.Info("lineage rebuilt",
		logger.String("run_id", report.RunID),
		logger.Int64("instrument", int64(instrument)),
		logger.String("duration", d.Name),
		logger.Time("from", from),
		logger.Int64("deleted", r.deleted),
		logger.Int("written", r.summary.StatesWritten),
	)
	return report, nil
}

var farFuture = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// loadMembership runs the invariant check and loads the snapshot used for
// the whole build. It ignores caller cancellation: the check either
// completes or times out.
func (b *Builder) loadMembership(ctx context.Context, universe domain.UniverseID) (*membership.Snapshot, error) {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.ReadTimeout)
	defer cancel()

	snap, err := b.index.LoadChecked(mctx, universe)
	if err != nil {
		var ierr *membership.IntegrityError
		if errors.As(err, &ierr) {
			observability.RecordIntegrityFailure()
			return nil, err
		}
		return nil, &SourceUnavailableError{Op: "load membership", Err: err}
	}
	return snap, nil
}

// planUnits enumerates units and the periods each must compute. Membership
// is evaluated at every period_end.
func (b *Builder) planUnits(universe domain.UniverseID, snap *membership.Snapshot, ds domain.Durations, start, end time.Time) []unit {
	var units []unit
	for _, d := range ds {
		periods := b.layout.Periods(d, start, end)
		if len(periods) == 0 {
			continue
		}

		byInstrument := make(map[domain.InstrumentID]*unit)
		var order []domain.InstrumentID
		for _, p := range periods {
			for _, inst := range snap.MembersAt(p.End) {
				u, ok := byInstrument[inst]
				if !ok {
					u = &unit{series: storage.SeriesKey{UniverseID: universe, InstrumentID: inst, Duration: d.Name}, dur: d}
					byInstrument[inst] = u
					order = append(order, inst)
				}
				u.periods = append(u.periods, p)
			}
		}
		for _, inst := range order {
			u := byInstrument[inst]
			u.skipped = len(periods) - len(u.periods)
			units = append(units, *u)
		}
	}
	return units
}

// runUnits executes units with bounded concurrency. Results keep unit order.
func (b *Builder) runUnits(ctx context.Context, units []unit) []unitResult {
	results := make([]unitResult, len(units))
	var g errgroup.Group
	g.SetLimit(b.opts.Parallelism)
	for i := range units {
		g.Go(func() error {
			results[i] = b.runUnit(ctx, units[i])
			return nil
		})
	}
	_ = g.Wait() // unit errors are carried in results
	return results
}

// runUnit computes one lineage strictly in increasing period_end order.
func (b *Builder) runUnit(ctx context.Context, u unit) unitResult {
	res := unitResult{summary: UnitSummary{
		InstrumentID:     u.series.InstrumentID,
		Duration:         u.dur.Name,
		Periods:          len(u.periods),
		SkippedNotMember: u.skipped,
	}}
	log := b.log.With(
		logger.Int64("instrument", int64(u.series.InstrumentID)),
		logger.String("duration", u.dur.Name),
	)
	defer func() {
		status := "ok"
		if res.failure != nil {
			status = string(res.failure.Kind)
		}
		observability.RecordUnit(u.dur.Name, status, res.summary.StatesWritten, res.summary.Gaps)
		observability.RecordSkipped(u.skipped)
	}()
	if len(u.periods) == 0 {
		return res
	}

	var lastBuilt *time.Time
	fail := func(kind FailureKind, p aggregation.Period, err error) unitResult {
		res.summary.Failed = true
		res.failure = &UnitFailure{
			InstrumentID: u.series.InstrumentID,
			Duration:     u.dur.Name,
			Kind:         kind,
			PeriodEnd:    p.End,
			LastBuilt:    lastBuilt,
			Error:        err.Error(),
		}
		log.Warn("unit failed", logger.Time("period_end", p.End), logger.Err(err))

		// The readable lineage ends at LastBuilt.
		n, terr := b.truncate(ctx, u.series, p.End)
		if terr != nil {
			log.Error("truncate failed lineage", logger.Time("from", p.End), logger.Err(terr))
			res.failure.Error += "; truncate: " + terr.Error()
		}
		res.failure.Truncated = n
		res.deleted += n
		return res
	}

	unavailable := func(p aggregation.Period, op string, err error) error {
		return &SourceUnavailableError{
			InstrumentID: u.series.InstrumentID,
			Duration:     u.dur.Name,
			PeriodEnd:    p.End,
			Op:           op,
			Err:          err,
		}
	}

	need := b.pipeline.PriorNeeded()
	prior, err := b.priorStates(ctx, u.series, u.periods[0].End, need)
	if err != nil {
		return fail(FailureSourceUnavailable, u.periods[0], unavailable(u.periods[0], "read lookback", err))
	}
	prior = b.layout.Contiguous(u.dur, prior, u.periods[0])

	consecutiveGaps := 0
	for _, p := range u.periods {
		if err := ctx.Err(); err != nil {
			return fail(FailureSourceUnavailable, p, unavailable(p, "build", err))
		}
		b.lineages.Building(u.series, p.End)

		rctx, cancel := context.WithTimeout(ctx, b.opts.ReadTimeout)
		bar, err := b.agg.Aggregate(rctx, u.series.InstrumentID, u.dur, p.End)
		cancel()

		var inc *aggregation.IncompleteError
		switch {
		case errors.As(err, &inc):
			res.summary.Gaps++
			res.gaps = append(res.gaps, Gap{
				InstrumentID: u.series.InstrumentID,
				Duration:     u.dur.Name,
				PeriodEnd:    p.End,
				Open:         inc.Open,
				Reason:       inc.Error(),
			})
			if err := b.dropState(ctx, u.series.At(p.End)); err != nil {
				return fail(FailureSourceUnavailable, p, unavailable(p, "delete state", err))
			}
			if inc.Open {
				continue
			}
			consecutiveGaps++
			if b.opts.StalenessThreshold > 0 && consecutiveGaps > b.opts.StalenessThreshold {
				return fail(FailureStale, p, fmt.Errorf("%w: %d consecutive gaps", ErrStale, consecutiveGaps))
			}
			continue
		case err != nil:
			return fail(FailureSourceUnavailable, p, unavailable(p, "aggregate", err))
		}
		consecutiveGaps = 0

		// Windows never reach across a gap or a period the instrument was
		// not a member at.
		prior = b.layout.Contiguous(u.dur, prior, p)
		state := domain.NewState(u.series.UniverseID, bar)
		b.pipeline.Compute(state, prior)

		wctx, cancel := context.WithTimeout(ctx, b.opts.ReadTimeout)
		err = b.store.Upsert(wctx, state)
		cancel()
		if err != nil {
			return fail(FailureSourceUnavailable, p, unavailable(p, "write state", err))
		}

		b.lineages.Built(u.series, p.End)
		end := p.End
		lastBuilt = &end
		res.summary.StatesWritten++

		prior = append(prior, state)
		if len(prior) > need {
			prior = prior[len(prior)-need:]
		}
	}

	log.Debug("unit built",
		logger.Int("written", res.summary.StatesWritten),
		logger.Int("gaps", res.summary.Gaps),
	)
	return res
}

func (b *Builder) priorStates(ctx context.Context, series storage.SeriesKey, before time.Time, n int) ([]*domain.State, error) {
	if n == 0 {
		return nil, nil
	}
	rctx, cancel := context.WithTimeout(ctx, b.opts.ReadTimeout)
	defer cancel()
	return b.store.Before(rctx, series, before, n)
}

// truncate deletes every State of series at or after from. It outlives
// caller cancellation so a cancelled unit still ends at its last built period.
func (b *Builder) truncate(ctx context.Context, series storage.SeriesKey, from time.Time) (int64, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.ReadTimeout)
	defer cancel()
	return b.store.DeleteFrom(wctx, series, from)
}

// dropState removes a State whose period can no longer be aggregated.
func (b *Builder) dropState(ctx context.Context, key storage.StateKey) error {
	wctx, cancel := context.WithTimeout(ctx, b.opts.ReadTimeout)
	defer cancel()
	return b.store.Delete(wctx, key)
}

func (b *Builder) newReport(universe domain.UniverseID, start, end time.Time, durations []string) *BuildReport {
	return &BuildReport{
		RunID:      b.newRunID(),
		UniverseID: universe,
		Start:      start,
		End:        end,
		Durations:  durations,
		StartedAt:  b.agg.Now(),
	}
}

func (b *Builder) finish(r *BuildReport) {
	r.FinishedAt = b.agg.Now()
	observability.RecordBuild(r.Status(), r.Elapsed().Seconds())
	if r.OK() {
		observability.MarkBuildSucceeded(float64(r.FinishedAt.Unix()))
	}

	fields := []logger.Field{
		logger.String("run_id", r.RunID),
		logger.Int64("universe", int64(r.UniverseID)),
		logger.String("status", r.Status()),
		logger.Int("states_written", r.StatesWritten),
		logger.Int("gaps", len(r.Gaps)),
		logger.Int("failures", len(r.Failures)),
		logger.Duration("elapsed", r.Elapsed()),
	}
	if r.Fatal != "" {
		b.log.Error("build refused", append(fields, logger.String("reason", r.Fatal))...)
		return
	}
	b.log.Info("build finished", fields...)
}

func (r *BuildReport) fatal(err error) (*BuildReport, error) {
	r.Fatal = err.Error()
	return r, err
}
