package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"universe-state/internal/builder"
	"universe-state/internal/calendar"
	"universe-state/internal/domain"
	"universe-state/internal/logger"
	"universe-state/internal/reporting"
	"universe-state/internal/revision"
	"universe-state/internal/scheduler"
	"universe-state/internal/verification"
)

// errUsage marks a bad flag combination.
var errUsage = errors.New("usage")

func usageErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// defaultInspectFields are the fields inspect prints without -fields.
const defaultInspectFields = "low,high,close,volume,adv,pldot,etop,ebot"

func (a *app) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

// rangeFlags are the flags shared by the date-range actions.
type rangeFlags struct {
	start    *string
	end      *string
	universe *int64
	mode     *string
}

func addRangeFlags(fs *flag.FlagSet, a *app, startName string) rangeFlags {
	return rangeFlags{
		start:    fs.String(startName, "", "First date, YYYY-MM-DD (required)"),
		end:      fs.String("end", "", "Last date, YYYY-MM-DD (defaults to the first date)"),
		universe: fs.Int64("universe", a.cfg.Engine.UniverseID, "Universe ID"),
		mode:     fs.String("mode", string(reporting.ModePrint), "Output mode: print, csv or markdown"),
	}
}

// parsed resolves the range in the calendar timezone.
func (r rangeFlags) parsed(cal *calendar.Calendar, startName string) (start, end time.Time, mode reporting.Mode, err error) {
	if *r.start == "" {
		return start, end, mode, usageErr("-%s is required", startName)
	}
	if start, err = cal.ParseDate(*r.start); err != nil {
		return start, end, mode, usageErr("-%s: %v", startName, err)
	}
	end = start
	if *r.end != "" {
		if end, err = cal.ParseDate(*r.end); err != nil {
			return start, end, mode, usageErr("-end: %v", err)
		}
	}
	if end.Before(start) {
		return start, end, mode, usageErr("-end %s is before -%s %s", *r.end, startName, *r.start)
	}
	if mode, err = reporting.ParseMode(*r.mode); err != nil {
		return start, end, mode, usageErr("%v", err)
	}
	return start, end, mode, nil
}

// open connects the stores and assembles the engine. The returned func
// closes the stores.
func (a *app) open(ctx context.Context) (*stores, *engine, func(), error) {
	st, err := openStores(ctx, a.cfg, a.log)
	if err != nil {
		return nil, nil, nil, err
	}
	e, err := newEngine(a.cfg, st, a.log)
	if err != nil {
		st.close()
		return nil, nil, nil, err
	}
	return st, e, st.close, nil
}

func runBuild(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("build")
	rf := addRangeFlags(fs, a, "start")
	durations := fs.String("durations", "", "Comma-separated durations (defaults to engine.target_durations)")
	savedDir := fs.String("saved-dir", "", "Override engine.saved_dir for the sqlite backend")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *savedDir != "" {
		a.cfg.Engine.SavedDir = *savedDir
	}
	ds := splitList(*durations)
	if len(ds) == 0 {
		ds = a.cfg.Engine.TargetDurations
	}

	_, e, closeStores, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStores()

	start, end, mode, err := rf.parsed(e.cal, "start")
	if err != nil {
		return err
	}
	report, err := e.builder.Build(ctx, domain.UniverseID(*rf.universe), start, end, ds)
	if report != nil {
		if rerr := reporting.RenderBuild(a.out, mode, report); rerr != nil {
			return rerr
		}
	}
	if err != nil {
		return err
	}
	if !report.OK() {
		return errFailed
	}
	return nil
}

func runInspect(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("inspect")
	rf := addRangeFlags(fs, a, "start")
	inf := addInstrumentFlags(fs, "Instrument ID (this or -symbol is required)")
	duration := fs.String("duration", a.cfg.Engine.TargetDurations[0], "Duration of the lineage")
	fields := fs.String("fields", defaultInspectFields, "Comma-separated fields; empty selects every field")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if !inf.given() {
		return usageErr("-instrument or -symbol is required")
	}
	if err := inf.check(); err != nil {
		return err
	}

	st, e, closeStores, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStores()

	start, end, mode, err := rf.parsed(e.cal, "start")
	if err != nil {
		return err
	}
	instrument, err := inf.resolve(ctx, st.instruments, e.cal.SessionClose(start), a.cfg.Engine.ReadTimeout, a.log)
	if err != nil {
		return err
	}
	table, err := reporting.NewGenerator(e.builder).Inspect(ctx, reporting.InspectRequest{
		UniverseID:   domain.UniverseID(*rf.universe),
		InstrumentID: instrument,
		Duration:     *duration,
		Start:        start,
		End:          end,
		Fields:       splitList(*fields),
	})
	if err != nil {
		return err
	}
	if err := reporting.RenderInspect(a.out, mode, table); err != nil {
		return err
	}
	if table.Found() == 0 {
		return fmt.Errorf("instrument %d %s: %w", instrument, *duration, builder.ErrNotFound)
	}
	return nil
}

func runVerify(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("verify")
	rf := addRangeFlags(fs, a, "start")
	inf := addInstrumentFlags(fs, "Instrument ID; without it or -symbol every member of the universe is verified")
	duration := fs.String("duration", "", "Duration; empty verifies every target duration")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := inf.check(); err != nil {
		return err
	}

	st, e, closeStores, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStores()

	start, end, mode, err := rf.parsed(e.cal, "start")
	if err != nil {
		return err
	}
	universe := domain.UniverseID(*rf.universe)

	var report *verification.VerificationReport
	if inf.given() {
		instrument, err := inf.resolve(ctx, st.instruments, e.cal.SessionClose(start), a.cfg.Engine.ReadTimeout, a.log)
		if err != nil {
			return err
		}
		d := *duration
		if d == "" {
			d = a.cfg.Engine.TargetDurations[0]
		}
		res, err := e.verifier.VerifyLineage(ctx, universe, instrument, d, start, end)
		if err != nil {
			return err
		}
		report = singleLineageReport(universe, start, end, res)
	} else {
		ds := splitList(*duration)
		if len(ds) == 0 {
			ds = a.cfg.Engine.TargetDurations
		}
		if report, err = e.verifier.VerifyUniverse(ctx, universe, start, end, ds); err != nil {
			return err
		}
	}

	if err := reporting.RenderVerification(a.out, mode, report); err != nil {
		return err
	}
	if !report.OK() {
		return errFailed
	}
	return nil
}

func singleLineageReport(universe domain.UniverseID, start, end time.Time, res *verification.LineageResult) *verification.VerificationReport {
	r := &verification.VerificationReport{
		UniverseID:       universe,
		Start:            start,
		End:              end,
		TotalLineages:    1,
		DivergentPeriods: len(res.Divergences),
		Results:          []verification.LineageResult{*res},
	}
	if res.Match() {
		r.MatchedLineages = 1
	}
	return r
}

func runRebuild(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("rebuild")
	rf := addRangeFlags(fs, a, "from")
	inf := addInstrumentFlags(fs, "Instrument ID (this or -symbol is required)")
	duration := fs.String("duration", "", "Duration of the lineage (required)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if !inf.given() || *duration == "" {
		return usageErr("-instrument (or -symbol) and -duration are required")
	}
	if err := inf.check(); err != nil {
		return err
	}

	st, e, closeStores, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStores()

	from, end, mode, err := rf.parsed(e.cal, "from")
	if err != nil {
		return err
	}
	instrument, err := inf.resolve(ctx, st.instruments, e.cal.SessionClose(from), a.cfg.Engine.ReadTimeout, a.log)
	if err != nil {
		return err
	}
	report, err := e.builder.RebuildFrom(ctx, domain.UniverseID(*rf.universe), instrument, *duration, from, end)
	if report != nil {
		if rerr := reporting.RenderBuild(a.out, mode, report); rerr != nil {
			return rerr
		}
	}
	if err != nil {
		return err
	}
	if !report.OK() {
		return errFailed
	}
	return nil
}

func runSchedule(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("schedule")
	runNow := fs.Bool("run-now", false, "Run one incremental build before waiting for the schedule")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	st, e, closeStores, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStores()

	start, ok, err := a.cfg.ScheduleStart(e.cal)
	if err != nil {
		return err
	}
	if !ok {
		start = e.cal.Date(time.Now())
	}

	s, err := scheduler.New(scheduler.Options{
		Builder:     e.builder,
		Checkpoints: st.checkpoints,
		Universes:   a.cfg.AllUniverses(),
		Durations:   a.cfg.Engine.TargetDurations,
		Start:       start,
		Timeout:     a.cfg.Schedule.Timeout,
		Logger:      a.log.With(logger.String("component", "scheduler")),
	})
	if err != nil {
		return err
	}
	if err := s.Register(a.cfg.Schedule.Cron); err != nil {
		return err
	}

	if *runNow {
		if _, err := s.RunOnce(ctx); err != nil {
			a.log.Error("initial build failed", logger.Err(err))
		}
	}
	s.Start()
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

func runConsumeRevisions(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("consume-revisions")
	writeBars := fs.Bool("write-bars", true, "Store revised bars in the bar source before rebuilding")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := a.cfg.RequireKafka(); err != nil {
		return err
	}

	st, e, closeStores, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeStores()

	opts := revision.HandlerOptions{
		Builder:    e.builder,
		Membership: st.membership,
		Universes:  a.cfg.AllUniverses(),
		Durations:  a.cfg.Engine.TargetDurations,
		Logger:     a.log.With(logger.String("component", "revision")),
	}
	if *writeBars {
		opts.Bars = st.bars
	}
	h, err := revision.NewHandler(opts)
	if err != nil {
		return err
	}
	c, err := revision.NewConsumer(a.cfg.Kafka, h, a.log.With(logger.String("component", "consumer")))
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runPublishRevision(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("publish-revision")
	barsPath := fs.String("bars", "", "JSON file holding an array of revised base bars (required)")
	inf := addInstrumentFlags(fs, "Instrument ID of the bars (this or -symbol is required)")
	universes := fs.String("universes", "", "Comma-separated universe IDs to rebuild; empty rebuilds every configured universe")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *barsPath == "" || !inf.given() {
		return usageErr("-bars and -instrument (or -symbol) are required")
	}
	if err := inf.check(); err != nil {
		return err
	}
	scope, err := parseUniverses(*universes)
	if err != nil {
		return err
	}
	bars, err := readRevisionBars(*barsPath)
	if err != nil {
		return err
	}
	if err := a.cfg.RequireKafka(); err != nil {
		return err
	}

	instrument := domain.InstrumentID(*inf.id)
	if *inf.symbol != "" {
		st, err := openStores(ctx, a.cfg, a.log)
		if err != nil {
			return err
		}
		defer st.close()
		earliest := bars[0].PeriodEnd
		for _, b := range bars[1:] {
			if b.PeriodEnd.Before(earliest) {
				earliest = b.PeriodEnd
			}
		}
		if instrument, err = inf.resolve(ctx, st.instruments, earliest, a.cfg.Engine.ReadTimeout, a.log); err != nil {
			return err
		}
	}

	ev, err := revisionEvent(instrument, bars, scope, time.Now())
	if err != nil {
		return usageErr("%v", err)
	}
	p, err := revision.NewPublisher(a.cfg.Kafka)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Publish(ctx, ev); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "published %d bars of instrument %d to %s\n", len(ev.Bars), ev.InstrumentID, p.Topic())
	return nil
}
