// Package scheduler runs incremental builds on a cron schedule, resuming
// each universe from its stored build checkpoint.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"universe-state/internal/builder"
	"universe-state/internal/domain"
	"universe-state/internal/logger"
	"universe-state/internal/storage"
)

// Options configures a Scheduler.
type Options struct {
	Builder     *builder.Builder
	Checkpoints storage.CheckpointStore
	Universes   []domain.UniverseID
	Durations   []string
	// Start is the first date built for a universe without a checkpoint.
	Start time.Time
	// Timeout bounds one scheduled run. Zero means no bound.
	Timeout time.Duration
	Clock   func() time.Time
	Logger  *logger.Logger
}

// Scheduler owns a cron instance whose jobs call RunOnce.
type Scheduler struct {
	opts Options
	cron *cron.Cron
	log  *logger.Logger

	mu sync.Mutex // serializes RunOnce
}

// New validates options and parses durations up front.
func New(opts Options) (*Scheduler, error) {
	if opts.Builder == nil || opts.Checkpoints == nil {
		return nil, domain.NewConfigurationError("scheduler needs a builder and a checkpoint store")
	}
	if len(opts.Universes) == 0 {
		return nil, domain.NewConfigurationError("scheduler needs at least one universe")
	}
	if opts.Start.IsZero() {
		return nil, domain.NewConfigurationError("scheduler needs a start date")
	}
	if _, err := opts.Builder.ParseDurations(opts.Durations); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	loc := opts.Builder.Layout().Calendar().Location()
	s := &Scheduler{opts: opts, log: opts.Logger}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	return s, nil
}

// Register adds a cron job. spec is a standard five-field expression
// evaluated in the calendar timezone.
func (s *Scheduler) Register(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		if s.opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
			defer cancel()
		}
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Error("scheduled build failed", logger.Err(err))
		}
	})
	if err != nil {
		return domain.NewConfigurationError("invalid schedule %q: %v", spec, err)
	}
	return nil
}

// Start starts the cron scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", logger.Int("jobs", len(s.cron.Entries())))
}

// Stop stops scheduling and waits for a running job to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled build: %w", ctx.Err())
	}
}

// RunOnce builds every universe from its checkpoint through today and
// advances the checkpoint of each universe whose build had no failures.
// The next run restarts at the checkpoint date so a period that was still
// open gets rebuilt.
func (s *Scheduler) RunOnce(ctx context.Context) ([]*builder.BuildReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cal := s.opts.Builder.Layout().Calendar()
	today := cal.Date(s.opts.Clock())

	var reports []*builder.BuildReport
	var errs []error
	for _, u := range s.opts.Universes {
		from, err := s.resumeDate(ctx, u)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if from.After(today) {
			continue
		}

		report, err := s.opts.Builder.Build(ctx, u, from, today, s.opts.Durations)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("universe %d: %w", u, err))
			continue
		}
		if !report.OK() {
			s.log.Warn("checkpoint held back",
				logger.Int64("universe", int64(u)),
				logger.String("run_id", report.RunID),
				logger.Int("failures", len(report.Failures)),
			)
			continue
		}

		cp := &storage.BuildCheckpoint{UniverseID: u, BuiltUntil: today, RunID: report.RunID}
		if err := s.opts.Checkpoints.SetCheckpoint(ctx, cp); err != nil {
			errs = append(errs, fmt.Errorf("universe %d checkpoint: %w", u, err))
			continue
		}
		s.log.Info("incremental build done",
			logger.Int64("universe", int64(u)),
			logger.Time("from", from),
			logger.Time("until", today),
			logger.Int("states_written", report.StatesWritten),
		)
	}
	return reports, errors.Join(errs...)
}

func (s *Scheduler) resumeDate(ctx context.Context, u domain.UniverseID) (time.Time, error) {
	cal := s.opts.Builder.Layout().Calendar()
	cp, err := s.opts.Checkpoints.GetCheckpoint(ctx, u)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return cal.Date(s.opts.Start), nil
	case err != nil:
		return time.Time{}, fmt.Errorf("universe %d checkpoint: %w", u, err)
	}
	return cal.Date(cp.BuiltUntil), nil
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kv(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kv(keysAndValues), logger.Err(err))...)
}

func kv(keysAndValues []interface{}) []logger.Field {
	var fields []logger.Field
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, logger.Any(key, keysAndValues[i+1]))
	}
	return fields
}
