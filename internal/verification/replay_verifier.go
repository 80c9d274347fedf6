package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"universe-state/internal/aggregation"
	"universe-state/internal/domain"
	"universe-state/internal/idhash"
	"universe-state/internal/indicator"
	"universe-state/internal/logger"
	"universe-state/internal/membership"
	"universe-state/internal/storage"
)

// ReplayVerifier implements Verifier by recomputing States in memory.
// It never writes to the store.
type ReplayVerifier struct {
	index       *membership.Index
	agg         *aggregation.Aggregator
	pipeline    *indicator.Pipeline
	store       storage.StateStore
	log         *logger.Logger
	readTimeout time.Duration
	finalize    map[string]bool
}

// ReplayVerifierOptions contains configuration for creating a ReplayVerifier.
type ReplayVerifierOptions struct {
	Membership   *membership.Index
	Aggregator   *aggregation.Aggregator
	Pipeline     *indicator.Pipeline
	Store        storage.StateStore
	Logger       *logger.Logger
	ReadTimeout  time.Duration
	FinalizeOpen []string
}

// NewReplayVerifier creates a new ReplayVerifier.
func NewReplayVerifier(opts ReplayVerifierOptions) (*ReplayVerifier, error) {
	if opts.Membership == nil || opts.Aggregator == nil || opts.Pipeline == nil || opts.Store == nil {
		return nil, domain.NewConfigurationError("verifier needs membership, aggregator, pipeline and store")
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	finalize := make(map[string]bool, len(opts.FinalizeOpen))
	for _, n := range opts.FinalizeOpen {
		finalize[n] = true
	}
	return &ReplayVerifier{
		index:       opts.Membership,
		agg:         opts.Aggregator,
		pipeline:    opts.Pipeline,
		store:       opts.Store,
		log:         log,
		readTimeout: opts.ReadTimeout,
		finalize:    finalize,
	}, nil
}

// VerifyLineage verifies a single lineage by replaying it.
func (v *ReplayVerifier) VerifyLineage(ctx context.Context, universe domain.UniverseID, instrument domain.InstrumentID, duration string, start, end time.Time) (*LineageResult, error) {
	ds, err := v.durations([]string{duration})
	if err != nil {
		return nil, err
	}
	snap, err := v.snapshot(ctx, universe)
	if err != nil {
		return nil, err
	}
	series := storage.SeriesKey{UniverseID: universe, InstrumentID: instrument, Duration: ds[0].Name}
	res, err := v.verify(ctx, snap, series, ds[0], start, end)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// VerifyUniverse verifies every lineage of instruments that were members at
// any point of the range. Replay errors are recorded per lineage.
func (v *ReplayVerifier) VerifyUniverse(ctx context.Context, universe domain.UniverseID, start, end time.Time, durations []string) (*VerificationReport, error) {
	ds, err := v.durations(durations)
	if err != nil {
		return nil, err
	}
	snap, err := v.snapshot(ctx, universe)
	if err != nil {
		return nil, err
	}

	report := &VerificationReport{UniverseID: universe, Start: start, End: end}
	layout := v.agg.Layout()
	for _, d := range ds {
		periods := layout.Periods(d, start, end)
		if len(periods) == 0 {
			continue
		}
		members := snap.MembersDuring(periods[0].Start, periods[len(periods)-1].End.Add(time.Nanosecond))
		for _, inst := range members {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			series := storage.SeriesKey{UniverseID: universe, InstrumentID: inst, Duration: d.Name}
			res, err := v.verify(ctx, snap, series, d, start, end)
			if err != nil {
				res = &LineageResult{Series: series, Error: err.Error()}
			}
			report.add(*res)
		}
	}

	v.log.Info("verification finished",
		logger.Int64("universe", int64(universe)),
		logger.Int("lineages", report.TotalLineages),
		logger.Int("matched", report.MatchedLineages),
		logger.Int("divergent_periods", report.DivergentPeriods),
	)
	return report, nil
}

// verify replays one lineage and compares it period by period.
func (v *ReplayVerifier) verify(ctx context.Context, snap *membership.Snapshot, series storage.SeriesKey, d domain.Duration, start, end time.Time) (*LineageResult, error) {
	res := &LineageResult{Series: series}
	periods := v.agg.Layout().Periods(d, start, end)
	if len(periods) == 0 {
		return res, nil
	}

	rctx, cancel := context.WithTimeout(ctx, v.readTimeout)
	stored, err := v.store.Range(rctx, series, periods[0].End, periods[len(periods)-1].End)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("read stored states: %w", err)
	}
	storedByEnd := make(map[int64]*domain.State, len(stored))
	for _, st := range stored {
		storedByEnd[st.PeriodEnd.UnixNano()] = st
	}

	// Seed recursion from the stored history preceding the range.
	need := v.pipeline.PriorNeeded()
	var prior []*domain.State
	if need > 0 {
		rctx, cancel := context.WithTimeout(ctx, v.readTimeout)
		prior, err = v.store.Before(rctx, series, periods[0].End, need)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("read lookback: %w", err)
		}
	}

	var replayed []*domain.State
	for _, p := range periods {
		var want *domain.State
		reason := ""
		if !snap.IsMember(series.InstrumentID, p.End) {
			reason = "not a member at period_end"
		} else {
			rctx, cancel := context.WithTimeout(ctx, v.readTimeout)
			bar, err := v.agg.Aggregate(rctx, series.InstrumentID, d, p.End)
			cancel()
			var inc *aggregation.IncompleteError
			switch {
			case errors.As(err, &inc):
				reason = inc.Error()
			case err != nil:
				return nil, fmt.Errorf("replay %s: %w", p, err)
			default:
				prior = v.agg.Layout().Contiguous(d, prior, p)
				want = domain.NewState(series.UniverseID, bar)
				v.pipeline.Compute(want, prior)
				prior = append(prior, want)
				if len(prior) > need {
					prior = prior[len(prior)-need:]
				}
				replayed = append(replayed, want)
			}
		}

		got := storedByEnd[p.End.UnixNano()]
		switch {
		case got == nil && want == nil:
			continue
		case got == nil:
			res.Checked++
			res.Divergences = append(res.Divergences, PeriodDivergence{PeriodEnd: p.End, Kind: KindMissing})
		case want == nil:
			res.Checked++
			res.Divergences = append(res.Divergences, PeriodDivergence{PeriodEnd: p.End, Kind: KindUnexpected, Reason: reason})
		default:
			res.Checked++
			if fields := CompareStates(got, want); len(fields) > 0 {
				res.Divergences = append(res.Divergences, PeriodDivergence{PeriodEnd: p.End, Kind: KindMismatch, Fields: fields})
				continue
			}
			res.Matched++
		}
	}

	res.StoredDigest = idhash.LineageDigest(stored)
	res.ReplayedDigest = idhash.LineageDigest(replayed)
	return res, nil
}

func (v *ReplayVerifier) durations(names []string) (domain.Durations, error) {
	if len(names) == 0 {
		return nil, domain.NewConfigurationError("no durations requested")
	}
	ds, err := domain.ParseDurations(names, v.agg.Layout().Base())
	if err != nil {
		return nil, err
	}
	for i := range ds {
		ds[i].FinalizeOpen = v.finalize[ds[i].Name]
	}
	return ds, nil
}

func (v *ReplayVerifier) snapshot(ctx context.Context, universe domain.UniverseID) (*membership.Snapshot, error) {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.readTimeout)
	defer cancel()
	return v.index.LoadChecked(mctx, universe)
}

var _ Verifier = (*ReplayVerifier)(nil)
