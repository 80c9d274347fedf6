package main

import (
	"universe-state/internal/aggregation"
	"universe-state/internal/builder"
	"universe-state/internal/calendar"
	"universe-state/internal/config"
	"universe-state/internal/domain"
	"universe-state/internal/indicator"
	"universe-state/internal/logger"
	"universe-state/internal/membership"
	"universe-state/internal/verification"
)

// engine holds the collaborators every action shares.
type engine struct {
	cal      *calendar.Calendar
	builder  *builder.Builder
	verifier *verification.ReplayVerifier
}

// newEngine assembles calendar, aggregator, pipeline, builder and verifier
// from config. The engine never reads the environment itself.
func newEngine(cfg *config.Config, st *stores, log *logger.Logger) (*engine, error) {
	cal, err := calendar.New(cfg.Calendar)
	if err != nil {
		return nil, err
	}
	base, err := domain.ParseBaseDuration(cfg.Engine.BaseDuration)
	if err != nil {
		return nil, err
	}
	agg := aggregation.NewAggregator(st.bars, aggregation.NewLayout(cal, base))
	pipeline, err := indicator.DefaultPipeline(cfg.Engine.ADVPeriod, cfg.Engine.EMAPeriod)
	if err != nil {
		return nil, err
	}
	index := membership.NewIndex(st.membership)

	b, err := builder.New(builder.Options{
		Membership:         index,
		Aggregator:         agg,
		Pipeline:           pipeline,
		Store:              st.states,
		Logger:             log.With(logger.String("component", "builder")),
		Parallelism:        cfg.Engine.Parallelism,
		ReadTimeout:        cfg.Engine.ReadTimeout,
		StalenessThreshold: cfg.Engine.StalenessThreshold,
		FinalizeOpen:       cfg.Engine.FinalizeOpen,
	})
	if err != nil {
		return nil, err
	}

	v, err := verification.NewReplayVerifier(verification.ReplayVerifierOptions{
		Membership:   index,
		Aggregator:   agg,
		Pipeline:     pipeline,
		Store:        st.states,
		Logger:       log.With(logger.String("component", "verifier")),
		ReadTimeout:  cfg.Engine.ReadTimeout,
		FinalizeOpen: cfg.Engine.FinalizeOpen,
	})
	if err != nil {
		return nil, err
	}
	return &engine{cal: cal, builder: b, verifier: v}, nil
}
