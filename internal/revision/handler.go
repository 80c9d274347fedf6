package revision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"universe-state/internal/builder"
	"universe-state/internal/domain"
	"universe-state/internal/logger"
	"universe-state/internal/observability"
	"universe-state/internal/storage"
)

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Builder    *builder.Builder
	Membership storage.MembershipSource
	// Bars receives the revised bars. Nil when bars are written upstream.
	Bars storage.BarStore
	// Universes and Durations are the lineages kept up to date.
	Universes []domain.UniverseID
	Durations []string
	Logger    *logger.Logger
	Clock     func() time.Time
}

// Handler turns revision events into partial rebuilds.
type Handler struct {
	opts      HandlerOptions
	durations domain.Durations
	log       *logger.Logger
}

// NewHandler validates options. Unknown durations are configuration errors.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Builder == nil || opts.Membership == nil {
		return nil, domain.NewConfigurationError("revision handler needs a builder and a membership source")
	}
	if len(opts.Universes) == 0 {
		return nil, domain.NewConfigurationError("revision handler needs at least one universe")
	}
	ds, err := opts.Builder.ParseDurations(opts.Durations)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Handler{opts: opts, durations: ds, log: opts.Logger}, nil
}

// Result lists the rebuilds one event caused.
type Result struct {
	Reports []*builder.BuildReport
}

// Failed reports whether any rebuild did not finish cleanly.
func (r *Result) Failed() bool {
	for _, rep := range r.Reports {
		if !rep.OK() {
			return true
		}
	}
	return false
}

// Handle decodes and applies one message.
func (h *Handler) Handle(ctx context.Context, data []byte) error {
	ev, err := Decode(data)
	if err != nil {
		observability.RecordRevision("invalid")
		return err
	}
	res, err := h.Apply(ctx, ev)
	switch {
	case err != nil:
		observability.RecordRevision("failed")
		return err
	case res.Failed():
		observability.RecordRevision("failed")
		return fmt.Errorf("rebuild after revision of instrument %d had failures", ev.InstrumentID)
	}
	observability.RecordRevision("applied")
	return nil
}

// Apply stores the revised bars and rebuilds every lineage of the
// instrument whose universe it has ever belonged to, starting at the
// period containing the earliest revised bar.
func (h *Handler) Apply(ctx context.Context, ev *Event) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	base := h.opts.Builder.Layout().Base()
	ev.stamp(base.Name, h.opts.Clock())

	if h.opts.Bars != nil {
		if err := h.opts.Bars.UpsertBars(ctx, ev.Bars); err != nil {
			return nil, fmt.Errorf("store revised bars: %w", err)
		}
	}

	universes := h.opts.Universes
	if len(ev.Universes) > 0 {
		universes = ev.Universes
	}
	earliest := ev.Earliest()

	res := &Result{}
	var errs []error
	for _, u := range universes {
		intervals, err := h.opts.Membership.IntervalsFor(ctx, u, ev.InstrumentID)
		if err != nil {
			errs = append(errs, fmt.Errorf("universe %d membership: %w", u, err))
			continue
		}
		if len(intervals) == 0 {
			continue
		}
		for _, d := range h.durations {
			p, ok := h.opts.Builder.ResolvePeriod(d, earliest)
			if !ok {
				continue
			}
			report, err := h.opts.Builder.RebuildFrom(ctx, u, ev.InstrumentID, d.Name, p.End, p.End)
			if report != nil {
				res.Reports = append(res.Reports, report)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("rebuild universe %d %s: %w", u, d.Name, err))
			}
		}
	}

	h.log.Info("revision applied",
		logger.Int64("instrument", int64(ev.InstrumentID)),
		logger.Int("bars", len(ev.Bars)),
		logger.Time("earliest", earliest),
		logger.Int("rebuilds", len(res.Reports)),
	)
	return res, errors.Join(errs...)
}
