package builder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"universe-state/internal/aggregation"
	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// ErrNotFound is returned by Inspect when no State exists for the key.
// It also matches storage.ErrNotFound.
var ErrNotFound = fmt.Errorf("state %w", storage.ErrNotFound)

// ErrUnknownField is returned when a requested field is neither a raw field
// nor an indicator of the pipeline.
var ErrUnknownField = errors.New("unknown field")

// Inspection is a projection of one State onto the requested fields.
// Values may hold Undefined entries, which are distinct from NotFound.
type Inspection struct {
	Key         storage.StateKey
	PeriodStart time.Time
	Status      domain.BarStatus
	Fields      []string
	Values      map[string]domain.Value
}

// InspectRow is one period of an InspectRange answer.
type InspectRow struct {
	PeriodEnd time.Time
	Found     bool
	*Inspection
}

// ResolveFields validates requested names; an empty request selects the raw
// fields followed by every indicator in pipeline order.
func (b *Builder) ResolveFields(fields []string) ([]string, error) {
	if len(fields) == 0 {
		return append(append([]string(nil), domain.RawFields...), b.pipeline.Names()...), nil
	}
	var unknown []string
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !domain.IsRawField(f) && !b.pipeline.Has(f) {
			unknown = append(unknown, f)
			continue
		}
		out = append(out, f)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, strings.Join(unknown, ", "))
	}
	return out, nil
}

// ResolvePeriod picks the period of d addressed by at: the period ending
// exactly at at, else the period containing at, else the last period ending
// on the local date of at.
func (b *Builder) ResolvePeriod(d domain.Duration, at time.Time) (aggregation.Period, bool) {
	if p, err := b.layout.PeriodFor(d, at); err == nil {
		return p, true
	}
	if p, ok := b.layout.PeriodContaining(d, at); ok {
		return p, true
	}
	periods := b.layout.Periods(d, at, at)
	if len(periods) == 0 {
		return aggregation.Period{}, false
	}
	return periods[len(periods)-1], true
}

// Inspect returns the requested fields of one State. It returns ErrNotFound
// when no State exists; a found State may still report Undefined values.
func (b *Builder) Inspect(ctx context.Context, universe domain.UniverseID, instrument domain.InstrumentID, at time.Time, duration string, fields []string) (*Inspection, error) {
	ds, err := b.ParseDurations([]string{duration})
	if err != nil {
		return nil, err
	}
	names, err := b.ResolveFields(fields)
	if err != nil {
		return nil, err
	}

	p, ok := b.ResolvePeriod(ds[0], at)
	if !ok {
		return nil, fmt.Errorf("%w: no %s period at %s", ErrNotFound, duration, at.Format(time.RFC3339))
	}
	key := storage.StateKey{UniverseID: universe, InstrumentID: instrument, Duration: ds[0].Name, PeriodEnd: p.End}

	rctx, cancel := context.WithTimeout(ctx, b.opts.ReadTimeout)
	defer cancel()
	st, err := b.store.Get(rctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: instrument %d %s at %s", ErrNotFound, instrument, ds[0].Name, p.End.Format(time.RFC3339))
	}
	if err != nil {
		return nil, fmt.Errorf("inspect instrument %d %s: %w", instrument, ds[0].Name, err)
	}
	return project(st, names), nil
}

// InspectRange returns one row per period of duration ending in [start, end],
// with Found=false for periods that have no State.
func (b *Builder) InspectRange(ctx context.Context, universe domain.UniverseID, instrument domain.InstrumentID, duration string, start, end time.Time, fields []string) ([]InspectRow, error) {
	ds, err := b.ParseDurations([]string{duration})
	if err != nil {
		return nil, err
	}
	names, err := b.ResolveFields(fields)
	if err != nil {
		return nil, err
	}

	periods := b.layout.Periods(ds[0], start, end)
	if len(periods) == 0 {
		return nil, nil
	}
	series := storage.SeriesKey{UniverseID: universe, InstrumentID: instrument, Duration: ds[0].Name}

	rctx, cancel := context.WithTimeout(ctx, b.opts.ReadTimeout)
	defer cancel()
	states, err := b.store.Range(rctx, series, periods[0].End, periods[len(periods)-1].End)
	if err != nil {
		return nil, fmt.Errorf("inspect range instrument %d %s: %w", instrument, ds[0].Name, err)
	}

	byEnd := make(map[int64]*domain.State, len(states))
	for _, st := range states {
		byEnd[st.PeriodEnd.UnixNano()] = st
	}
	rows := make([]InspectRow, 0, len(periods))
	for _, p := range periods {
		row := InspectRow{PeriodEnd: p.End}
		if st, ok := byEnd[p.End.UnixNano()]; ok {
			row.Found = true
			row.Inspection = project(st, names)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func project(st *domain.State, names []string) *Inspection {
	values, _ := st.Select(names)
	// Pipeline indicators missing from an older State read as Undefined.
	for _, n := range names {
		if _, ok := values[n]; !ok {
			values[n] = domain.Undefined()
		}
	}
	return &Inspection{
		Key:         storage.KeyOf(st),
		PeriodStart: st.PeriodStart,
		Status:      st.Status,
		Fields:      names,
		Values:      values,
	}
}
