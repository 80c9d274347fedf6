package reporting

import (
	"context"
	"time"

	"universe-state/internal/builder"
	"universe-state/internal/domain"
)

// Inspector answers range inspections. *builder.Builder implements it.
type Inspector interface {
	ResolveFields(fields []string) ([]string, error)
	InspectRange(ctx context.Context, universe domain.UniverseID, instrument domain.InstrumentID, duration string, start, end time.Time, fields []string) ([]builder.InspectRow, error)
}

// InspectRequest selects a lineage slice to tabulate.
type InspectRequest struct {
	UniverseID   domain.UniverseID
	InstrumentID domain.InstrumentID
	Duration     string
	Start        time.Time
	End          time.Time
	Fields       []string // empty selects every field
}

// Generator produces inspection tables from stored States.
type Generator struct {
	inspector Inspector
	now       func() time.Time // injectable clock for deterministic output
}

// NewGenerator creates a new table generator.
func NewGenerator(inspector Inspector) *Generator {
	return &Generator{
		inspector: inspector,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Inspect builds an InspectTable for req. Periods without a State are kept
// as rows with Found=false.
func (g *Generator) Inspect(ctx context.Context, req InspectRequest) (*InspectTable, error) {
	fields, err := g.inspector.ResolveFields(req.Fields)
	if err != nil {
		return nil, err
	}
	rows, err := g.inspector.InspectRange(ctx, req.UniverseID, req.InstrumentID, req.Duration, req.Start, req.End, fields)
	if err != nil {
		return nil, err
	}
	return &InspectTable{
		GeneratedAt:  g.now(),
		UniverseID:   req.UniverseID,
		InstrumentID: req.InstrumentID,
		Duration:     req.Duration,
		Fields:       fields,
		Rows:         rows,
	}, nil
}
