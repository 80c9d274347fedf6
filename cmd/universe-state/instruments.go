package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"universe-state/internal/domain"
	"universe-state/internal/logger"
	"universe-state/internal/revision"
	"universe-state/internal/storage"
)

// instrumentFlags select one instrument by canonical ID or by vendor symbol.
type instrumentFlags struct {
	id     *int64
	symbol *string
}

func addInstrumentFlags(fs *flag.FlagSet, idUsage string) instrumentFlags {
	return instrumentFlags{
		id:     fs.Int64("instrument", 0, idUsage),
		symbol: fs.String("symbol", "", "Vendor symbol, resolved to the instrument holding it on the first date"),
	}
}

func (f instrumentFlags) given() bool {
	return *f.id > 0 || *f.symbol != ""
}

func (f instrumentFlags) check() error {
	if *f.id > 0 && *f.symbol != "" {
		return usageErr("-instrument and -symbol are mutually exclusive")
	}
	return nil
}

// resolve returns the instrument the flags name. Symbols are reused across
// instruments over time, so a symbol is looked up as of at.
func (f instrumentFlags) resolve(ctx context.Context, store storage.InstrumentStore, at time.Time, timeout time.Duration, log *logger.Logger) (domain.InstrumentID, error) {
	if *f.symbol == "" {
		return domain.InstrumentID(*f.id), nil
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inst, err := store.LookupSymbol(rctx, *f.symbol, at)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("symbol %s at %s: %w", *f.symbol, at.Format(time.RFC3339), err)
		}
		return 0, err
	}
	current, _ := inst.SymbolAt("", time.Now())
	log.Info("symbol resolved",
		logger.String("symbol", *f.symbol),
		logger.Time("at", at),
		logger.Int64("instrument", int64(inst.ID)),
		logger.String("current_symbol", current),
	)
	return inst.ID, nil
}

// readRevisionBars loads a JSON array of revised base bars.
func readRevisionBars(path string) ([]*domain.Bar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bars: %w", err)
	}
	var bars []*domain.Bar
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("parse bars %s: %w", path, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("parse bars %s: no bars", path)
	}
	for i, b := range bars {
		if b == nil {
			return nil, fmt.Errorf("parse bars %s: bar %d is null", path, i)
		}
	}
	return bars, nil
}

// revisionEvent assigns bars without an instrument to id and validates the
// event the way consumers will.
func revisionEvent(id domain.InstrumentID, bars []*domain.Bar, universes []domain.UniverseID, now time.Time) (*revision.Event, error) {
	for _, b := range bars {
		if b.InstrumentID == 0 {
			b.InstrumentID = id
		}
	}
	ev := &revision.Event{InstrumentID: id, Bars: bars, Universes: universes, RevisedAt: now.UTC()}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// parseUniverses parses a comma-separated list of universe IDs.
func parseUniverses(s string) ([]domain.UniverseID, error) {
	var out []domain.UniverseID
	for _, part := range splitList(s) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, usageErr("-universes: bad universe ID %q", part)
		}
		out = append(out, domain.UniverseID(id))
	}
	return out, nil
}
