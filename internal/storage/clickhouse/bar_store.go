package clickhouse

import (
	"context"
	"fmt"
	"time"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// BarStore implements storage.BarStore using ClickHouse.
// A revision is a newer version of the same (instrument, duration, period_start).
type BarStore struct {
	conn    *Conn
	version versionClock
}

// NewBarStore creates a new BarStore.
func NewBarStore(conn *Conn) *BarStore {
	return &BarStore{conn: conn}
}

// Compile-time interface check.
var _ storage.BarStore = (*BarStore)(nil)

// UpsertBars writes bars as one insert block.
func (s *BarStore) UpsertBars(ctx context.Context, bars []*domain.Bar) (err error) {
	if len(bars) == 0 {
		return nil
	}
	for _, b := range bars {
		if b == nil || b.Duration == "" || !b.PeriodStart.Before(b.PeriodEnd) {
			return storage.ErrInvalidInput
		}
	}
	defer observe("bars.upsert", time.Now(), &err)

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO bars (
			instrument_id, duration, period_start, period_end,
			open, high, low, close, volume, source, status, note, revised_at, version
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	version := s.version.next()
	for _, b := range bars {
		var revisedAt *time.Time
		if b.RevisedAt != nil {
			r := b.RevisedAt.UTC()
			revisedAt = &r
		}
		err = batch.Append(
			int64(b.InstrumentID), b.Duration,
			b.PeriodStart.UTC(), b.PeriodEnd.UTC(),
			b.Open, b.High, b.Low, b.Close, b.Volume,
			b.Provenance.Source, string(b.Provenance.Status), b.Provenance.Note,
			revisedAt, version,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err = batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetBars retrieves bars with period_start in [start, end), ordered ASC.
func (s *BarStore) GetBars(ctx context.Context, instrument domain.InstrumentID, duration string, start, end time.Time) (out []*domain.Bar, err error) {
	defer observe("bars.get", time.Now(), &err)

	rows, err := s.conn.Query(ctx, `
		SELECT instrument_id, duration, period_start, period_end,
		       open, high, low, close, volume, source, status, note, revised_at
		FROM bars FINAL
		WHERE instrument_id = ? AND duration = ?
		  AND period_start >= ? AND period_start < ?
		ORDER BY period_start ASC
	`, int64(instrument), duration, clampTime(start), clampTime(end))
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// scanBars scans multiple rows into bars.
func scanBars(rows chRows) ([]*domain.Bar, error) {
	var bars []*domain.Bar
	for rows.Next() {
		var (
			b         domain.Bar
			inst      int64
			status    string
			revisedAt *time.Time
		)
		err := rows.Scan(
			&inst, &b.Duration, &b.PeriodStart, &b.PeriodEnd,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
			&b.Provenance.Source, &status, &b.Provenance.Note, &revisedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan bar row: %w", err)
		}
		b.InstrumentID = domain.InstrumentID(inst)
		b.Provenance.Status = domain.ParseBarStatus(status)
		b.PeriodStart = b.PeriodStart.UTC()
		b.PeriodEnd = b.PeriodEnd.UTC()
		if revisedAt != nil {
			r := revisedAt.UTC()
			b.RevisedAt = &r
		}
		bars = append(bars, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bar rows: %w", err)
	}
	return bars, nil
}
