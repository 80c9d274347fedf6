package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// BarStore implements storage.BarStore using PostgreSQL.
type BarStore struct {
	pool *Pool
}

// NewBarStore creates a new BarStore.
func NewBarStore(pool *Pool) *BarStore {
	return &BarStore{pool: pool}
}

// Compile-time interface check.
var _ storage.BarStore = (*BarStore)(nil)

// UpsertBars writes bars in one transaction, replacing any bar with the same
// (instrument, duration, period_start).
func (s *BarStore) UpsertBars(ctx context.Context, bars []*domain.Bar) (err error) {
	if len(bars) == 0 {
		return nil
	}
	defer observe("bars.upsert", time.Now(), &err)

	batch := &pgx.Batch{}
	for _, b := range bars {
		if b == nil || b.Duration == "" || !b.PeriodStart.Before(b.PeriodEnd) {
			return storage.ErrInvalidInput
		}
		batch.Queue(`
			INSERT INTO bars (
				instrument_id, duration, period_start, period_end,
				open, high, low, close, volume, source, status, note, revised_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (instrument_id, duration, period_start) DO UPDATE
			SET period_end = EXCLUDED.period_end,
			    open = EXCLUDED.open,
			    high = EXCLUDED.high,
			    low = EXCLUDED.low,
			    close = EXCLUDED.close,
			    volume = EXCLUDED.volume,
			    source = EXCLUDED.source,
			    status = EXCLUDED.status,
			    note = EXCLUDED.note,
			    revised_at = EXCLUDED.revised_at
		`,
			int64(b.InstrumentID),
			b.Duration,
			b.PeriodStart.UTC(),
			b.PeriodEnd.UTC(),
			b.Open,
			b.High,
			b.Low,
			b.Close,
			b.Volume,
			b.Provenance.Source,
			string(b.Provenance.Status),
			b.Provenance.Note,
			nullableTime(b.RevisedAt),
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // no-op after commit
	}()

	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert bars batch: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit bars batch: %w", err)
	}
	return nil
}

// GetBars retrieves bars with period_start in [start, end), ordered ASC.
func (s *BarStore) GetBars(ctx context.Context, instrument domain.InstrumentID, duration string, start, end time.Time) (out []*domain.Bar, err error) {
	defer observe("bars.get", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT instrument_id, duration, period_start, period_end,
		       open, high, low, close, volume, source, status, note, revised_at
		FROM bars
		WHERE instrument_id = $1 AND duration = $2
		  AND period_start >= $3 AND period_start < $4
		ORDER BY period_start ASC
	`, int64(instrument), duration, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("get bars: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b         domain.Bar
			inst      int64
			status    string
			revisedAt *time.Time
		)
		err := rows.Scan(
			&inst,
			&b.Duration,
			&b.PeriodStart,
			&b.PeriodEnd,
			&b.Open,
			&b.High,
			&b.Low,
			&b.Close,
			&b.Volume,
			&b.Provenance.Source,
			&status,
			&b.Provenance.Note,
			&revisedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan bar row: %w", err)
		}
		b.InstrumentID = domain.InstrumentID(inst)
		b.Provenance.Status = domain.ParseBarStatus(status)
		b.PeriodStart = b.PeriodStart.UTC()
		b.PeriodEnd = b.PeriodEnd.UTC()
		b.RevisedAt = utcPtr(revisedAt)
		out = append(out, &b)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bar rows: %w", err)
	}
	return out, nil
}
