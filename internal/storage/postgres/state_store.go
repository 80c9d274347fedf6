package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// StateStore implements storage.StateStore using PostgreSQL.
// Indicator values are stored as a JSONB object where Undefined is null.
type StateStore struct {
	pool *Pool
}

// NewStateStore creates a new StateStore.
func NewStateStore(pool *Pool) *StateStore {
	return &StateStore{pool: pool}
}

// Compile-time interface check.
var _ storage.StateStore = (*StateStore)(nil)

const upsertStateSQL = `
	INSERT INTO states (
		universe_id, instrument_id, duration, period_end, period_start,
		open, high, low, close, volume, status, indicators, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	ON CONFLICT (universe_id, instrument_id, duration, period_end) DO UPDATE
	SET period_start = EXCLUDED.period_start,
	    open = EXCLUDED.open,
	    high = EXCLUDED.high,
	    low = EXCLUDED.low,
	    close = EXCLUDED.close,
	    volume = EXCLUDED.volume,
	    status = EXCLUDED.status,
	    indicators = EXCLUDED.indicators,
	    updated_at = NOW()
`

const selectStateColumns = `
	SELECT universe_id, instrument_id, duration, period_end, period_start,
	       open, high, low, close, volume, status, indicators
	FROM states
`

// Upsert writes a State, replacing any State with the same key.
func (s *StateStore) Upsert(ctx context.Context, st *domain.State) (err error) {
	defer observe("states.upsert", time.Now(), &err)
	args, err := stateArgs(st)
	if err != nil {
		return err
	}
	if _, err = s.pool.Exec(ctx, upsertStateSQL, args...); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

// UpsertBulk writes States in one transaction using a pipelined batch.
func (s *StateStore) UpsertBulk(ctx context.Context, states []*domain.State) (err error) {
	if len(states) == 0 {
		return nil
	}
	defer observe("states.upsert_bulk", time.Now(), &err)

	batch := &pgx.Batch{}
	for _, st := range states {
		args, err := stateArgs(st)
		if err != nil {
			return err
		}
		batch.Queue(upsertStateSQL, args...)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // no-op after commit
	}()

	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert states batch: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit states batch: %w", err)
	}
	return nil
}

// Get retrieves a State by key. Returns ErrNotFound if not exists.
func (s *StateStore) Get(ctx context.Context, key storage.StateKey) (st *domain.State, err error) {
	defer observe("states.get", time.Now(), &err)

	row := s.pool.QueryRow(ctx, selectStateColumns+`
		WHERE universe_id = $1 AND instrument_id = $2 AND duration = $3 AND period_end = $4
	`, int64(key.UniverseID), int64(key.InstrumentID), key.Duration, key.PeriodEnd.UTC())

	st, err = scanState(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get state: %w", err)
	}
	return st, nil
}

// Range retrieves States with period_end in [start, end], ordered ASC.
func (s *StateStore) Range(ctx context.Context, series storage.SeriesKey, start, end time.Time) (out []*domain.State, err error) {
	defer observe("states.range", time.Now(), &err)

	rows, err := s.pool.Query(ctx, selectStateColumns+`
		WHERE universe_id = $1 AND instrument_id = $2 AND duration = $3
		  AND period_end >= $4 AND period_end <= $5
		ORDER BY period_end ASC
	`, int64(series.UniverseID), int64(series.InstrumentID), series.Duration, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("range states: %w", err)
	}
	defer rows.Close()

	return scanStates(rows)
}

// Before retrieves the last n States with period_end < before, ordered ASC.
func (s *StateStore) Before(ctx context.Context, series storage.SeriesKey, before time.Time, n int) (out []*domain.State, err error) {
	if n <= 0 {
		return nil, nil
	}
	defer observe("states.before", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (`+selectStateColumns+`
			WHERE universe_id = $1 AND instrument_id = $2 AND duration = $3
			  AND period_end < $4
			ORDER BY period_end DESC
			LIMIT $5
		) recent
		ORDER BY period_end ASC
	`, int64(series.UniverseID), int64(series.InstrumentID), series.Duration, before.UTC(), n)
	if err != nil {
		return nil, fmt.Errorf("states before: %w", err)
	}
	defer rows.Close()

	return scanStates(rows)
}

// Delete removes a State. Deleting a missing key is not an error.
func (s *StateStore) Delete(ctx context.Context, key storage.StateKey) (err error) {
	defer observe("states.delete", time.Now(), &err)

	_, err = s.pool.Exec(ctx, `
		DELETE FROM states
		WHERE universe_id = $1 AND instrument_id = $2 AND duration = $3 AND period_end = $4
	`, int64(key.UniverseID), int64(key.InstrumentID), key.Duration, key.PeriodEnd.UTC())
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// DeleteFrom removes States with period_end >= from.
func (s *StateStore) DeleteFrom(ctx context.Context, series storage.SeriesKey, from time.Time) (n int64, err error) {
	defer observe("states.delete_from", time.Now(), &err)

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM states
		WHERE universe_id = $1 AND instrument_id = $2 AND duration = $3 AND period_end >= $4
	`, int64(series.UniverseID), int64(series.InstrumentID), series.Duration, from.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete states from: %w", err)
	}
	return tag.RowsAffected(), nil
}

func stateArgs(st *domain.State) ([]any, error) {
	if st == nil || st.Duration == "" || st.PeriodEnd.IsZero() {
		return nil, storage.ErrInvalidInput
	}
	indicators, err := json.Marshal(st.Indicators)
	if err != nil {
		return nil, fmt.Errorf("encode indicators: %w", err)
	}
	return []any{
		int64(st.UniverseID),
		int64(st.InstrumentID),
		st.Duration,
		st.PeriodEnd.UTC(),
		st.PeriodStart.UTC(),
		st.Open,
		st.High,
		st.Low,
		st.Close,
		st.Volume,
		string(st.Status),
		indicators,
	}, nil
}

// scanState scans a single row into a State.
func scanState(row pgx.Row) (*domain.State, error) {
	var (
		st         domain.State
		universe   int64
		instrument int64
		status     string
		indicators []byte
	)
	err := row.Scan(
		&universe,
		&instrument,
		&st.Duration,
		&st.PeriodEnd,
		&st.PeriodStart,
		&st.Open,
		&st.High,
		&st.Low,
		&st.Close,
		&st.Volume,
		&status,
		&indicators,
	)
	if err != nil {
		return nil, err
	}

	st.UniverseID = domain.UniverseID(universe)
	st.InstrumentID = domain.InstrumentID(instrument)
	st.Status = domain.BarStatus(status)
	st.PeriodEnd = st.PeriodEnd.UTC()
	st.PeriodStart = st.PeriodStart.UTC()
	st.Indicators = make(map[string]domain.Value)
	if len(indicators) > 0 {
		if err := json.Unmarshal(indicators, &st.Indicators); err != nil {
			return nil, fmt.Errorf("decode indicators: %w", err)
		}
	}
	return &st, nil
}

// scanStates scans multiple rows into a slice of States.
func scanStates(rows pgx.Rows) ([]*domain.State, error) {
	var states []*domain.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state row: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state rows: %w", err)
	}
	return states, nil
}
