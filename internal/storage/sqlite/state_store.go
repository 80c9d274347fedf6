package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// StateStore implements storage.StateStore on SQLite.
// Indicators are a JSON object text where Undefined is null.
type StateStore struct {
	d *DB
}

// NewStateStore creates a new StateStore.
func NewStateStore(d *DB) *StateStore {
	return &StateStore{d: d}
}

var _ storage.StateStore = (*StateStore)(nil)

const upsertStateSQL = `
	INSERT INTO states (
		universe_id, instrument_id, duration, period_end, period_start,
		open, high, low, close, volume, status, indicators, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (universe_id, instrument_id, duration, period_end) DO UPDATE
	SET period_start = excluded.period_start,
	    open = excluded.open,
	    high = excluded.high,
	    low = excluded.low,
	    close = excluded.close,
	    volume = excluded.volume,
	    status = excluded.status,
	    indicators = excluded.indicators,
	    updated_at = excluded.updated_at
`

const selectStateColumns = `
	SELECT universe_id, instrument_id, duration, period_end, period_start,
	       open, high, low, close, volume, status, indicators
	FROM states
`

// Upsert writes a State, replacing any State with the same key.
func (s *StateStore) Upsert(ctx context.Context, st *domain.State) error {
	return s.UpsertBulk(ctx, []*domain.State{st})
}

// UpsertBulk writes States in one transaction.
func (s *StateStore) UpsertBulk(ctx context.Context, states []*domain.State) (err error) {
	if len(states) == 0 {
		return nil
	}
	defer observe("states.upsert_bulk", time.Now(), &err)

	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	stmt, err := tx.PrepareContext(ctx, upsertStateSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := toMillis(time.Now())
	for _, st := range states {
		args, err := stateArgs(st, now)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert state: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit states: %w", err)
	}
	return nil
}

// Get retrieves a State by key. Returns ErrNotFound if not exists.
func (s *StateStore) Get(ctx context.Context, key storage.StateKey) (st *domain.State, err error) {
	defer observe("states.get", time.Now(), &err)

	row := s.d.db.QueryRowContext(ctx, selectStateColumns+`
		WHERE universe_id = ? AND instrument_id = ? AND duration = ? AND period_end = ?
	`, int64(key.UniverseID), int64(key.InstrumentID), key.Duration, toMillis(key.PeriodEnd))

	st, err = scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get state: %w", err)
	}
	return st, nil
}

// Range retrieves States with period_end in [start, end], ordered ASC.
func (s *StateStore) Range(ctx context.Context, series storage.SeriesKey, start, end time.Time) (out []*domain.State, err error) {
	defer observe("states.range", time.Now(), &err)

	rows, err := s.d.db.QueryContext(ctx, selectStateColumns+`
		WHERE universe_id = ? AND instrument_id = ? AND duration = ?
		  AND period_end >= ? AND period_end <= ?
		ORDER BY period_end ASC
	`, int64(series.UniverseID), int64(series.InstrumentID), series.Duration, toMillis(start), toMillis(end))
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

	rows, err := s.d.db.QueryContext(ctx, `
		SELECT * FROM (`+selectStateColumns+`
			WHERE universe_id = ? AND instrument_id = ? AND duration = ?
			  AND period_end < ?
			ORDER BY period_end DESC
			LIMIT ?
		)
		ORDER BY period_end ASC
	`, int64(series.UniverseID), int64(series.InstrumentID), series.Duration, toMillis(before), n)
	if err != nil {
		return nil, fmt.Errorf("states before: %w", err)
	}
	defer rows.Close()

	return scanStates(rows)
}

// Delete removes a State. Deleting a missing key is not an error.
func (s *StateStore) Delete(ctx context.Context, key storage.StateKey) (err error) {
	defer observe("states.delete", time.Now(), &err)

	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	_, err = s.d.db.ExecContext(ctx, `
		DELETE FROM states
		WHERE universe_id = ? AND instrument_id = ? AND duration = ? AND period_end = ?
	`, int64(key.UniverseID), int64(key.InstrumentID), key.Duration, toMillis(key.PeriodEnd))
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// DeleteFrom removes States with period_end >= from.
func (s *StateStore) DeleteFrom(ctx context.Context, series storage.SeriesKey, from time.Time) (n int64, err error) {
	defer observe("states.delete_from", time.Now(), &err)

	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	res, err := s.d.db.ExecContext(ctx, `
		DELETE FROM states
		WHERE universe_id = ? AND instrument_id = ? AND duration = ? AND period_end >= ?
	`, int64(series.UniverseID), int64(series.InstrumentID), series.Duration, toMillis(from))
	if err != nil {
		return 0, fmt.Errorf("delete states from: %w", err)
	}
	return res.RowsAffected()
}

func stateArgs(st *domain.State, now int64) ([]any, error) {
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
		toMillis(st.PeriodEnd),
		toMillis(st.PeriodStart),
		st.Open,
		st.High,
		st.Low,
		st.Close,
		st.Volume,
		string(st.Status),
		string(indicators),
		now,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*domain.State, error) {
	var (
		st          domain.State
		universe    int64
		instrument  int64
		periodEnd   int64
		periodStart int64
		status      string
		indicators  string
	)
	err := row.Scan(
		&universe,
		&instrument,
		&st.Duration,
		&periodEnd,
		&periodStart,
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
	st.PeriodEnd = fromMillis(periodEnd)
	st.PeriodStart = fromMillis(periodStart)
	st.Status = domain.BarStatus(status)
	st.Indicators = make(map[string]domain.Value)
	if indicators != "" {
		if err := json.Unmarshal([]byte(indicators), &st.Indicators); err != nil {
			return nil, fmt.Errorf("decode indicators: %w", err)
		}
	}
	return &st, nil
}

func scanStates(rows *sql.Rows) ([]*domain.State, error) {
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
