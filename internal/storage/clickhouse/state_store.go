package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// StateStore implements storage.StateStore using ClickHouse.
// Deletes insert tombstones (is_deleted = 1) with a newer version.
type StateStore struct {
	conn    *Conn
	version versionClock
}

// NewStateStore creates a new StateStore.
func NewStateStore(conn *Conn) *StateStore {
	return &StateStore{conn: conn}
}

// Compile-time interface check.
var _ storage.StateStore = (*StateStore)(nil)

const insertStatesSQL = `
	INSERT INTO states (
		universe_id, instrument_id, duration, period_end, period_start,
		open, high, low, close, volume, status, indicators, version, is_deleted
	)
`

const selectStatesSQL = `
	SELECT universe_id, instrument_id, duration, period_end, period_start,
	       open, high, low, close, volume, status, indicators
	FROM states FINAL
	WHERE is_deleted = 0
	  AND universe_id = ? AND instrument_id = ? AND duration = ?
`

// Upsert writes a State, replacing any State with the same key.
func (s *StateStore) Upsert(ctx context.Context, st *domain.State) error {
	return s.UpsertBulk(ctx, []*domain.State{st})
}

// UpsertBulk writes States as one insert block.
func (s *StateStore) UpsertBulk(ctx context.Context, states []*domain.State) (err error) {
	if len(states) == 0 {
		return nil
	}
	defer observe("states.upsert", time.Now(), &err)

	// Validate the whole batch before sending anything
	encoded := make([]string, len(states))
	for i, st := range states {
		if st == nil || st.Duration == "" || st.PeriodEnd.IsZero() {
			return storage.ErrInvalidInput
		}
		raw, err := json.Marshal(st.Indicators)
		if err != nil {
			return fmt.Errorf("encode indicators: %w", err)
		}
		encoded[i] = string(raw)
	}

	batch, err := s.conn.PrepareBatch(ctx, insertStatesSQL)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	version := s.version.next()
	for i, st := range states {
		err = batch.Append(
			int64(st.UniverseID), int64(st.InstrumentID), st.Duration,
			st.PeriodEnd.UTC(), st.PeriodStart.UTC(),
			st.Open, st.High, st.Low, st.Close, st.Volume,
			string(st.Status), encoded[i], version, uint8(0),
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

// Get retrieves a State by key. Returns ErrNotFound if not exists.
func (s *StateStore) Get(ctx context.Context, key storage.StateKey) (st *domain.State, err error) {
	defer observe("states.get", time.Now(), &err)

	rows, err := s.conn.Query(ctx, selectStatesSQL+` AND period_end = ?`,
		int64(key.UniverseID), int64(key.InstrumentID), key.Duration, key.PeriodEnd.UTC())
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}
	defer rows.Close()

	states, err := scanStates(rows)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, storage.ErrNotFound
	}
	return states[0], nil
}

// Range retrieves States with period_end in [start, end], ordered ASC.
func (s *StateStore) Range(ctx context.Context, series storage.SeriesKey, start, end time.Time) (out []*domain.State, err error) {
	defer observe("states.range", time.Now(), &err)

	rows, err := s.conn.Query(ctx, selectStatesSQL+`
		  AND period_end >= ? AND period_end <= ?
		ORDER BY period_end ASC
	`, int64(series.UniverseID), int64(series.InstrumentID), series.Duration, clampTime(start), clampTime(end))
	if err != nil {
		return nil, fmt.Errorf("query state range: %w", err)
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

	rows, err := s.conn.Query(ctx, selectStatesSQL+`
		  AND period_end < ?
		ORDER BY period_end DESC
		LIMIT ?
	`, int64(series.UniverseID), int64(series.InstrumentID), series.Duration, clampTime(before), n)
	if err != nil {
		return nil, fmt.Errorf("query states before: %w", err)
	}
	defer rows.Close()

	out, err = scanStates(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Delete removes a State. Deleting a missing key is not an error.
func (s *StateStore) Delete(ctx context.Context, key storage.StateKey) (err error) {
	defer observe("states.delete", time.Now(), &err)
	return s.tombstone(ctx, []storage.StateKey{key})
}

// DeleteFrom removes States with period_end >= from.
func (s *StateStore) DeleteFrom(ctx context.Context, series storage.SeriesKey, from time.Time) (n int64, err error) {
	defer observe("states.delete_from", time.Now(), &err)

	rows, err := s.conn.Query(ctx, `
		SELECT period_end
		FROM states FINAL
		WHERE is_deleted = 0
		  AND universe_id = ? AND instrument_id = ? AND duration = ?
		  AND period_end >= ?
	`, int64(series.UniverseID), int64(series.InstrumentID), series.Duration, clampTime(from))
	if err != nil {
		return 0, fmt.Errorf("query states to delete: %w", err)
	}
	defer rows.Close()

	var keys []storage.StateKey
	for rows.Next() {
		var end time.Time
		if err := rows.Scan(&end); err != nil {
			return 0, fmt.Errorf("scan period_end: %w", err)
		}
		keys = append(keys, series.At(end))
	}
	if err = rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate states to delete: %w", err)
	}
	if err = s.tombstone(ctx, keys); err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

func (s *StateStore) tombstone(ctx context.Context, keys []storage.StateKey) error {
	if len(keys) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, insertStatesSQL)
	if err != nil {
		return fmt.Errorf("prepare tombstone batch: %w", err)
	}
	version := s.version.next()
	for _, k := range keys {
		err = batch.Append(
			int64(k.UniverseID), int64(k.InstrumentID), k.Duration,
			k.PeriodEnd.UTC(), k.PeriodEnd.UTC(),
			0.0, 0.0, 0.0, 0.0, 0.0,
			"", "{}", version, uint8(1),
		)
		if err != nil {
			return fmt.Errorf("append tombstone: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send tombstones: %w", err)
	}
	return nil
}

// scanStates scans multiple rows into States.
func scanStates(rows chRows) ([]*domain.State, error) {
	var states []*domain.State
	for rows.Next() {
		var (
			st         domain.State
			universe   int64
			instrument int64
			status     string
			indicators string
		)
		err := rows.Scan(
			&universe, &instrument, &st.Duration,
			&st.PeriodEnd, &st.PeriodStart,
			&st.Open, &st.High, &st.Low, &st.Close, &st.Volume,
			&status, &indicators,
		)
		if err != nil {
			return nil, fmt.Errorf("scan state row: %w", err)
		}
		st.UniverseID = domain.UniverseID(universe)
		st.InstrumentID = domain.InstrumentID(instrument)
		st.Status = domain.BarStatus(status)
		st.PeriodEnd = st.PeriodEnd.UTC()
		st.PeriodStart = st.PeriodStart.UTC()
		st.Indicators = make(map[string]domain.Value)
		if err := json.Unmarshal([]byte(indicators), &st.Indicators); err != nil {
			return nil, fmt.Errorf("decode indicators: %w", err)
		}
		states = append(states, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state rows: %w", err)
	}
	return states, nil
}

// DateTime64 cannot hold the zero time or year 9999; clamp range bounds.
var (
	minTime = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	maxTime = time.Date(2262, 1, 1, 0, 0, 0, 0, time.UTC)
)

func clampTime(t time.Time) time.Time {
	switch {
	case t.Before(minTime):
		return minTime
	case t.After(maxTime):
		return maxTime
	}
	return t.UTC()
}
