package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"universe-state/internal/domain"
	"universe-state/internal/membership"
	"universe-state/internal/storage"
)

// MembershipStore implements storage.MembershipStore using PostgreSQL.
// It also answers point-in-time queries directly.
type MembershipStore struct {
	pool *Pool
}

// NewMembershipStore creates a new MembershipStore.
func NewMembershipStore(pool *Pool) *MembershipStore {
	return &MembershipStore{pool: pool}
}

// Compile-time interface checks.
var (
	_ storage.MembershipStore = (*MembershipStore)(nil)
	_ membership.PointQuerier = (*MembershipStore)(nil)
)

const selectIntervalColumns = `
	SELECT interval_id, universe_id, instrument_id, start_at, end_at, metadata
	FROM membership_intervals
`

// Insert adds a new interval. Returns ErrDuplicateKey if interval_id exists.
func (s *MembershipStore) Insert(ctx context.Context, m *domain.MembershipInterval) (err error) {
	if m == nil || m.StartAt.IsZero() {
		return storage.ErrInvalidInput
	}
	defer observe("membership.insert", time.Now(), &err)

	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO membership_intervals (
			interval_id, universe_id, instrument_id, start_at, end_at, metadata
		) VALUES ($1, $2, $3, $4, $5, $6)
	`,
		m.ID,
		int64(m.UniverseID),
		int64(m.InstrumentID),
		m.StartAt.UTC(),
		nullableTime(m.EndAt),
		meta,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert membership interval: %w", err)
	}
	return nil
}

// IntervalsForUniverse retrieves every interval of a universe, ordered by start_at ASC.
func (s *MembershipStore) IntervalsForUniverse(ctx context.Context, universe domain.UniverseID) (out []*domain.MembershipInterval, err error) {
	defer observe("membership.universe", time.Now(), &err)

	rows, err := s.pool.Query(ctx, selectIntervalColumns+`
		WHERE universe_id = $1
		ORDER BY start_at ASC, interval_id ASC
	`, int64(universe))
	if err != nil {
		return nil, fmt.Errorf("get membership intervals: %w", err)
	}
	defer rows.Close()

	return scanIntervals(rows)
}

// IntervalsFor retrieves the intervals of one instrument, ordered by start_at ASC.
func (s *MembershipStore) IntervalsFor(ctx context.Context, universe domain.UniverseID, instrument domain.InstrumentID) (out []*domain.MembershipInterval, err error) {
	defer observe("membership.instrument", time.Now(), &err)

	rows, err := s.pool.Query(ctx, selectIntervalColumns+`
		WHERE universe_id = $1 AND instrument_id = $2
		ORDER BY start_at ASC, interval_id ASC
	`, int64(universe), int64(instrument))
	if err != nil {
		return nil, fmt.Errorf("get instrument membership intervals: %w", err)
	}
	defer rows.Close()

	return scanIntervals(rows)
}

// MembersAt returns instruments with an interval satisfying
// start_at <= t < end_at, ascending.
func (s *MembershipStore) MembersAt(ctx context.Context, universe domain.UniverseID, t time.Time) (ids []domain.InstrumentID, err error) {
	defer observe("membership.members_at", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT instrument_id
		FROM membership_intervals
		WHERE universe_id = $1
		  AND start_at <= $2
		  AND (end_at IS NULL OR end_at > $2)
		ORDER BY instrument_id ASC
	`, int64(universe), t.UTC())
	if err != nil {
		return nil, fmt.Errorf("members at: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		ids = append(ids, domain.InstrumentID(id))
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member rows: %w", err)
	}
	return ids, nil
}

// scanIntervals scans multiple rows into membership intervals.
func scanIntervals(rows pgx.Rows) ([]*domain.MembershipInterval, error) {
	var intervals []*domain.MembershipInterval
	for rows.Next() {
		var (
			m          domain.MembershipInterval
			universe   int64
			instrument int64
			endAt      *time.Time
			meta       []byte
		)
		if err := rows.Scan(&m.ID, &universe, &instrument, &m.StartAt, &endAt, &meta); err != nil {
			return nil, fmt.Errorf("scan membership row: %w", err)
		}
		m.UniverseID = domain.UniverseID(universe)
		m.InstrumentID = domain.InstrumentID(instrument)
		m.StartAt = m.StartAt.UTC()
		m.EndAt = utcPtr(endAt)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		intervals = append(intervals, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate membership rows: %w", err)
	}
	return intervals, nil
}
