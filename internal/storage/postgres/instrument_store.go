package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// InstrumentStore implements storage.InstrumentStore using PostgreSQL.
type InstrumentStore struct {
	pool *Pool
}

// NewInstrumentStore creates a new InstrumentStore.
func NewInstrumentStore(pool *Pool) *InstrumentStore {
	return &InstrumentStore{pool: pool}
}

// Compile-time interface check.
var _ storage.InstrumentStore = (*InstrumentStore)(nil)

// Insert adds an instrument and its aliases in one transaction.
// Returns ErrDuplicateKey if instrument_id exists.
func (s *InstrumentStore) Insert(ctx context.Context, inst *domain.Instrument) (err error) {
	if inst == nil || inst.ID == 0 {
		return storage.ErrInvalidInput
	}
	defer observe("instruments.insert", time.Now(), &err)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // no-op after commit
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO instruments (instrument_id, symbol) VALUES ($1, $2)
	`, int64(inst.ID), inst.Symbol)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert instrument: %w", err)
	}

	for _, a := range inst.Aliases {
		_, err = tx.Exec(ctx, `
			INSERT INTO instrument_aliases (instrument_id, symbol, vendor, start_at, end_at)
			VALUES ($1, $2, $3, $4, $5)
		`, int64(inst.ID), a.Symbol, a.Vendor, a.Start.UTC(), nullableTime(a.End))
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert alias %s: %w", a.Symbol, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit instrument: %w", err)
	}
	return nil
}

// GetByID retrieves an instrument with its aliases. Returns ErrNotFound if not exists.
func (s *InstrumentStore) GetByID(ctx context.Context, id domain.InstrumentID) (inst *domain.Instrument, err error) {
	defer observe("instruments.get", time.Now(), &err)

	inst = &domain.Instrument{ID: id}
	err = s.pool.QueryRow(ctx, `
		SELECT symbol FROM instruments WHERE instrument_id = $1
	`, int64(id)).Scan(&inst.Symbol)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get instrument: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT symbol, vendor, start_at, end_at
		FROM instrument_aliases
		WHERE instrument_id = $1
		ORDER BY start_at ASC, vendor ASC
	`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("get aliases: %w", err)
	}
	defer rows.Close()

	inst.Aliases, err = scanAliases(rows)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// LookupSymbol returns the instrument whose alias is symbol at t.
// Symbols compare case-insensitively; the lowest instrument_id wins a tie.
func (s *InstrumentStore) LookupSymbol(ctx context.Context, symbol string, t time.Time) (inst *domain.Instrument, err error) {
	var id int64
	err = s.pool.QueryRow(ctx, `
		SELECT instrument_id
		FROM instrument_aliases
		WHERE UPPER(symbol) = UPPER($1)
		  AND start_at <= $2
		  AND (end_at IS NULL OR end_at > $2)
		ORDER BY instrument_id ASC
		LIMIT 1
	`, symbol, t.UTC()).Scan(&id)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("lookup symbol %s: %w", symbol, err)
	}
	return s.GetByID(ctx, domain.InstrumentID(id))
}

func scanAliases(rows pgx.Rows) ([]domain.Alias, error) {
	var aliases []domain.Alias
	for rows.Next() {
		var (
			a   domain.Alias
			end *time.Time
		)
		if err := rows.Scan(&a.Symbol, &a.Vendor, &a.Start, &end); err != nil {
			return nil, fmt.Errorf("scan alias row: %w", err)
		}
		a.Start = a.Start.UTC()
		a.End = utcPtr(end)
		aliases = append(aliases, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alias rows: %w", err)
	}
	return aliases, nil
}
