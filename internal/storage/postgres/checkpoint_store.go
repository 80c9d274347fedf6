package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// CheckpointStore is a PostgreSQL implementation of storage.CheckpointStore.
// Uses one row per universe in build_checkpoints.
type CheckpointStore struct {
	pool *Pool
}

// NewCheckpointStore creates a new PostgreSQL checkpoint store.
func NewCheckpointStore(pool *Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CheckpointStore = (*CheckpointStore)(nil)

// GetCheckpoint returns the last completed build position of a universe.
func (s *CheckpointStore) GetCheckpoint(ctx context.Context, universe domain.UniverseID) (*storage.BuildCheckpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT built_until, run_id, updated_at
		FROM build_checkpoints
		WHERE universe_id = $1
	`, int64(universe))

	cp := storage.BuildCheckpoint{UniverseID: universe}
	err := row.Scan(&cp.BuiltUntil, &cp.RunID, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	cp.BuiltUntil = cp.BuiltUntil.UTC()
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return &cp, nil
}

// SetCheckpoint saves the checkpoint.
// Uses upsert to handle initial insert and subsequent updates.
func (s *CheckpointStore) SetCheckpoint(ctx context.Context, cp *storage.BuildCheckpoint) error {
	if cp == nil || cp.BuiltUntil.IsZero() {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO build_checkpoints (universe_id, built_until, run_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (universe_id) DO UPDATE
		SET built_until = EXCLUDED.built_until,
		    run_id = EXCLUDED.run_id,
		    updated_at = NOW()
	`, int64(cp.UniverseID), cp.BuiltUntil.UTC(), cp.RunID)

	return err
}
