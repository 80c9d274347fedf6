package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
)

// CheckpointStore implements storage.CheckpointStore on SQLite.
type CheckpointStore struct {
	d *DB
}

// NewCheckpointStore creates a new CheckpointStore.
func NewCheckpointStore(d *DB) *CheckpointStore {
	return &CheckpointStore{d: d}
}

var _ storage.CheckpointStore = (*CheckpointStore)(nil)

// GetCheckpoint returns the last completed build position of a universe.
func (s *CheckpointStore) GetCheckpoint(ctx context.Context, universe domain.UniverseID) (*storage.BuildCheckpoint, error) {
	var builtUntil, updatedAt int64
	cp := storage.BuildCheckpoint{UniverseID: universe}
	err := s.d.db.QueryRowContext(ctx, `
		SELECT built_until, run_id, updated_at
		FROM build_checkpoints
		WHERE universe_id = ?
	`, int64(universe)).Scan(&builtUntil, &cp.RunID, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	cp.BuiltUntil = fromMillis(builtUntil)
	cp.UpdatedAt = fromMillis(updatedAt)
	return &cp, nil
}

// SetCheckpoint saves the checkpoint, replacing any previous one.
func (s *CheckpointStore) SetCheckpoint(ctx context.Context, cp *storage.BuildCheckpoint) error {
	if cp == nil || cp.BuiltUntil.IsZero() {
		return storage.ErrInvalidInput
	}

	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO build_checkpoints (universe_id, built_until, run_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (universe_id) DO UPDATE
		SET built_until = excluded.built_until,
		    run_id = excluded.run_id,
		    updated_at = excluded.updated_at
	`, int64(cp.UniverseID), toMillis(cp.BuiltUntil), cp.RunID, toMillis(time.Now()))
	return err
}
