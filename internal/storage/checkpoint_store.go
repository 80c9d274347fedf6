package storage

import (
	"context"
	"time"

	"universe-state/internal/domain"
)

// BuildCheckpoint is the last successfully built position for a universe.
type BuildCheckpoint struct {
	UniverseID domain.UniverseID
	BuiltUntil time.Time // calendar date the next incremental build starts from
	RunID      string
	UpdatedAt  time.Time
}

// CheckpointStore persists incremental build progress so scheduled builds
// resume after restarts without rebuilding the whole history.
type CheckpointStore interface {
	// GetCheckpoint returns the checkpoint for a universe.
	// Returns ErrNotFound if no build has completed yet.
	GetCheckpoint(ctx context.Context, universe domain.UniverseID) (*BuildCheckpoint, error)

	// SetCheckpoint saves the checkpoint, replacing any previous one.
	SetCheckpoint(ctx context.Context, cp *BuildCheckpoint) error
}
