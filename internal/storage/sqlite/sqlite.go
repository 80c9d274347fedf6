// Package sqlite stores States and build checkpoints in a local SQLite file.
// It backs single-machine runs where no PostgreSQL or ClickHouse is available.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"universe-state/internal/observability"
	"universe-state/internal/storage"
	"universe-state/internal/storage/migrations"
)

// DB wraps a SQLite handle. Writes are serialized; SQLite allows one writer.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the database at path, enables WAL and applies
// the embedded migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrations.RunSQLiteMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// observe records the duration and outcome of a store operation.
func observe(operation string, start time.Time, err *error) {
	failure := *err
	if errors.Is(failure, storage.ErrNotFound) {
		failure = nil
	}
	observability.RecordStoreOp("sqlite", operation, time.Since(start).Seconds(), failure)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
