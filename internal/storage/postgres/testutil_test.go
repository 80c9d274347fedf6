package postgres

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB creates a PostgreSQL container for testing and applies migrations.
// Returns a cleanup function that must be called after tests complete.
// Skipped with -short since it needs a container runtime.
func setupTestDB(t *testing.T) (*Pool, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err, "failed to create pool")

	// Run migrations
	runMigrations(t, ctx, pool)

	cleanup := func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return pool, cleanup
}

// runMigrations applies the SQL files next door in lexical order. The
// migrations package imports this one, so the files are read from disk.
func runMigrations(t *testing.T, ctx context.Context, pool *Pool) {
	t.Helper()

	files, err := filepath.Glob(filepath.Join("..", "migrations", "postgres", "*.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "no postgres migrations found")
	sort.Strings(files)

	for _, f := range files {
		stmt, err := os.ReadFile(f)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(stmt))
		require.NoError(t, err, "apply %s", filepath.Base(f))
	}
}

// ptr is a helper to create pointers to values.
func ptr[T any](v T) *T {
	return &v
}

// utc builds a UTC instant for fixtures.
func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}
