package rediscache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"universe-state/internal/domain"
	"universe-state/internal/storage"
	"universe-state/internal/storage/memory"
)

// countingStore counts Get calls that reach the backing store.
type countingStore struct {
	*memory.StateStore
	gets atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, key storage.StateKey) (*domain.State, error) {
	s.gets.Add(1)
	return s.StateStore.Get(ctx, key)
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second),
				wait.ForListeningPort("6379/tcp"),
			),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func makeState(end time.Time, close float64) *domain.State {
	return &domain.State{
		UniverseID:   1,
		InstrumentID: 7,
		Duration:     "1d",
		PeriodStart:  end.Add(-390 * time.Minute),
		PeriodEnd:    end,
		Close:        close,
		Status:       domain.StatusOK,
		Indicators: map[string]domain.Value{
			"pldot":     domain.DefinedValue(close),
			"ema_close": domain.Undefined(),
		},
	}
}

func day(d int) time.Time {
	return time.Date(2025, 1, d, 21, 0, 0, 0, time.UTC)
}

func TestStateStore_ReadThrough(t *testing.T) {
	client := setupRedis(t)
	backing := &countingStore{StateStore: memory.NewStateStore()}
	cache := Wrap(client, Config{Prefix: "test", TTL: time.Minute}, backing, nil)
	ctx := context.Background()

	st := makeState(day(2), 100)
	require.NoError(t, cache.Upsert(ctx, st))

	for i := 0; i < 3; i++ {
		got, err := cache.Get(ctx, storage.KeyOf(st))
		require.NoError(t, err)
		assert.Equal(t, 100.0, got.Close)
		assert.True(t, got.PeriodEnd.Equal(st.PeriodEnd))
		assert.False(t, got.Indicators["ema_close"].Defined)
	}
	assert.Equal(t, int64(1), backing.gets.Load(), "later reads are served from redis")

	_, err := cache.Get(ctx, storage.KeyOf(makeState(day(3), 0)))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestStateStore_WritesInvalidate(t *testing.T) {
	client := setupRedis(t)
	backing := &countingStore{StateStore: memory.NewStateStore()}
	cache := Wrap(client, Config{Prefix: "test", TTL: time.Minute}, backing, nil)
	ctx := context.Background()

	var states []*domain.State
	for d := 2; d <= 6; d++ {
		states = append(states, makeState(day(d), float64(d)))
	}
	require.NoError(t, cache.UpsertBulk(ctx, states))
	for _, st := range states {
		_, err := cache.Get(ctx, storage.KeyOf(st))
		require.NoError(t, err)
	}

	revised := makeState(day(2), 200)
	require.NoError(t, cache.Upsert(ctx, revised))
	got, err := cache.Get(ctx, storage.KeyOf(revised))
	require.NoError(t, err)
	assert.Equal(t, 200.0, got.Close, "upsert must not leave a stale entry")

	series := storage.KeyOf(revised).Series()
	n, err := cache.DeleteFrom(ctx, series, day(4))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for d := 4; d <= 6; d++ {
		_, err := cache.Get(ctx, series.At(day(d)))
		assert.True(t, errors.Is(err, storage.ErrNotFound), "day %d", d)
	}
	_, err = cache.Get(ctx, series.At(day(3)))
	assert.NoError(t, err, "entries before the cutoff survive")

	require.NoError(t, cache.Delete(ctx, series.At(day(3))))
	_, err = cache.Get(ctx, series.At(day(3)))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
