// Package rediscache is a read-through Redis cache in front of a
// storage.StateStore. Point reads are cached; range reads go to the store.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"universe-state/internal/domain"
	"universe-state/internal/logger"
	"universe-state/internal/observability"
	"universe-state/internal/storage"
)

// Config configures the Redis connection and entry lifetime.
type Config struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix" default:"universe-state"`
	TTL      time.Duration `yaml:"ttl" default:"1h"`
	PoolSize int           `yaml:"pool_size" default:"10"`
}

// StateStore wraps a backing StateStore. Writes go to the backing store
// first and then invalidate the affected cache entries, so a failed
// invalidation can only leave entries that expire with the TTL.
type StateStore struct {
	next   storage.StateStore
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

var _ storage.StateStore = (*StateStore)(nil)

// New connects to Redis and wraps next.
func New(ctx context.Context, cfg Config, next storage.StateStore, log *logger.Logger) (*StateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return Wrap(client, cfg, next, log), nil
}

// Wrap builds a cache on an existing client.
func Wrap(client *redis.Client, cfg Config, next storage.StateStore, log *logger.Logger) *StateStore {
	if log == nil {
		log = logger.Nop()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "universe-state"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StateStore{next: next, client: client, prefix: prefix, ttl: ttl, log: log}
}

// Close closes the Redis client. The backing store is left open.
func (c *StateStore) Close() error {
	return c.client.Close()
}

// seriesPrefix is shared by every key of one lineage.
func (c *StateStore) seriesPrefix(s storage.SeriesKey) string {
	return fmt.Sprintf("%s:state:%d:%d:%s:", c.prefix, s.UniverseID, s.InstrumentID, s.Duration)
}

func (c *StateStore) key(k storage.StateKey) string {
	return c.seriesPrefix(k.Series()) + strconv.FormatInt(k.PeriodEnd.UTC().UnixNano(), 10)
}

// Get serves from Redis when possible and fills the cache on a miss.
// Redis failures degrade to the backing store.
func (c *StateStore) Get(ctx context.Context, key storage.StateKey) (*domain.State, error) {
	rk := c.key(key)
	data, err := c.client.Get(ctx, rk).Bytes()
	switch {
	case err == nil:
		var st domain.State
		if uerr := json.Unmarshal(data, &st); uerr == nil {
			observability.RecordCacheLookup(true)
			normalize(&st)
			return &st, nil
		}
		c.log.Warn("dropping undecodable cache entry", logger.String("key", rk))
		_ = c.client.Del(ctx, rk).Err()
	case !errors.Is(err, redis.Nil):
		c.log.Warn("redis get failed", logger.String("key", rk), logger.Err(err))
	}
	observability.RecordCacheLookup(false)

	st, err := c.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(st); err == nil {
		if err := c.client.Set(ctx, rk, data, c.ttl).Err(); err != nil {
			c.log.Warn("redis set failed", logger.String("key", rk), logger.Err(err))
		}
	}
	return st, nil
}

// Range reads through to the backing store.
func (c *StateStore) Range(ctx context.Context, series storage.SeriesKey, start, end time.Time) ([]*domain.State, error) {
	return c.next.Range(ctx, series, start, end)
}

// Before reads through to the backing store.
func (c *StateStore) Before(ctx context.Context, series storage.SeriesKey, before time.Time, n int) ([]*domain.State, error) {
	return c.next.Before(ctx, series, before, n)
}

// Upsert writes through and invalidates the key.
func (c *StateStore) Upsert(ctx context.Context, st *domain.State) error {
	if err := c.next.Upsert(ctx, st); err != nil {
		return err
	}
	return c.invalidate(ctx, c.key(storage.KeyOf(st)))
}

// UpsertBulk writes through and invalidates every written key.
func (c *StateStore) UpsertBulk(ctx context.Context, states []*domain.State) error {
	if err := c.next.UpsertBulk(ctx, states); err != nil {
		return err
	}
	if len(states) == 0 {
		return nil
	}
	keys := make([]string, len(states))
	for i, st := range states {
		keys[i] = c.key(storage.KeyOf(st))
	}
	return c.invalidate(ctx, keys...)
}

// Delete removes from the backing store and the cache.
func (c *StateStore) Delete(ctx context.Context, key storage.StateKey) error {
	if err := c.next.Delete(ctx, key); err != nil {
		return err
	}
	return c.invalidate(ctx, c.key(key))
}

// DeleteFrom removes from the backing store, then scans the lineage's
// cache keys and drops those at or after from.
func (c *StateStore) DeleteFrom(ctx context.Context, series storage.SeriesKey, from time.Time) (int64, error) {
	n, err := c.next.DeleteFrom(ctx, series, from)
	if err != nil {
		return n, err
	}

	prefix := c.seriesPrefix(series)
	cutoff := from.UTC().UnixNano()
	var stale []string
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		ns, perr := strconv.ParseInt(strings.TrimPrefix(k, prefix), 10, 64)
		if perr != nil || ns >= cutoff {
			stale = append(stale, k)
		}
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("scan cache keys: %w", err)
	}
	if len(stale) == 0 {
		return n, nil
	}
	return n, c.invalidate(ctx, stale...)
}

func (c *StateStore) invalidate(ctx context.Context, keys ...string) error {
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate cache: %w", err)
	}
	return nil
}

func normalize(st *domain.State) {
	st.PeriodStart = st.PeriodStart.UTC()
	st.PeriodEnd = st.PeriodEnd.UTC()
	if st.Indicators == nil {
		st.Indicators = make(map[string]domain.Value)
	}
}
