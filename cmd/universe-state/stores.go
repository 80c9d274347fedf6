package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"universe-state/internal/config"
	"universe-state/internal/logger"
	"universe-state/internal/storage"
	chstore "universe-state/internal/storage/clickhouse"
	"universe-state/internal/storage/memory"
	"universe-state/internal/storage/migrations"
	pgstore "universe-state/internal/storage/postgres"
	"universe-state/internal/storage/rediscache"
	"universe-state/internal/storage/sqlite"
)

// stateDBFile is the SQLite file created inside engine.saved_dir.
const stateDBFile = "states.db"

type stores struct {
	membership  storage.MembershipSource
	instruments storage.InstrumentStore
	bars        storage.BarStore
	states      storage.StateStore
	checkpoints storage.CheckpointStore
	closers     []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores connects every backend the config names. Membership and
// instruments always come from postgres; bars from store.bar_source; States and checkpoints
// from store.backend, optionally behind the Redis cache.
func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, error) {
	if err := cfg.RequireSources(); err != nil {
		return nil, err
	}
	s := &stores{}

	pool, err := pgstore.NewPoolWithConfig(ctx, cfg.Store.PostgresDSN, pgstore.PoolConfig{MaxConns: cfg.Store.MaxConns})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, pool.Close)
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		s.close()
		return nil, fmt.Errorf("postgres migrations: %w", err)
	}
	s.membership = pgstore.NewMembershipStore(pool)
	s.instruments = pgstore.NewInstrumentStore(pool)

	var ch *chstore.Conn
	if cfg.Store.BarSource == config.BackendClickhouse || cfg.Store.Backend == config.BackendClickhouse {
		ch, err = migrations.RunClickhouseMigrations(ctx, cfg.Store.ClickhouseDSN)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		s.closers = append(s.closers, func() { _ = ch.Close() })
	}

	if cfg.Store.BarSource == config.BackendClickhouse {
		s.bars = chstore.NewBarStore(ch)
	} else {
		s.bars = pgstore.NewBarStore(pool)
	}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		s.states = pgstore.NewStateStore(pool)
		s.checkpoints = pgstore.NewCheckpointStore(pool)
	case config.BackendClickhouse:
		s.states = chstore.NewStateStore(ch)
		s.checkpoints = pgstore.NewCheckpointStore(pool)
	case config.BackendMemory:
		s.states = memory.NewStateStore()
		s.checkpoints = memory.NewCheckpointStore()
	default:
		if err := os.MkdirAll(cfg.Engine.SavedDir, 0o755); err != nil {
			s.close()
			return nil, fmt.Errorf("create saved_dir: %w", err)
		}
		db, err := sqlite.Open(ctx, filepath.Join(cfg.Engine.SavedDir, stateDBFile))
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = db.Close() })
		s.states = sqlite.NewStateStore(db)
		s.checkpoints = sqlite.NewCheckpointStore(db)
	}

	if cfg.Cache.Enabled {
		cache, err := rediscache.New(ctx, cfg.Cache.Redis, s.states, log)
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = cache.Close() })
		s.states = cache
	}

	log.Info("stores opened",
		logger.String("backend", cfg.Store.Backend),
		logger.String("bar_source", cfg.Store.BarSource),
		logger.Bool("cache", cfg.Cache.Enabled),
	)
	return s, nil
}
