package migrations

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	chstore "universe-state/internal/storage/clickhouse"
)

// RunClickhouseMigrations creates the DSN's database if needed and applies
// every embedded ClickHouse file. Returns a connection to that database.
func RunClickhouseMigrations(ctx context.Context, dsn string) (*chstore.Conn, error) {
	dbName, err := databaseFromDSN(dsn)
	if err != nil {
		return nil, err
	}

	admin, err := chstore.NewConnWithDatabase(ctx, dsn, "")
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse admin: %w", err)
	}
	err = admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", dbName))
	_ = admin.Close()
	if err != nil {
		return nil, fmt.Errorf("create database %s: %w", dbName, err)
	}

	conn, err := chstore.NewConnWithDatabase(ctx, dsn, dbName)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse db: %w", err)
	}

	// The driver rejects multi-statement queries.
	err = eachStatement(ClickhouseFS, "clickhouse", func(file, stmt string) error {
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		return nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func databaseFromDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	db := strings.TrimPrefix(u.Path, "/")
	if db == "" {
		return "", fmt.Errorf("clickhouse dsn missing database")
	}
	return db, nil
}
