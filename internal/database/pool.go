package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rwa-market/pricesync/internal/config"
)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Schema creates the archive table when missing.
const Schema = `
CREATE TABLE IF NOT EXISTS quote_ticks (
	instrument_id      TEXT             NOT NULL,
	chain              TEXT             NOT NULL,
	address            TEXT             NOT NULL DEFAULT '',
	symbol             TEXT             NOT NULL DEFAULT '',
	price              DOUBLE PRECISION NOT NULL,
	change_24h         DOUBLE PRECISION NOT NULL,
	change_percent_24h DOUBLE PRECISION NOT NULL,
	volume_24h         DOUBLE PRECISION,
	market_cap         DOUBLE PRECISION,
	source             TEXT             NOT NULL,
	observed_at        TIMESTAMPTZ      NOT NULL,
	received_at        TIMESTAMPTZ      NOT NULL,
	PRIMARY KEY (instrument_id, observed_at)
)`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create quote_ticks: %w", err)
	}
	return nil
}
