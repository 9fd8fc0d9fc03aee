// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of *pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Open connects a pool using cfg.
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Schema creates every table the stores need.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                     text PRIMARY KEY,
	friend_code            text NOT NULL,
	skip_update_score      boolean NOT NULL DEFAULT false,
	status                 text NOT NULL,
	stage                  text NOT NULL,
	bot_id                 text NOT NULL DEFAULT '',
	friend_request_sent_at timestamptz,
	claimed_at             timestamptz,
	completed_cells        integer[] NOT NULL DEFAULT '{}',
	total_cells            integer NOT NULL,
	result                 jsonb,
	error                  text NOT NULL DEFAULT '',
	executing              boolean NOT NULL DEFAULT false,
	created_at             timestamptz NOT NULL,
	updated_at             timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (status, bot_id, created_at);

CREATE TABLE IF NOT EXISTS score_cache (
	job_id     text NOT NULL,
	difficulty integer NOT NULL,
	score_type integer NOT NULL,
	page       text NOT NULL,
	created_at timestamptz NOT NULL,
	PRIMARY KEY (job_id, difficulty, score_type)
);
CREATE INDEX IF NOT EXISTS score_cache_created_idx ON score_cache (created_at);

CREATE TABLE IF NOT EXISTS bots (
	friend_code      text PRIMARY KEY,
	available        boolean NOT NULL,
	last_reported_at timestamptz NOT NULL,
	friend_count     integer
);

CREATE TABLE IF NOT EXISTS users (
	friend_code text PRIMARY KEY,
	idle_update boolean NOT NULL DEFAULT false,
	scores      jsonb NOT NULL DEFAULT '[]',
	rating      integer NOT NULL DEFAULT 0,
	created_at  timestamptz NOT NULL,
	updated_at  timestamptz NOT NULL
);`

// Migrate applies Schema.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
