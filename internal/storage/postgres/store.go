// Package postgres provides Postgres-backed job and result persistence.
package postgres

import (
	"context"
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

// pool is the subset of pgxpool.Pool used by the store. pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements harvest.JobStore and harvest.ResultStore on Postgres.
type Store struct {
	pool pool
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the harvest tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS harvest_jobs (
	id              TEXT PRIMARY KEY,
	url             TEXT NOT NULL,
	status          TEXT NOT NULL,
	options         JSONB NOT NULL DEFAULT '{}',
	priority        INTEGER NOT NULL DEFAULT 0,
	tags            JSONB NOT NULL DEFAULT '{}',
	owner           TEXT NOT NULL DEFAULT '',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT NOT NULL DEFAULT '',
	is_recurring    BOOLEAN NOT NULL DEFAULT FALSE,
	cron_expression TEXT NOT NULL DEFAULT '',
	parent_job_id   TEXT NOT NULL DEFAULT '',
	schedule_id     TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	scheduled_at    TIMESTAMPTZ,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS harvest_jobs_status_idx ON harvest_jobs (status, created_at);

CREATE TABLE IF NOT EXISTS harvest_audit (
	id      BIGSERIAL PRIMARY KEY,
	job_id  TEXT NOT NULL,
	action  TEXT NOT NULL,
	actor   TEXT NOT NULL,
	at      TIMESTAMPTZ NOT NULL,
	details TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS harvest_audit_job_idx ON harvest_audit (job_id, id);

CREATE TABLE IF NOT EXISTS harvest_schedules (
	id                TEXT PRIMARY KEY,
	template_job_id   TEXT NOT NULL,
	cron_expression   TEXT NOT NULL,
	next_fire         TIMESTAMPTZ NOT NULL,
	generating_job_id TEXT NOT NULL,
	active            BOOLEAN NOT NULL,
	runs              INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS harvest_results (
	job_id     TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	analyses   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);
`
