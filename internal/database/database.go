// Package database manages PostgreSQL connections and provides the data access layer.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// DB wraps the PostgreSQL connection pool and provides query methods.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate runs database schema migrations.
// An advisory lock prevents concurrent replicas from racing on DDL statements.
func (db *DB) Migrate(ctx context.Context) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	// Distinct from the other Open Cloud Ops services sharing the instance.
	const migrationLockID int64 = 0x4F43_4F07 // "OCO" prefix + 07
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	_, err = conn.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS report_requests (
	id              TEXT PRIMARY KEY,
	topic           TEXT NOT NULL,
	tier            TEXT NOT NULL,
	source          TEXT NOT NULL,
	order_id        TEXT NOT NULL DEFAULT '',
	requester_name  TEXT NOT NULL DEFAULT '',
	requester_email TEXT NOT NULL DEFAULT '',
	requested_at    TIMESTAMPTZ NOT NULL,
	state           TEXT NOT NULL,
	stage           TEXT NOT NULL DEFAULT '',
	failure         TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	delivery_error  TEXT NOT NULL DEFAULT '',
	fingerprint     TEXT NOT NULL DEFAULT '',
	cache_hit       BOOLEAN NOT NULL DEFAULT FALSE,
	cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS provider_invocations (
	id            TEXT PRIMARY KEY,
	request_id    TEXT NOT NULL DEFAULT '',
	fingerprint   TEXT NOT NULL DEFAULT '',
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	attempt       INTEGER NOT NULL DEFAULT 0,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	outcome       TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	timestamp     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ledger_spend (
	ledger     TEXT PRIMARY KEY,
	spent_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS model_pricing (
	provider           TEXT NOT NULL,
	model              TEXT NOT NULL,
	input_per_m_token  DOUBLE PRECISION NOT NULL,
	output_per_m_token DOUBLE PRECISION NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (provider, model)
);

CREATE TABLE IF NOT EXISTS monitoring_topics (
	topic      TEXT PRIMARY KEY,
	enabled    BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_report_requests_requested_at ON report_requests(requested_at);
CREATE INDEX IF NOT EXISTS idx_report_requests_state ON report_requests(state);
CREATE INDEX IF NOT EXISTS idx_report_requests_order_id ON report_requests(order_id);
CREATE INDEX IF NOT EXISTS idx_provider_invocations_request_id ON provider_invocations(request_id);
CREATE INDEX IF NOT EXISTS idx_provider_invocations_timestamp ON provider_invocations(timestamp);
`

// SeedPricing inserts pricing rows that are not already stored. Rows edited
// by an operator are left alone.
func (db *DB) SeedPricing(ctx context.Context, rows []models.ModelPricing) error {
	for _, p := range rows {
		_, err := db.Pool.Exec(ctx, `
			INSERT INTO model_pricing (provider, model, input_per_m_token, output_per_m_token)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (provider, model) DO NOTHING
		`, string(p.Provider), p.Model, p.InputPerMToken, p.OutputPerMToken)
		if err != nil {
			return fmt.Errorf("seeding pricing for %s/%s: %w", p.Provider, p.Model, err)
		}
	}

	return nil
}
