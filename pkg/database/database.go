package database

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/metering-plane/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Database wraps the PostgreSQL connection pool
type Database struct {
	Pool *pgxpool.Pool
}

// NewDatabase creates a new database connection
func NewDatabase(cfg config.DatabaseConfig) (*Database, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
		cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Database{Pool: pool}, nil
}

// schema is the minimal metering schema. Accounts are provisioned by an
// administrative process; instances are written by the metering engine.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	owner        TEXT PRIMARY KEY,
	used_credits BIGINT NOT NULL DEFAULT 0,
	max_credits  BIGINT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS instances (
	id                 TEXT PRIMARY KEY,
	owner              TEXT NOT NULL REFERENCES accounts(owner),
	resource_type      TEXT NOT NULL,
	rate_per_hour      BIGINT NOT NULL,
	accumulated_charge BIGINT NOT NULL DEFAULT 0,
	start_time         TIMESTAMPTZ NOT NULL,
	stop_time          TIMESTAMPTZ,
	terminal           BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_instances_open ON instances (owner) WHERE stop_time IS NULL;
`

// Migrate applies the metering schema.
func (db *Database) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool
func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health checks database health
func (db *Database) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
