package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDatabase creates a new database connection pool
func NewDatabase(ctx context.Context, databaseURL string, minConns, maxConns int) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	// Configure connection pool
	config.MinConns = int32(minConns)
	config.MaxConns = int32(maxConns)
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	// Create pool
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Database connection pool established (min: %d, max: %d)", minConns, maxConns)

	return &DB{Pool: pool}, nil
}

// Migrate bootstraps the schema. The unique constraints carry the
// idempotency and dedup guarantees; everything else is plumbing.
func (db *DB) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			external_transaction_id TEXT,
			idempotency_key TEXT NOT NULL UNIQUE,
			transaction_type TEXT NOT NULL,
			status TEXT NOT NULL,
			amount NUMERIC(19,4) NOT NULL,
			currency CHAR(3) NOT NULL,
			payment_method_token TEXT NOT NULL DEFAULT '',
			parent_transaction_id UUID,
			response_code TEXT,
			response_reason TEXT,
			correlation_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_parent
			ON transactions (parent_transaction_id)
			WHERE parent_transaction_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_external
			ON transactions (external_transaction_id)
			WHERE external_transaction_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id UUID PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			endpoint_url TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL,
			scheduled_at TIMESTAMPTZ NOT NULL,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			lease_expires_at TIMESTAMPTZ,
			delivered_at TIMESTAMPTZ,
			response_status_code INT,
			error_message TEXT,
			correlation_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (event_id, event_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_due
			ON webhook_events (next_attempt_at)
			WHERE status IN ('PENDING', 'RETRYING')`,
	}

	for _, stmt := range ddl {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Println("Database schema up to date")
	return nil
}

// Close gracefully closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		log.Println("Closing database connection pool...")
		db.Pool.Close()
	}
}

// Health checks database connectivity
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return db.Pool.Ping(ctx)
}
