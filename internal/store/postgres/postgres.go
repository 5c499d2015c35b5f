package postgres

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/devsvc/internal/store"
)

// DB implements store.Store for PostgreSQL through the pgx stdlib driver.
type DB struct {
	*store.SQL
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS service_registry(
		service_name TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		description TEXT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		protocol TEXT NOT NULL DEFAULT 'http',
		host TEXT NOT NULL DEFAULT 'localhost',
		base_path TEXT NULL,
		environment TEXT NOT NULL DEFAULT 'development',
		status TEXT NOT NULL DEFAULT 'inactive',
		health_check_endpoint TEXT NOT NULL DEFAULT '',
		last_health_check TIMESTAMPTZ NULL,
		last_health_status TEXT NOT NULL DEFAULT 'unknown',
		pid INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NULL,
		metadata JSONB NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_service_registry_env ON service_registry(environment);`,
	`CREATE TABLE IF NOT EXISTS processing_batches(
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NULL,
		batch_type TEXT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		total_count INTEGER NOT NULL DEFAULT 0,
		completed_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		skipped_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NULL,
		metadata JSONB NULL,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ NULL,
		completed_at TIMESTAMPTZ NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_processing_batches_status ON processing_batches(status);`,
	`CREATE TABLE IF NOT EXISTS batch_processing_status(
		batch_id TEXT NOT NULL REFERENCES processing_batches(id) ON DELETE CASCADE,
		processing_order INTEGER NOT NULL,
		item_ref TEXT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NULL,
		metadata JSONB NULL,
		started_at TIMESTAMPTZ NULL,
		completed_at TIMESTAMPTZ NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY(batch_id, processing_order)
	);`,
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(10)
	d.SetConnMaxIdleTime(5 * time.Minute)
	return &DB{SQL: store.NewSQL(d, store.Dialect{Name: "postgres", Numbered: true, Schema: schema})}, nil
}
