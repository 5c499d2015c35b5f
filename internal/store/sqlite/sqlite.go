package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/devsvc/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
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
		last_health_check TIMESTAMP NULL,
		last_health_status TEXT NOT NULL DEFAULT 'unknown',
		pid INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NULL,
		metadata TEXT NULL,
		updated_at TIMESTAMP NOT NULL
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
		metadata TEXT NULL,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP NULL,
		completed_at TIMESTAMP NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_processing_batches_status ON processing_batches(status);`,
	`CREATE TABLE IF NOT EXISTS batch_processing_status(
		batch_id TEXT NOT NULL REFERENCES processing_batches(id) ON DELETE CASCADE,
		processing_order INTEGER NOT NULL,
		item_ref TEXT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NULL,
		metadata TEXT NULL,
		started_at TIMESTAMP NULL,
		completed_at TIMESTAMP NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY(batch_id, processing_order)
	);`,
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks from other processes
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{SQL: store.NewSQL(d, store.Dialect{Name: "sqlite", Schema: schema})}, nil
}
