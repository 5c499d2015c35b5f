// Package sqlsink appends history events to a lifecycle_events table in
// SQLite or PostgreSQL. It shares nothing with the registry store and only
// ever inserts.
package sqlsink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/loykin/devsvc/internal/history"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// Sink is a history.Sink backed by database/sql.
type Sink struct {
	db      *sql.DB
	dialect string
}

// New opens dsn and creates the events table when missing.
// Accepted forms: postgres://..., postgresql://..., sqlite://<path>, or a
// bare sqlite path.
func New(dsn string) (*Sink, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty DSN for SQL history sink")
	}
	ld := strings.ToLower(d)
	drv, dialect, path := "sqlite", dialectSQLite, strings.TrimPrefix(d, "sqlite://")
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		drv, dialect, path = "pgx", dialectPostgres, d
	}
	db, err := sql.Open(drv, path)
	if err != nil {
		return nil, err
	}
	if dialect == dialectSQLite {
		// one writer; avoids SQLITE_BUSY between concurrent Sends
		db.SetMaxOpenConns(1)
	}
	s := &Sink{db: db, dialect: dialect}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	id, ts, js := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP", "TEXT"
	if s.dialect == dialectPostgres {
		id, ts, js = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ", "JSONB"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lifecycle_events(
			id ` + id + `,
			occurred_at ` + ts + ` NOT NULL,
			environment TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			subject TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			pid INTEGER NOT NULL DEFAULT 0,
			message TEXT NULL,
			labels ` + js + ` NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_subject ON lifecycle_events(subject);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_type ON lifecycle_events(event_type);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	var labels any
	if len(e.Labels) > 0 {
		b, err := json.Marshal(e.Labels)
		if err != nil {
			return err
		}
		labels = string(b)
	}
	var msg any
	if e.Message != "" {
		msg = e.Message
	}
	q := `INSERT INTO lifecycle_events(occurred_at, environment, event_type, subject, status, port, pid, message, labels)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`
	if s.dialect == dialectPostgres {
		q = `INSERT INTO lifecycle_events(occurred_at, environment, event_type, subject, status, port, pid, message, labels)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9);`
	}
	_, err := s.db.ExecContext(ctx, q,
		e.OccurredAt.UTC(), e.Environment, string(e.Type), e.Subject, e.Status, e.Port, e.PID, msg, labels)
	return err
}

// Events returns up to limit events for subject, newest first. An empty
// subject matches every event.
func (s *Sink) Events(ctx context.Context, subject string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT occurred_at, environment, event_type, subject, status, port, pid, message, labels
		FROM lifecycle_events WHERE (? = '' OR subject = ?) ORDER BY id DESC LIMIT ?`
	if s.dialect == dialectPostgres {
		q = `SELECT occurred_at, environment, event_type, subject, status, port, pid, message, labels
		FROM lifecycle_events WHERE ($1::text = '' OR subject = $2) ORDER BY id DESC LIMIT $3`
	}
	rows, err := s.db.QueryContext(ctx, q, subject, subject, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e      history.Event
			typ    string
			msg    sql.NullString
			labels sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &e.Environment, &typ, &e.Subject, &e.Status, &e.Port, &e.PID, &msg, &labels); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.Message = msg.String
		if labels.Valid && labels.String != "" {
			if err := json.Unmarshal([]byte(labels.String), &e.Labels); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error { return s.db.Close() }
