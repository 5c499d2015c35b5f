package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/devsvc/internal/history"
)

var tableRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Table == "" {
		opts.Table = "devsvc_events"
	}
	if !tableRe.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", opts.Table)
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: opts.Table}, nil
}

// EnsureTable creates the events table when it does not exist.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			type LowCardinality(String),
			occurred_at DateTime64(6),
			environment LowCardinality(String),
			subject String,
			status LowCardinality(String),
			port UInt16,
			pid UInt32,
			message String,
			labels Map(String, String)
		) ENGINE = MergeTree()
		ORDER BY (subject, occurred_at)`)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	labels := e.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	cols := []string{"type", "occurred_at", "environment", "subject", "status", "port", "pid", "message", "labels"}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table, strings.Join(cols, ", "))
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		e.Environment,
		e.Subject,
		e.Status,
		uint16(e.Port),
		uint32(e.PID),
		e.Message,
		labels,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
