package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/devsvc/internal/service"
)

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2) instead of ?.
	Numbered bool
	Schema   []string
}

// SQL implements Store on top of database/sql. Backends wrap it with their
// driver and schema.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQL(db *sql.DB, d Dialect) *SQL { return &SQL{db: db, dialect: d} }

// DB exposes the underlying handle.
func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, q := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s schema: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (s *SQL) rebind(q string) string {
	if !s.dialect.Numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *SQL) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func encodeMeta(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMeta(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" || s.String == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

// ---- services ----

const serviceCols = `service_name, display_name, description, port, protocol, host, base_path,
	environment, status, health_check_endpoint, last_health_check, last_health_status,
	pid, last_error, metadata, updated_at`

func (s *SQL) UpsertService(ctx context.Context, rec ServiceRecord) error {
	if strings.TrimSpace(rec.Name) == "" {
		return errors.New("store: service name required")
	}
	meta, err := encodeMeta(rec.Metadata)
	if err != nil {
		return err
	}
	if rec.LastHealth == "" {
		rec.LastHealth = service.HealthUnknown
	}
	rec.UpdatedAt = time.Now().UTC()
	_, err = s.exec(ctx, `
		INSERT INTO service_registry(`+serviceCols+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(service_name) DO UPDATE SET
			display_name=excluded.display_name,
			description=excluded.description,
			port=excluded.port,
			protocol=excluded.protocol,
			host=excluded.host,
			base_path=excluded.base_path,
			environment=excluded.environment,
			status=excluded.status,
			health_check_endpoint=excluded.health_check_endpoint,
			last_health_check=excluded.last_health_check,
			last_health_status=excluded.last_health_status,
			pid=excluded.pid,
			last_error=excluded.last_error,
			metadata=excluded.metadata,
			updated_at=excluded.updated_at;`,
		rec.Name, rec.DisplayName, rec.Description, rec.Port, rec.Protocol, rec.Host, rec.BasePath,
		rec.Environment, string(rec.Status), rec.HealthEndpoint, nullTime(rec.LastHealthCheck), string(rec.LastHealth),
		rec.PID, rec.LastError, meta, rec.UpdatedAt)
	return err
}

func (s *SQL) GetService(ctx context.Context, name string) (ServiceRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+serviceCols+` FROM service_registry WHERE service_name=?`), name)
	rec, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ServiceRecord{}, fmt.Errorf("service %q: %w", name, ErrNotFound)
	}
	return rec, err
}

func (s *SQL) ListServices(ctx context.Context, environment string) ([]ServiceRecord, error) {
	q := `SELECT ` + serviceCols + ` FROM service_registry`
	var args []any
	if environment != "" {
		q += ` WHERE environment=?`
		args = append(args, environment)
	}
	q += ` ORDER BY port, service_name`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]ServiceRecord, 0)
	for rows.Next() {
		rec, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQL) MarkAllInactive(ctx context.Context, environment string) (int64, error) {
	res, err := s.exec(ctx, `
		UPDATE service_registry SET status=?, pid=0, updated_at=?
		WHERE environment=? AND status<>?`,
		string(service.StatusInactive), time.Now().UTC(), environment, string(service.StatusInactive))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanService(sc scanner) (ServiceRecord, error) {
	var (
		r          ServiceRecord
		status     string
		health     string
		lastCheck  sql.NullTime
		meta       sql.NullString
		desc, base sql.NullString
		lastErr    sql.NullString
	)
	err := sc.Scan(&r.Name, &r.DisplayName, &desc, &r.Port, &r.Protocol, &r.Host, &base,
		&r.Environment, &status, &r.HealthEndpoint, &lastCheck, &health,
		&r.PID, &lastErr, &meta, &r.UpdatedAt)
	if err != nil {
		return ServiceRecord{}, err
	}
	r.Description = desc.String
	r.BasePath = base.String
	r.LastError = lastErr.String
	r.Status = service.Status(status)
	r.LastHealth = service.Health(health)
	if lastCheck.Valid {
		r.LastHealthCheck = lastCheck.Time
	}
	r.Metadata = decodeMeta(meta)
	return r, nil
}

// ---- batches ----

const batchCols = `id, name, description, batch_type, priority, status, total_count,
	completed_count, failed_count, skipped_count, error_message, metadata,
	created_at, started_at, completed_at, updated_at`

func (s *SQL) CreateBatch(ctx context.Context, rec BatchRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("store: batch id required")
	}
	meta, err := encodeMeta(rec.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = BatchQueued
	}
	res, err := s.exec(ctx, `
		INSERT INTO processing_batches(`+batchCols+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Name, rec.Description, rec.BatchType, rec.Priority, string(rec.Status), rec.TotalCount,
		rec.CompletedCount, rec.FailedCount, rec.SkippedCount, rec.ErrorMessage, meta,
		rec.CreatedAt.UTC(), nullTime(rec.StartedAt), nullTime(rec.CompletedAt), now)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("batch %q: %w", rec.ID, ErrExists)
	}
	return nil
}

func (s *SQL) GetBatch(ctx context.Context, id string) (BatchRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+batchCols+` FROM processing_batches WHERE id=?`), id)
	rec, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BatchRecord{}, fmt.Errorf("batch %q: %w", id, ErrNotFound)
	}
	return rec, err
}

func (s *SQL) ListBatches(ctx context.Context, limit int) ([]BatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+batchCols+` FROM processing_batches
		ORDER BY created_at DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]BatchRecord, 0)
	for rows.Next() {
		rec, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQL) UpdateBatch(ctx context.Context, rec BatchRecord) error {
	meta, err := encodeMeta(rec.Metadata)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE processing_batches SET
			status=?, total_count=?, completed_count=?, failed_count=?, skipped_count=?,
			error_message=?, metadata=?, started_at=?, completed_at=?, updated_at=?
		WHERE id=? AND status NOT IN (?, ?, ?)`,
		string(rec.Status), rec.TotalCount, rec.CompletedCount, rec.FailedCount, rec.SkippedCount,
		rec.ErrorMessage, meta, nullTime(rec.StartedAt), nullTime(rec.CompletedAt), time.Now().UTC(),
		rec.ID, string(BatchCompleted), string(BatchFailed), string(BatchCancelled))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	var status string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM processing_batches WHERE id=?`), rec.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("batch %q: %w", rec.ID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("batch %q is %s: %w", rec.ID, status, ErrBatchFinal)
}

func scanBatch(sc scanner) (BatchRecord, error) {
	var (
		r                     BatchRecord
		status                string
		desc, btype, errMsg   sql.NullString
		meta                  sql.NullString
		startedAt, completeAt sql.NullTime
	)
	err := sc.Scan(&r.ID, &r.Name, &desc, &btype, &r.Priority, &status, &r.TotalCount,
		&r.CompletedCount, &r.FailedCount, &r.SkippedCount, &errMsg, &meta,
		&r.CreatedAt, &startedAt, &completeAt, &r.UpdatedAt)
	if err != nil {
		return BatchRecord{}, err
	}
	r.Status = BatchStatus(status)
	r.Description = desc.String
	r.BatchType = btype.String
	r.ErrorMessage = errMsg.String
	r.Metadata = decodeMeta(meta)
	if startedAt.Valid {
		r.StartedAt = startedAt.Time
	}
	if completeAt.Valid {
		r.CompletedAt = completeAt.Time
	}
	return r, nil
}

// ---- items ----

const itemCols = `batch_id, processing_order, item_ref, status, attempts, error_message,
	metadata, started_at, completed_at, updated_at`

func (s *SQL) CreateItems(ctx context.Context, items []ItemRecord) (err error) {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO batch_processing_status(`+itemCols+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	now := time.Now().UTC()
	for _, it := range items {
		if it.Status == "" {
			it.Status = ItemPending
		}
		meta, merr := encodeMeta(it.Metadata)
		if merr != nil {
			return merr
		}
		if _, err = stmt.ExecContext(ctx, it.BatchID, it.Order, it.ItemRef, string(it.Status), it.Attempts,
			it.ErrorMessage, meta, nullTime(it.StartedAt), nullTime(it.CompletedAt), now); err != nil {
			return fmt.Errorf("insert item %s/%d: %w", it.BatchID, it.Order, err)
		}
	}
	return tx.Commit()
}

func (s *SQL) UpdateItem(ctx context.Context, rec ItemRecord) error {
	meta, err := encodeMeta(rec.Metadata)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE batch_processing_status SET
			status=?, attempts=?, error_message=?, metadata=?, started_at=?, completed_at=?, updated_at=?
		WHERE batch_id=? AND processing_order=? AND status NOT IN (?, ?, ?)`,
		string(rec.Status), rec.Attempts, rec.ErrorMessage, meta, nullTime(rec.StartedAt), nullTime(rec.CompletedAt), time.Now().UTC(),
		rec.BatchID, rec.Order, string(ItemCompleted), string(ItemFailed), string(ItemSkipped))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	// distinguish a missing row from a finalized one
	var status string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM batch_processing_status WHERE batch_id=? AND processing_order=?`),
		rec.BatchID, rec.Order).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("item %s/%d: %w", rec.BatchID, rec.Order, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("item %s/%d is %s: %w", rec.BatchID, rec.Order, status, ErrItemFinal)
}

func (s *SQL) ListItems(ctx context.Context, batchID string) ([]ItemRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+itemCols+` FROM batch_processing_status
		WHERE batch_id=? ORDER BY processing_order`), batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]ItemRecord, 0)
	for rows.Next() {
		var (
			r                     ItemRecord
			status                string
			ref, errMsg, meta     sql.NullString
			startedAt, completeAt sql.NullTime
		)
		if err := rows.Scan(&r.BatchID, &r.Order, &ref, &status, &r.Attempts, &errMsg,
			&meta, &startedAt, &completeAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.ItemRef = ref.String
		r.Status = ItemStatus(status)
		r.ErrorMessage = errMsg.String
		r.Metadata = decodeMeta(meta)
		if startedAt.Valid {
			r.StartedAt = startedAt.Time
		}
		if completeAt.Valid {
			r.CompletedAt = completeAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
