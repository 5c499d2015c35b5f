// Package store persists the service registry and batch progress.
//
// Implementations live in subpackages: sqlite (embedded, CGO-free), postgres
// (shared with other tools reading the registry) and memory (tests and
// ephemeral runs). Writes are last-write-wins per row; there are no
// cross-service transactions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/devsvc/internal/service"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrExists is returned by CreateBatch for a duplicate id.
	ErrExists = errors.New("store: already exists")
	// ErrItemFinal is returned by UpdateItem when the item already reached
	// a terminal status.
	ErrItemFinal = errors.New("store: item already final")
	// ErrBatchFinal is returned by UpdateBatch when the batch already reached
	// a terminal status.
	ErrBatchFinal = errors.New("store: batch already final")
)

// ServiceRecord is one row of the service registry.
type ServiceRecord struct {
	Name            string         `json:"service_name"`
	DisplayName     string         `json:"display_name"`
	Description     string         `json:"description"`
	Port            int            `json:"port"`
	Protocol        string         `json:"protocol"`
	Host            string         `json:"host"`
	BasePath        string         `json:"base_path"`
	Environment     string         `json:"environment"`
	Status          service.Status `json:"status"`
	HealthEndpoint  string         `json:"health_check_endpoint"`
	LastHealthCheck time.Time      `json:"last_health_check,omitempty"`
	LastHealth      service.Health `json:"last_health_status"`
	PID             int            `json:"pid,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchQueued    BatchStatus = "queued"
	BatchRunning   BatchStatus = "running"
	BatchPaused    BatchStatus = "paused"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

// ItemStatus is the processing state of one batch item.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
)

func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemSkipped
}

// BatchRecord is one row of processing_batches.
type BatchRecord struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	BatchType      string         `json:"batch_type,omitempty"`
	Priority       int            `json:"priority"`
	Status         BatchStatus    `json:"status"`
	TotalCount     int            `json:"total_count"`
	CompletedCount int            `json:"completed_count"`
	FailedCount    int            `json:"failed_count"`
	SkippedCount   int            `json:"skipped_count"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      time.Time      `json:"started_at,omitempty"`
	CompletedAt    time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ItemRecord is one row of batch_processing_status. Items are keyed by
// (BatchID, Order).
type ItemRecord struct {
	BatchID      string         `json:"batch_id"`
	Order        int            `json:"processing_order"`
	ItemRef      string         `json:"item_ref"`
	Status       ItemStatus     `json:"status"`
	Attempts     int            `json:"attempts"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	CompletedAt  time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ServiceStore is the registry contract used by the supervisor.
type ServiceStore interface {
	UpsertService(ctx context.Context, rec ServiceRecord) error
	GetService(ctx context.Context, name string) (ServiceRecord, error)
	ListServices(ctx context.Context, environment string) ([]ServiceRecord, error)
	// MarkAllInactive flips every live row of environment to inactive and
	// returns the number of rows changed.
	MarkAllInactive(ctx context.Context, environment string) (int64, error)
}

// BatchStore persists batch progress.
type BatchStore interface {
	CreateBatch(ctx context.Context, rec BatchRecord) error
	GetBatch(ctx context.Context, id string) (BatchRecord, error)
	ListBatches(ctx context.Context, limit int) ([]BatchRecord, error)
	UpdateBatch(ctx context.Context, rec BatchRecord) error
	// CreateItems inserts all items of a batch in one transaction.
	CreateItems(ctx context.Context, items []ItemRecord) error
	UpdateItem(ctx context.Context, rec ItemRecord) error
	ListItems(ctx context.Context, batchID string) ([]ItemRecord, error)
}

// Store is the full persistence surface.
type Store interface {
	ServiceStore
	BatchStore
	EnsureSchema(ctx context.Context) error
	Close() error
}
