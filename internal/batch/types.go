package batch

import (
	"context"
	"math"
	"time"

	"github.com/loykin/devsvc/internal/store"
)

// Status is the lifecycle state of a batch.
type Status = store.BatchStatus

const (
	StatusQueued    = store.BatchQueued
	StatusRunning   = store.BatchRunning
	StatusPaused    = store.BatchPaused
	StatusCompleted = store.BatchCompleted
	StatusFailed    = store.BatchFailed
	StatusCancelled = store.BatchCancelled
)

// ItemStatus is the processing state of one item.
type ItemStatus = store.ItemStatus

const (
	ItemPending    = store.ItemPending
	ItemProcessing = store.ItemProcessing
	ItemCompleted  = store.ItemCompleted
	ItemFailed     = store.ItemFailed
	ItemSkipped    = store.ItemSkipped
)

// Processor handles one item. index is the item's position in the input.
type Processor[T, R any] func(ctx context.Context, item T, index int) (R, error)

// Options tunes one Process call.
type Options struct {
	// Concurrency caps the number of items in flight. Defaults to 3.
	Concurrency int
	// Timeout bounds a single attempt. Zero means unbounded.
	Timeout time.Duration
	// Retries is the number of extra attempts after a failure.
	Retries int
	// RetryDelay is waited between attempts.
	RetryDelay time.Duration
	// OnProgress is called after every finished item. Calls are serialized
	// and counters never decrease between calls.
	OnProgress func(Progress)
	// ItemRef labels item i in persisted records. Defaults to fmt.Sprint(item).
	ItemRef func(index int) string
	// BatchType labels metrics and the created batch record.
	BatchType string
}

// DefaultConcurrency is used when Options.Concurrency is not positive.
const DefaultConcurrency = 3

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Timeout < 0 {
		o.Timeout = 0
	}
	if o.BatchType == "" {
		o.BatchType = "generic"
	}
	return o
}

// Progress is a snapshot of batch counters.
type Progress struct {
	BatchID    string `json:"batch_id"`
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Percentage int    `json:"percentage"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	InFlight   int    `json:"in_flight"`
	Status     Status `json:"status"`
}

func percentage(current, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(current) / float64(total) * 100))
}

// Result collects per-item outcomes positionally. For every index exactly one
// of Results[i] (completed), Errors[i] (failed or skipped) is meaningful, and
// Statuses[i] tells which. Items never dispatched stay pending.
type Result[R any] struct {
	BatchID    string       `json:"batch_id"`
	Status     Status       `json:"status"`
	Results    []R          `json:"results"`
	Errors     []error      `json:"-"`
	Statuses   []ItemStatus `json:"statuses"`
	Attempts   []int        `json:"attempts"`
	Progress   Progress     `json:"progress"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Failed returns the indexes of failed items in input order.
func (r *Result[R]) Failed() []int {
	var out []int
	for i, s := range r.Statuses {
		if s == ItemFailed {
			out = append(out, i)
		}
	}
	return out
}

// BatchSpec describes a batch created ahead of processing.
type BatchSpec struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	BatchType   string         `json:"batch_type,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	TotalCount  int            `json:"total_count,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
