// Package history exports service and batch lifecycle events to analytics
// systems.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventServiceStart  EventType = "service_start"
	EventServiceStop   EventType = "service_stop"
	EventServiceExit   EventType = "service_exit"
	EventServiceHealth EventType = "service_health"
	EventBatchStart    EventType = "batch_start"
	EventBatchFinish   EventType = "batch_finish"
)

// Event represents a lifecycle event to be exported to external systems.
// Subject is a service name or a batch id.
type Event struct {
	Type        EventType         `json:"type"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Environment string            `json:"environment,omitempty"`
	Subject     string            `json:"subject"`
	Status      string            `json:"status"`
	Port        int               `json:"port,omitempty"`
	PID         int               `json:"pid,omitempty"`
	Message     string            `json:"message,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks. A nil *Recorder drops everything.
type Recorder struct {
	mu      sync.RWMutex
	sinks   []Sink
	env     string
	timeout time.Duration
	log     *slog.Logger
}

func NewRecorder(environment string, log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: append([]Sink(nil), sinks...), env: environment, timeout: 5 * time.Second, log: log}
}

// Add registers another sink.
func (r *Recorder) Add(s Sink) {
	if r == nil || s == nil {
		return
	}
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Len returns the number of sinks.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Record sends e to every sink. Sink failures are logged and returned
// joined; they never block the caller beyond the per-sink timeout.
func (r *Recorder) Record(ctx context.Context, e Event) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	if len(sinks) == 0 {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.Environment == "" {
		e.Environment = r.env
	}
	// events are recorded after the fact; the caller's cancellation does not apply
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	var errs []error
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "event", e.Type, "subject", e.Subject, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Send(ctx context.Context, e Event) error { return f(ctx, e) }
