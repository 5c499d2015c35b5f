// Package memory is an in-process store.Store used by tests and by runs
// that do not need the registry to outlive the process.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/devsvc/internal/service"
	"github.com/loykin/devsvc/internal/store"
)

type itemKey struct {
	batch string
	order int
}

type DB struct {
	mu       sync.RWMutex
	services map[string]store.ServiceRecord
	batches  map[string]store.BatchRecord
	items    map[itemKey]store.ItemRecord
}

func New() *DB {
	return &DB{
		services: make(map[string]store.ServiceRecord),
		batches:  make(map[string]store.BatchRecord),
		items:    make(map[itemKey]store.ItemRecord),
	}
}

func (m *DB) EnsureSchema(context.Context) error { return nil }
func (m *DB) Close() error                       { return nil }

func (m *DB) UpsertService(_ context.Context, rec store.ServiceRecord) error {
	if strings.TrimSpace(rec.Name) == "" {
		return errors.New("store: service name required")
	}
	if rec.LastHealth == "" {
		rec.LastHealth = service.HealthUnknown
	}
	rec.UpdatedAt = time.Now().UTC()
	rec.Metadata = maps.Clone(rec.Metadata)
	m.mu.Lock()
	m.services[rec.Name] = rec
	m.mu.Unlock()
	return nil
}

func (m *DB) GetService(_ context.Context, name string) (store.ServiceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.services[name]
	if !ok {
		return store.ServiceRecord{}, fmt.Errorf("service %q: %w", name, store.ErrNotFound)
	}
	rec.Metadata = maps.Clone(rec.Metadata)
	return rec, nil
}

func (m *DB) ListServices(_ context.Context, environment string) ([]store.ServiceRecord, error) {
	m.mu.RLock()
	out := make([]store.ServiceRecord, 0, len(m.services))
	for _, rec := range m.services {
		if environment == "" || rec.Environment == environment {
			rec.Metadata = maps.Clone(rec.Metadata)
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *DB) MarkAllInactive(_ context.Context, environment string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for name, rec := range m.services {
		if rec.Environment != environment || rec.Status == service.StatusInactive {
			continue
		}
		rec.Status = service.StatusInactive
		rec.PID = 0
		rec.UpdatedAt = now
		m.services[name] = rec
		n++
	}
	return n, nil
}

func (m *DB) CreateBatch(_ context.Context, rec store.BatchRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("store: batch id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[rec.ID]; ok {
		return fmt.Errorf("batch %q: %w", rec.ID, store.ErrExists)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = store.BatchQueued
	}
	rec.UpdatedAt = now
	rec.Metadata = maps.Clone(rec.Metadata)
	m.batches[rec.ID] = rec
	return nil
}

func (m *DB) GetBatch(_ context.Context, id string) (store.BatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.batches[id]
	if !ok {
		return store.BatchRecord{}, fmt.Errorf("batch %q: %w", id, store.ErrNotFound)
	}
	rec.Metadata = maps.Clone(rec.Metadata)
	return rec, nil
}

func (m *DB) ListBatches(_ context.Context, limit int) ([]store.BatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	out := make([]store.BatchRecord, 0, len(m.batches))
	for _, rec := range m.batches {
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *DB) UpdateBatch(_ context.Context, rec store.BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[rec.ID]
	if !ok {
		return fmt.Errorf("batch %q: %w", rec.ID, store.ErrNotFound)
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("batch %q is %s: %w", rec.ID, cur.Status, store.ErrBatchFinal)
	}
	cur.Status = rec.Status
	cur.TotalCount = rec.TotalCount
	cur.CompletedCount = rec.CompletedCount
	cur.FailedCount = rec.FailedCount
	cur.SkippedCount = rec.SkippedCount
	cur.ErrorMessage = rec.ErrorMessage
	cur.Metadata = maps.Clone(rec.Metadata)
	cur.StartedAt = rec.StartedAt
	cur.CompletedAt = rec.CompletedAt
	cur.UpdatedAt = time.Now().UTC()
	m.batches[rec.ID] = cur
	return nil
}

func (m *DB) CreateItems(_ context.Context, items []store.ItemRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		if _, ok := m.items[itemKey{it.BatchID, it.Order}]; ok {
			return fmt.Errorf("item %s/%d: %w", it.BatchID, it.Order, store.ErrExists)
		}
	}
	now := time.Now().UTC()
	for _, it := range items {
		if it.Status == "" {
			it.Status = store.ItemPending
		}
		it.UpdatedAt = now
		it.Metadata = maps.Clone(it.Metadata)
		m.items[itemKey{it.BatchID, it.Order}] = it
	}
	return nil
}

func (m *DB) UpdateItem(_ context.Context, rec store.ItemRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := itemKey{rec.BatchID, rec.Order}
	cur, ok := m.items[k]
	if !ok {
		return fmt.Errorf("item %s/%d: %w", rec.BatchID, rec.Order, store.ErrNotFound)
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("item %s/%d is %s: %w", rec.BatchID, rec.Order, cur.Status, store.ErrItemFinal)
	}
	cur.Status = rec.Status
	cur.Attempts = rec.Attempts
	cur.ErrorMessage = rec.ErrorMessage
	cur.Metadata = maps.Clone(rec.Metadata)
	cur.StartedAt = rec.StartedAt
	cur.CompletedAt = rec.CompletedAt
	cur.UpdatedAt = time.Now().UTC()
	m.items[k] = cur
	return nil
}

func (m *DB) ListItems(_ context.Context, batchID string) ([]store.ItemRecord, error) {
	m.mu.RLock()
	out := make([]store.ItemRecord, 0)
	for k, it := range m.items {
		if k.batch == batchID {
			it.Metadata = maps.Clone(it.Metadata)
			out = append(out, it)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

var _ store.Store = (*DB)(nil)
