// Package storetest holds the behavioral checks every store.Store backend
// must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devsvc/internal/service"
	"github.com/loykin/devsvc/internal/store"
)

// Run exercises s, which must have its schema in place and be empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	t.Run("services", func(t *testing.T) { testServices(t, s) })
	t.Run("mark_all_inactive", func(t *testing.T) { testMarkAllInactive(t, s) })
	t.Run("batches", func(t *testing.T) { testBatches(t, s) })
	t.Run("items", func(t *testing.T) { testItems(t, s) })
}

func testServices(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetService(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	checked := time.Now().UTC().Truncate(time.Second)
	rec := store.ServiceRecord{
		Name:            "md-server",
		DisplayName:     "Markdown Server",
		Description:     "docs",
		Port:            3001,
		Protocol:        "http",
		Host:            "localhost",
		Environment:     "development",
		Status:          service.StatusStarting,
		HealthEndpoint:  "/health",
		LastHealthCheck: checked,
		PID:             4242,
		Metadata:        map[string]any{"port_env": "MD_SERVER_PORT"},
	}
	require.NoError(t, s.UpsertService(ctx, rec))

	got, err := s.GetService(ctx, "md-server")
	require.NoError(t, err)
	assert.Equal(t, 3001, got.Port)
	assert.Equal(t, service.StatusStarting, got.Status)
	assert.Equal(t, service.HealthUnknown, got.LastHealth)
	assert.Equal(t, 4242, got.PID)
	assert.Equal(t, "MD_SERVER_PORT", got.Metadata["port_env"])
	assert.WithinDuration(t, checked, got.LastHealthCheck, time.Second)
	assert.False(t, got.UpdatedAt.IsZero())

	// last write wins
	rec.Port = 3010
	rec.Status = service.StatusActive
	rec.LastHealth = service.HealthHealthy
	require.NoError(t, s.UpsertService(ctx, rec))
	got, err = s.GetService(ctx, "md-server")
	require.NoError(t, err)
	assert.Equal(t, 3010, got.Port)
	assert.Equal(t, service.StatusActive, got.Status)
	assert.Equal(t, service.HealthHealthy, got.LastHealth)

	require.NoError(t, s.UpsertService(ctx, store.ServiceRecord{Name: "git-server", Port: 3005, Environment: "development", Status: service.StatusInactive}))
	require.NoError(t, s.UpsertService(ctx, store.ServiceRecord{Name: "other", Port: 4000, Environment: "staging", Status: service.StatusActive}))

	dev, err := s.ListServices(ctx, "development")
	require.NoError(t, err)
	require.Len(t, dev, 2)
	assert.Equal(t, "git-server", dev[0].Name, "ordered by port")
	assert.Equal(t, "md-server", dev[1].Name)

	all, err := s.ListServices(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	assert.Error(t, s.UpsertService(ctx, store.ServiceRecord{}))
}

func testMarkAllInactive(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, st := range []service.Status{service.StatusActive, service.StatusStarting, service.StatusError} {
		require.NoError(t, s.UpsertService(ctx, store.ServiceRecord{
			Name: "mark-" + string(st), Port: 5000 + i, Environment: "mark", Status: st, PID: 100 + i,
		}))
	}
	require.NoError(t, s.UpsertService(ctx, store.ServiceRecord{Name: "mark-other-env", Port: 5100, Environment: "elsewhere", Status: service.StatusActive}))

	n, err := s.MarkAllInactive(ctx, "mark")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	recs, err := s.ListServices(ctx, "mark")
	require.NoError(t, err)
	for _, r := range recs {
		assert.Equal(t, service.StatusInactive, r.Status, r.Name)
		assert.Zero(t, r.PID, r.Name)
	}
	other, err := s.GetService(ctx, "mark-other-env")
	require.NoError(t, err)
	assert.Equal(t, service.StatusActive, other.Status, "other environments untouched")

	n, err = s.MarkAllInactive(ctx, "mark")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testBatches(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetBatch(ctx, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)

	rec := store.BatchRecord{
		ID: "b-1", Name: "reindex", BatchType: "command", Priority: 2, TotalCount: 3,
		Metadata: map[string]any{"owner": "ci"},
	}
	require.NoError(t, s.CreateBatch(ctx, rec))
	require.ErrorIs(t, s.CreateBatch(ctx, rec), store.ErrExists)

	got, err := s.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, store.BatchQueued, got.Status)
	assert.Equal(t, "command", got.BatchType)
	assert.Equal(t, 2, got.Priority)
	assert.Equal(t, "ci", got.Metadata["owner"])
	assert.True(t, got.StartedAt.IsZero())

	got.Status = store.BatchCompleted
	got.CompletedCount = 2
	got.SkippedCount = 1
	got.StartedAt = time.Now().UTC()
	got.CompletedAt = time.Now().UTC()
	require.NoError(t, s.UpdateBatch(ctx, got))

	again, err := s.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, store.BatchCompleted, again.Status)
	assert.Equal(t, 2, again.CompletedCount)
	assert.Equal(t, 1, again.SkippedCount)
	assert.False(t, again.CompletedAt.IsZero())

	// terminal batches are never rewritten
	again.Status = store.BatchPaused
	require.ErrorIs(t, s.UpdateBatch(ctx, again), store.ErrBatchFinal)
	final, err := s.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, store.BatchCompleted, final.Status)

	require.ErrorIs(t, s.UpdateBatch(ctx, store.BatchRecord{ID: "ghost", Status: store.BatchFailed}), store.ErrNotFound)

	require.NoError(t, s.CreateBatch(ctx, store.BatchRecord{ID: "b-2", Name: "second"}))
	list, err := s.ListBatches(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	one, err := s.ListBatches(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func testItems(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateBatch(ctx, store.BatchRecord{ID: "b-items", Name: "items", TotalCount: 3}))
	items := []store.ItemRecord{
		{BatchID: "b-items", Order: 2, ItemRef: "c"},
		{BatchID: "b-items", Order: 0, ItemRef: "a"},
		{BatchID: "b-items", Order: 1, ItemRef: "b"},
	}
	require.NoError(t, s.CreateItems(ctx, items))

	got, err := s.ListItems(ctx, "b-items")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, it := range got {
		assert.Equal(t, i, it.Order)
		assert.Equal(t, store.ItemPending, it.Status)
	}
	assert.Equal(t, "a", got[0].ItemRef)

	now := time.Now().UTC()
	require.NoError(t, s.UpdateItem(ctx, store.ItemRecord{BatchID: "b-items", Order: 0, Status: store.ItemProcessing, Attempts: 1, StartedAt: now}))
	require.NoError(t, s.UpdateItem(ctx, store.ItemRecord{BatchID: "b-items", Order: 0, Status: store.ItemFailed, Attempts: 2, ErrorMessage: "boom", StartedAt: now, CompletedAt: now}))

	// terminal items are never mutated again
	err = s.UpdateItem(ctx, store.ItemRecord{BatchID: "b-items", Order: 0, Status: store.ItemCompleted})
	require.ErrorIs(t, err, store.ErrItemFinal)
	err = s.UpdateItem(ctx, store.ItemRecord{BatchID: "b-items", Order: 9, Status: store.ItemCompleted})
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err = s.ListItems(ctx, "b-items")
	require.NoError(t, err)
	assert.Equal(t, store.ItemFailed, got[0].Status)
	assert.Equal(t, 2, got[0].Attempts)
	assert.Equal(t, "boom", got[0].ErrorMessage)
	assert.False(t, got[0].CompletedAt.IsZero())

	empty, err := s.ListItems(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
