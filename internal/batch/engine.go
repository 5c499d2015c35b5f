// Package batch runs a processor over a list of items with bounded
// concurrency, per-item retry and skip handling, serialized progress
// reporting, pause/resume and cooperative cancellation.
//
// Batch and item progress is persisted through a store.BatchStore so other
// processes can follow a long run.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/devsvc/internal/history"
	"github.com/loykin/devsvc/internal/store"
	"github.com/loykin/devsvc/internal/store/memory"
)

// Engine owns the batches running in this process.
type Engine struct {
	mu    sync.Mutex
	runs  map[string]*run
	store store.BatchStore
	log   *slog.Logger
	rec   *history.Recorder
}

type Option func(*Engine)

// WithStore persists batches in s instead of an in-memory store.
func WithStore(s store.BatchStore) Option {
	return func(e *Engine) {
		if s != nil {
			e.store = s
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithRecorder exports batch start and finish events.
func WithRecorder(r *history.Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{runs: make(map[string]*run)}
	for _, o := range opts {
		o(e)
	}
	if e.store == nil {
		e.store = memory.New()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With("component", "batch")
	return e
}

// Store returns the backing batch store.
func (e *Engine) Store() store.BatchStore { return e.store }

// CreateBatch records a queued batch ahead of processing. An empty ID gets
// a random UUID.
func (e *Engine) CreateBatch(ctx context.Context, spec BatchSpec) (store.BatchRecord, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return store.BatchRecord{}, fmt.Errorf("%w: name is required", ErrInvalidBatch)
	}
	if spec.TotalCount < 0 {
		return store.BatchRecord{}, fmt.Errorf("%w: negative total count", ErrInvalidBatch)
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	rec := store.BatchRecord{
		ID:          spec.ID,
		Name:        spec.Name,
		Description: spec.Description,
		BatchType:   spec.BatchType,
		Priority:    spec.Priority,
		Status:      StatusQueued,
		TotalCount:  spec.TotalCount,
		Metadata:    spec.Metadata,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateBatch(ctx, rec); err != nil {
		return store.BatchRecord{}, err
	}
	e.log.Info("batch created", "batch", rec.ID, "name", rec.Name, "type", rec.BatchType)
	return e.store.GetBatch(ctx, rec.ID)
}

// Cancel stops dispatching new items of a running batch. In-flight items
// finish and the batch ends as cancelled. A queued batch that has not started
// is marked cancelled directly. Cancelling a batch that is finishing or
// finished returns ErrBatchFinished.
func (e *Engine) Cancel(batchID string) error {
	if r := e.lookup(batchID); r != nil {
		if err := r.cancel(); err != nil {
			return err
		}
		e.log.Info("batch cancel requested", "batch", batchID)
		return nil
	}
	ctx := context.Background()
	rec, err := e.store.GetBatch(ctx, batchID)
	switch {
	case err != nil:
		return fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
	case rec.Status.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrBatchFinished, batchID, rec.Status)
	case rec.Status != StatusQueued:
		return fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
	}
	rec.Status = StatusCancelled
	rec.CompletedAt = time.Now().UTC()
	if err := e.store.UpdateBatch(ctx, rec); err != nil {
		if errors.Is(err, store.ErrBatchFinal) {
			return fmt.Errorf("%w: %s", ErrBatchFinished, batchID)
		}
		return err
	}
	return nil
}

// Pause stops workers from claiming new items. Pausing a paused batch is a
// no-op.
func (e *Engine) Pause(batchID string) error {
	r := e.lookup(batchID)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
	}
	changed, err := r.setPaused(true)
	if err != nil || !changed {
		return err
	}
	e.persistStatus(r)
	e.log.Info("batch paused", "batch", batchID)
	return nil
}

// Resume lets workers of a paused batch claim items again.
func (e *Engine) Resume(batchID string) error {
	r := e.lookup(batchID)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
	}
	changed, err := r.setPaused(false)
	if err != nil || !changed {
		return err
	}
	e.persistStatus(r)
	e.log.Info("batch resumed", "batch", batchID)
	return nil
}

// Progress returns live counters for a running batch, or the persisted
// counters of a finished one.
func (e *Engine) Progress(ctx context.Context, batchID string) (Progress, error) {
	if r := e.lookup(batchID); r != nil {
		return r.snapshot(), nil
	}
	rec, err := e.store.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return Progress{}, fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
	}
	if err != nil {
		return Progress{}, err
	}
	return progressFromRecord(rec), nil
}

// Batch returns the batch record, with live status for running batches.
func (e *Engine) Batch(ctx context.Context, batchID string) (store.BatchRecord, error) {
	rec, err := e.store.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return rec, fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
	}
	if err != nil {
		return rec, err
	}
	if r := e.lookup(batchID); r != nil {
		p := r.snapshot()
		rec.Status = p.Status
		rec.CompletedCount, rec.FailedCount, rec.SkippedCount = p.Completed, p.Failed, p.Skipped
	}
	return rec, nil
}

// Items lists the persisted items of a batch in input order.
func (e *Engine) Items(ctx context.Context, batchID string) ([]store.ItemRecord, error) {
	return e.store.ListItems(ctx, batchID)
}

// Running returns the ids of batches currently processed by this engine.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.runs))
	for id := range e.runs {
		out = append(out, id)
	}
	return out
}

func (e *Engine) lookup(id string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

// drop unregisters r. A newer run under the same id is left alone.
func (e *Engine) drop(id string, r *run) {
	e.mu.Lock()
	if e.runs[id] == r {
		delete(e.runs, id)
	}
	e.mu.Unlock()
}

// begin registers a run and moves its batch record from queued to running.
func (e *Engine) begin(ctx context.Context, id string, refs []string, opts Options) (*run, error) {
	e.mu.Lock()
	if _, ok := e.runs[id]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBatchRunning, id)
	}
	r := newRun(id, len(refs), opts.BatchType)
	e.runs[id] = r
	e.mu.Unlock()

	pctx := context.WithoutCancel(ctx)
	rec, err := e.store.GetBatch(pctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = store.BatchRecord{
			ID: id, Name: id, BatchType: opts.BatchType, Status: StatusQueued,
			TotalCount: len(refs), CreatedAt: time.Now().UTC(),
		}
		if err := e.store.CreateBatch(pctx, rec); err != nil {
			e.drop(id, r)
			return nil, fmt.Errorf("create batch %s: %w", id, err)
		}
	case err != nil:
		e.drop(id, r)
		return nil, fmt.Errorf("load batch %s: %w", id, err)
	case rec.Status != StatusQueued:
		e.drop(id, r)
		return nil, fmt.Errorf("%w: %s is %s", ErrBatchFinished, id, rec.Status)
	}
	if rec.BatchType != "" {
		r.batchType = rec.BatchType
	}

	items := make([]store.ItemRecord, len(refs))
	for i, ref := range refs {
		items[i] = store.ItemRecord{BatchID: id, Order: i, ItemRef: ref, Status: ItemPending}
	}
	if err := e.store.CreateItems(pctx, items); err != nil {
		e.drop(id, r)
		return nil, fmt.Errorf("create items of %s: %w", id, err)
	}
	rec.Status = StatusRunning
	rec.TotalCount = len(refs)
	rec.StartedAt = time.Now().UTC()
	if err := e.store.UpdateBatch(pctx, rec); err != nil {
		e.drop(id, r)
		return nil, fmt.Errorf("start batch %s: %w", id, err)
	}
	r.record = rec
	return r, nil
}

// persistStatus writes the run's live status. Counters are written by the
// workers as items finish. A final record is never rewritten.
func (e *Engine) persistStatus(r *run) {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	if r.record.Status.Terminal() {
		return
	}
	r.record.Status = r.liveStatus()
	if err := e.store.UpdateBatch(context.Background(), r.record); err != nil {
		e.log.Warn("persist batch failed", "batch", r.id, "error", err)
	}
}

// persistCounters writes p into the batch record.
func (e *Engine) persistCounters(ctx context.Context, r *run, p Progress) {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	r.record.Status = p.Status
	r.record.CompletedCount, r.record.FailedCount, r.record.SkippedCount = p.Completed, p.Failed, p.Skipped
	if err := e.store.UpdateBatch(context.WithoutCancel(ctx), r.record); err != nil {
		e.log.Warn("persist batch failed", "batch", r.id, "error", err)
	}
}

func (e *Engine) persistItem(ctx context.Context, it store.ItemRecord) {
	if err := e.store.UpdateItem(context.WithoutCancel(ctx), it); err != nil {
		e.log.Warn("persist item failed", "batch", it.BatchID, "index", it.Order, "error", err)
	}
}

func (e *Engine) record(ctx context.Context, ev history.Event) {
	if e.rec != nil {
		_ = e.rec.Record(ctx, ev)
	}
}

func progressFromRecord(rec store.BatchRecord) Progress {
	cur := rec.CompletedCount + rec.FailedCount + rec.SkippedCount
	return Progress{
		BatchID:    rec.ID,
		Current:    cur,
		Total:      rec.TotalCount,
		Percentage: percentage(cur, rec.TotalCount),
		Completed:  rec.CompletedCount,
		Failed:     rec.FailedCount,
		Skipped:    rec.SkippedCount,
		Status:     rec.Status,
	}
}

// run is the in-memory state of one executing batch.
//
// Lock order: pmu, recMu, mu. OnProgress runs under pmu, so it may call
// Cancel, Pause, Resume and Progress but must not block on another item.
type run struct {
	id        string
	batchType string
	total     int

	mu        sync.Mutex // dispatch: next, cancelled, paused, finished
	cond      *sync.Cond
	next      int
	cancelled bool
	paused    bool
	finished  bool // every worker returned; control calls are refused

	pmu      sync.Mutex // counters and OnProgress delivery
	progress Progress
	latest   atomic.Pointer[Progress] // published copy of progress

	recMu  sync.Mutex
	record store.BatchRecord
}

func newRun(id string, total int, batchType string) *run {
	r := &run{id: id, total: total, batchType: batchType}
	r.cond = sync.NewCond(&r.mu)
	r.progress = Progress{BatchID: id, Total: total}
	r.publishLocked()
	return r
}

// claim hands out the next index in input order. It blocks while the batch
// is paused and returns false once the batch is cancelled, ctx is done or
// every item has been dispatched.
func (r *run) claim(ctx context.Context) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.paused && !r.cancelled && ctx.Err() == nil {
		r.cond.Wait()
	}
	if r.next >= r.total {
		return 0, false
	}
	if ctx.Err() != nil {
		r.cancelled = true
	}
	if r.cancelled {
		return 0, false
	}
	i := r.next
	r.next++
	return i, true
}

func (r *run) cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return fmt.Errorf("%w: %s", ErrBatchFinished, r.id)
	}
	r.cancelled = true
	r.paused = false
	r.cond.Broadcast()
	return nil
}

// finish freezes the run and reports whether it was cancelled.
func (r *run) finish() (cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	r.paused = false
	return r.cancelled
}

func (r *run) wake() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *run) setPaused(p bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false, fmt.Errorf("%w: %s", ErrBatchFinished, r.id)
	}
	if r.cancelled {
		return false, fmt.Errorf("%w: %s is cancelled", ErrBatchFinished, r.id)
	}
	if r.paused == p {
		return false, nil
	}
	r.paused = p
	if !p {
		r.cond.Broadcast()
	}
	return true, nil
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *run) liveStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return StatusPaused
	}
	return StatusRunning
}

// publishLocked makes the current counters visible to snapshot. Callers
// hold pmu.
func (r *run) publishLocked() {
	p := r.progress
	r.latest.Store(&p)
}

func (r *run) snapshot() Progress {
	p := *r.latest.Load()
	p.Status = r.liveStatus()
	return p
}
