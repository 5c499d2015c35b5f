package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/devsvc/internal/history"
	"github.com/loykin/devsvc/internal/metrics"
	"github.com/loykin/devsvc/internal/store"
)

const maxItemRef = 256

// Process runs proc over items on e under batchID.
//
// At most min(Concurrency, len(items)) processor calls are in flight, timed
// out calls included: a worker whose call timed out records the failure and
// waits for the call to return before claiming again. Items are
// dispatched in input order and their outcomes land at their input index.
// A failing, skipped, timed-out or panicking item never aborts the batch;
// the batch ends failed only when every item failed.
//
// When ctx is cancelled the batch ends cancelled and ctx.Err() is returned
// together with the partial result. Cancelling through Engine.Cancel returns
// the result with a nil error.
func Process[T, R any](ctx context.Context, e *Engine, batchID string, items []T, proc Processor[T, R], opts Options) (*Result[R], error) {
	switch {
	case e == nil:
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidBatch)
	case strings.TrimSpace(batchID) == "":
		return nil, fmt.Errorf("%w: empty batch id", ErrInvalidBatch)
	case proc == nil:
		return nil, fmt.Errorf("%w: nil processor", ErrInvalidBatch)
	case len(items) == 0:
		return nil, fmt.Errorf("%w: no items", ErrInvalidBatch)
	}
	opts = opts.withDefaults()
	n := len(items)

	refs := make([]string, n)
	for i := range items {
		if opts.ItemRef != nil {
			refs[i] = opts.ItemRef(i)
		} else {
			refs[i] = fmt.Sprint(items[i])
		}
		refs[i] = truncate(refs[i], maxItemRef)
	}

	r, err := e.begin(ctx, batchID, refs, opts)
	if err != nil {
		return nil, err
	}
	defer e.drop(batchID, r)

	res := &Result[R]{
		BatchID:   batchID,
		Results:   make([]R, n),
		Errors:    make([]error, n),
		Statuses:  make([]ItemStatus, n),
		Attempts:  make([]int, n),
		StartedAt: time.Now().UTC(),
	}
	for i := range res.Statuses {
		res.Statuses[i] = ItemPending
	}

	log := e.log.With("batch", batchID)
	workers := min(opts.Concurrency, n)
	log.Info("batch started", "items", n, "workers", workers, "type", r.batchType)
	e.record(ctx, history.Event{
		Type: history.EventBatchStart, Subject: batchID, Status: string(StatusRunning),
		Labels: map[string]string{"batch_type": r.batchType, "items": fmt.Sprint(n)},
	})

	// wake paused workers when ctx ends so they can observe it
	stopWake := context.AfterFunc(ctx, r.wake)
	defer stopWake()

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i, ok := r.claim(ctx)
				if !ok {
					return nil
				}
				startItem(ctx, e, r, i)
				start := time.Now()
				out, attempts, abandoned, ierr := runItem(ctx, r, proc, items[i], i, opts)
				finishItem(ctx, e, r, res, i, out, attempts, ierr, time.Since(start), opts)
				if abandoned != nil {
					<-abandoned
				}
			}
		})
	}
	_ = g.Wait()

	// from here on Pause, Resume and Cancel are refused
	cancelled := r.finish()

	r.pmu.Lock()
	p := r.progress
	r.pmu.Unlock()
	switch {
	case cancelled:
		p.Status = StatusCancelled
	case p.Failed == n:
		p.Status = StatusFailed
	default:
		p.Status = StatusCompleted
	}
	res.Progress = p
	res.Status = p.Status
	res.FinishedAt = time.Now().UTC()

	r.recMu.Lock()
	r.record.Status = p.Status
	r.record.CompletedCount, r.record.FailedCount, r.record.SkippedCount = p.Completed, p.Failed, p.Skipped
	r.record.CompletedAt = res.FinishedAt
	if p.Status == StatusFailed {
		r.record.ErrorMessage = fmt.Sprintf("all %d items failed", n)
	}
	if err := e.store.UpdateBatch(context.WithoutCancel(ctx), r.record); err != nil {
		log.Warn("persist batch failed", "error", err)
	}
	r.recMu.Unlock()
	e.drop(batchID, r)

	metrics.IncBatchFinished(r.batchType, string(p.Status))
	log.Info("batch finished", "status", p.Status, "completed", p.Completed, "failed", p.Failed,
		"skipped", p.Skipped, "pending", n-p.Current, "duration", res.FinishedAt.Sub(res.StartedAt))
	e.record(ctx, history.Event{
		Type: history.EventBatchFinish, Subject: batchID, Status: string(p.Status),
		Message: fmt.Sprintf("%d/%d processed, %d failed, %d skipped", p.Current, n, p.Failed, p.Skipped),
		Labels:  map[string]string{"batch_type": r.batchType},
	})

	if cancelled && ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

func startItem(ctx context.Context, e *Engine, r *run, i int) {
	r.pmu.Lock()
	r.progress.InFlight++
	r.publishLocked()
	r.pmu.Unlock()
	metrics.AddInFlight(1)
	e.persistItem(ctx, store.ItemRecord{
		BatchID: r.id, Order: i, Status: ItemProcessing, StartedAt: time.Now().UTC(),
	})
}

func finishItem[R any](ctx context.Context, e *Engine, r *run, res *Result[R], i int, out R, attempts int, err error, took time.Duration, opts Options) {
	metrics.AddInFlight(-1)
	status := ItemCompleted
	switch {
	case err == nil:
	case errors.Is(err, ErrSkip):
		status = ItemSkipped
	default:
		status = ItemFailed
	}
	metrics.ObserveBatchItem(r.batchType, string(status), took.Seconds())
	if status == ItemFailed {
		e.log.Warn("batch item failed", "batch", r.id, "index", i, "attempts", attempts, "error", err)
	}

	r.pmu.Lock()
	defer r.pmu.Unlock()

	res.Statuses[i] = status
	res.Attempts[i] = attempts
	switch status {
	case ItemCompleted:
		res.Results[i] = out
		r.progress.Completed++
	case ItemSkipped:
		res.Errors[i] = err
		r.progress.Skipped++
	case ItemFailed:
		res.Errors[i] = err
		r.progress.Failed++
	}
	r.progress.InFlight--
	r.progress.Current = r.progress.Completed + r.progress.Failed + r.progress.Skipped
	r.progress.Percentage = percentage(r.progress.Current, r.progress.Total)
	r.publishLocked()
	p := r.progress
	p.Status = r.liveStatus()

	now := time.Now().UTC()
	item := store.ItemRecord{
		BatchID: r.id, Order: i, Status: status, Attempts: attempts,
		StartedAt: now.Add(-took), CompletedAt: now,
	}
	if err != nil {
		item.ErrorMessage = err.Error()
	}
	e.persistItem(ctx, item)
	e.persistCounters(ctx, r, p)

	if opts.OnProgress != nil {
		deliver(e, r.id, opts.OnProgress, p)
	}
}

func deliver(e *Engine, id string, fn func(Progress), p Progress) {
	defer func() {
		if v := recover(); v != nil {
			e.log.Error("progress callback panicked", "batch", id, "panic", v)
		}
	}()
	fn(p)
}

// runItem runs proc with retries. It returns the attempt count and the last
// error. When the last attempt timed out while the call is still running,
// abandoned is closed once that call returns.
func runItem[T, R any](ctx context.Context, r *run, proc Processor[T, R], item T, idx int, opts Options) (R, int, <-chan struct{}, error) {
	var zero R
	for attempt := 1; ; attempt++ {
		out, abandoned, err := callOnce(ctx, proc, item, idx, opts.Timeout)
		if err == nil {
			return out, attempt, nil, nil
		}
		if errors.Is(err, ErrSkip) || IsPermanent(err) || attempt > opts.Retries || ctx.Err() != nil || r.isCancelled() {
			return zero, attempt, abandoned, err
		}
		// the retry takes the same slot
		if abandoned != nil {
			<-abandoned
		}
		metrics.IncBatchRetry(r.batchType)
		if opts.RetryDelay > 0 {
			t := time.NewTimer(opts.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, attempt, nil, err
			case <-t.C:
			}
		}
	}
}

// callOnce runs a single attempt, bounded by timeout when positive. On
// timeout it returns ErrItemTimeout right away together with a channel that
// is closed when the processor call actually returns.
func callOnce[T, R any](ctx context.Context, proc Processor[T, R], item T, idx int, timeout time.Duration) (R, <-chan struct{}, error) {
	if timeout <= 0 {
		out, err := safeCall(ctx, proc, item, idx)
		return out, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)

	type outcome struct {
		out R
		err error
	}
	ch := make(chan outcome, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		out, err := safeCall(cctx, proc, item, idx)
		ch <- outcome{out, err}
	}()

	var zero R
	select {
	case o := <-ch:
		<-done
		if o.err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return zero, nil, fmt.Errorf("%w after %s: %v", ErrItemTimeout, timeout, o.err)
		}
		return o.out, nil, o.err
	case <-cctx.Done():
		select {
		case o := <-ch:
			<-done
			if o.err == nil {
				return o.out, nil, nil
			}
			if ctx.Err() != nil {
				return zero, nil, ctx.Err()
			}
			return zero, nil, fmt.Errorf("%w after %s: %v", ErrItemTimeout, timeout, o.err)
		default:
		}
		if ctx.Err() != nil {
			return zero, done, ctx.Err()
		}
		return zero, done, fmt.Errorf("%w after %s", ErrItemTimeout, timeout)
	}
}

func safeCall[T, R any](ctx context.Context, proc Processor[T, R], item T, idx int) (out R, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = Permanent(&PanicError{Value: v})
		}
	}()
	return proc(ctx, item, idx)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
