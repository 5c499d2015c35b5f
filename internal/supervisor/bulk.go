package supervisor

import (
	"context"
	"time"

	"github.com/loykin/devsvc/internal/service"
)

// Result is the outcome of one service in a bulk operation.
type Result struct {
	Service string               `json:"service"`
	State   service.RuntimeState `json:"state"`
	Healthy bool                 `json:"healthy,omitempty"`
	Err     error                `json:"-"`
	Error   string               `json:"error,omitempty"`
}

func newResult(name string, st service.RuntimeState, err error) Result {
	r := Result{Service: name, State: st, Err: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Failed reports whether any result carries an error.
func Failed(rs []Result) bool {
	for _, r := range rs {
		if r.Err != nil {
			return true
		}
	}
	return false
}

// StartAll starts every service in table order, pausing StartDelay between
// spawns. A failing service does not stop the others; a service that is
// already running is reported with ErrAlreadyRunning.
func (s *Supervisor) StartAll(ctx context.Context) []Result {
	out := make([]Result, 0, len(s.order))
	spawned := false
	for _, n := range s.order {
		if err := ctx.Err(); err != nil {
			out = append(out, newResult(n, s.snapshot(s.entries[n]), err))
			continue
		}
		if spawned && s.startDelay > 0 {
			t := time.NewTimer(s.startDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				out = append(out, newResult(n, s.snapshot(s.entries[n]), ctx.Err()))
				continue
			case <-t.C:
			}
		}
		st, err := s.Start(ctx, n)
		spawned = spawned || err == nil
		out = append(out, newResult(n, st, err))
	}
	return out
}

// StopAll stops every service in table order and reports each outcome.
func (s *Supervisor) StopAll(ctx context.Context) []Result {
	out := make([]Result, 0, len(s.order))
	for _, n := range s.order {
		err := s.Stop(ctx, n)
		out = append(out, newResult(n, s.snapshot(s.entries[n]), err))
	}
	return out
}

// MonitorAll health-checks every service in table order. Health failures
// are data: Err is only set when ctx ended before the check.
func (s *Supervisor) MonitorAll(ctx context.Context) []Result {
	out := make([]Result, 0, len(s.order))
	for _, n := range s.order {
		if err := ctx.Err(); err != nil {
			out = append(out, newResult(n, s.snapshot(s.entries[n]), err))
			continue
		}
		res := s.CheckHealthDetail(ctx, n)
		r := newResult(n, s.snapshot(s.entries[n]), nil)
		r.Healthy = res.Healthy
		if !res.Healthy {
			r.Error = res.Error
		}
		out = append(out, r)
	}
	return out
}
