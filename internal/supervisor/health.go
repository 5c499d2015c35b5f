package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/devsvc/internal/health"
	"github.com/loykin/devsvc/internal/history"
	"github.com/loykin/devsvc/internal/metrics"
	"github.com/loykin/devsvc/internal/service"
	"github.com/loykin/devsvc/internal/store"
)

// CheckHealth probes name and records the outcome. It never fails; an
// unknown service or a missing port is reported as unhealthy.
func (s *Supervisor) CheckHealth(ctx context.Context, name string) bool {
	return s.CheckHealthDetail(ctx, name).Healthy
}

// CheckHealthDetail is CheckHealth returning the full probe result.
//
// The probe URL is built from the port and health path registered in the
// registry, falling back to the in-memory state and the descriptor. A
// healthy probe moves a starting service to active. A service that is not
// starting or active is reported unhealthy without a probe and its state is
// left alone.
func (s *Supervisor) CheckHealthDetail(ctx context.Context, name string) health.Result {
	e, err := s.entry(name)
	if err != nil {
		return health.Result{Error: err.Error(), CheckedAt: time.Now().UTC()}
	}
	// Start, Stop and the reaper cannot move the state under the probe
	e.op.Lock()
	defer e.op.Unlock()

	cur := s.load(ctx, e)
	if !cur.Status.Live() {
		status := cur.Status
		if status == "" {
			status = service.StatusInactive
		}
		return health.Result{Error: fmt.Sprintf("service %s is %s", name, status), CheckedAt: time.Now().UTC()}
	}
	url, err := s.healthURL(ctx, e, cur)
	var res health.Result
	if err != nil {
		res = health.Result{Error: err.Error(), CheckedAt: time.Now().UTC()}
	} else {
		res = s.prober.Probe(ctx, url)
	}
	metrics.ObserveHealthCheck(name, res.Healthy, res.Latency.Seconds())

	st := s.snapshot(e)
	prev := st.LastHealth
	st.LastHealthCheck = res.CheckedAt
	st.LastHealth = service.HealthUnhealthy
	if res.Healthy {
		st.LastHealth = service.HealthHealthy
		if st.Status == service.StatusStarting && service.CanTransition(st.Status, service.StatusActive) {
			st.Status = service.StatusActive
		}
	}
	s.setState(ctx, e, st)

	log := s.log.With("service", name)
	if res.Healthy {
		log.Debug("health check passed", "url", res.URL, "latency", res.Latency)
	} else {
		log.Warn("health check failed", "url", res.URL, "error", res.Error)
	}
	if prev != st.LastHealth {
		s.event(ctx, history.EventServiceHealth, st, res.Error)
	}
	return res
}

func (s *Supervisor) healthURL(ctx context.Context, e *entry, cur service.RuntimeState) (string, error) {
	d := e.desc
	port, path := cur.Port, d.HealthPath
	proto, host := d.Protocol, d.Host
	if rec, err := s.st.GetService(ctx, d.Name); err == nil {
		if rec.Port > 0 {
			port = rec.Port
		}
		if rec.HealthEndpoint != "" {
			path = rec.HealthEndpoint
		}
		if rec.Protocol != "" {
			proto = rec.Protocol
		}
		if rec.Host != "" {
			host = rec.Host
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("registry read failed", "service", d.Name, "error", err)
	}
	if port <= 0 {
		return "", fmt.Errorf("service %s has no registered port", d.Name)
	}
	return fmt.Sprintf("%s://%s:%d%s", proto, host, port, path), nil
}

// Reconcile marks live services whose process disappeared as errored. Only
// services not spawned by this supervisor are checked; children it owns are
// reported by their reaper.
func (s *Supervisor) Reconcile(ctx context.Context) {
	for _, n := range s.order {
		e := s.entries[n]
		cur := s.load(ctx, e)
		s.mu.Lock()
		owned := e.proc != nil
		s.mu.Unlock()
		if owned || !cur.Status.Live() || cur.PID <= 0 || s.alive(cur.PID) {
			continue
		}
		e.op.Lock()
		st := s.snapshot(e)
		if st.Status.Live() && st.PID == cur.PID {
			st.Status = service.StatusError
			st.LastError = fmt.Sprintf("process %d is gone", cur.PID)
			st.PID = 0
			s.alloc.ReleaseOwner(n)
			s.setState(ctx, e, st)
			s.log.Warn("service process lost", "service", n, "pid", cur.PID)
			s.event(ctx, history.EventServiceExit, st, st.LastError)
		}
		e.op.Unlock()
	}
}

// RunMonitor reconciles and health-checks every service each interval until
// ctx is done.
func (s *Supervisor) RunMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Reconcile(ctx)
			s.MonitorAll(ctx)
		}
	}
}
