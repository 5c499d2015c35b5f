//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devsvc/internal/health"
	"github.com/loykin/devsvc/internal/portalloc"
	"github.com/loykin/devsvc/internal/service"
	"github.com/loykin/devsvc/internal/store"
	"github.com/loykin/devsvc/internal/store/memory"
)

type fakeFinder struct {
	mu         sync.Mutex
	pids       []int
	terminated []int
	failOn     map[int]bool
}

func (f *fakeFinder) Find(context.Context, string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pids...), nil
}

func (f *fakeFinder) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[pid] {
		return errors.New("operation not permitted")
	}
	f.terminated = append(f.terminated, pid)
	return nil
}

func (f *fakeFinder) Terminated() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.terminated...)
}

type fixture struct {
	sup    *Supervisor
	st     *memory.DB
	finder *fakeFinder
	alloc  *portalloc.Allocator
}

func desc(name string, port int, command string) service.Descriptor {
	return service.Descriptor{
		Name:          name,
		PreferredPort: port,
		Host:          "127.0.0.1",
		Command:       command,
		PortEnv:       strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_PORT",
	}
}

func newFixture(t *testing.T, table []service.Descriptor, mut func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		st:     memory.New(),
		finder: &fakeFinder{},
		alloc:  portalloc.New(portalloc.WithProbe(func(int) bool { return true })),
	}
	opts := Options{
		Environment: "test",
		RangeStart:  3100,
		RangeEnd:    3120,
		StopWait:    2 * time.Second,
		Allocator:   f.alloc,
		Store:       f.st,
		Finder:      f.finder,
		Alive:       func(int) bool { return false },
	}
	if mut != nil {
		mut(&opts)
	}
	sup, err := New(table, opts)
	require.NoError(t, err)
	f.sup = sup
	t.Cleanup(func() { sup.Shutdown(context.Background()) })
	return f
}

func TestNewValidatesTable(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)

	_, err = New([]service.Descriptor{desc("a", 3101, "sleep 1"), desc("a", 3102, "sleep 1")}, Options{})
	assert.ErrorContains(t, err, "duplicate service name")

	bad := desc("b", 3101, "")
	_, err = New([]service.Descriptor{bad}, Options{})
	assert.ErrorContains(t, err, "command is required")
}

func TestUnknownService(t *testing.T) {
	f := newFixture(t, []service.Descriptor{desc("web", 3101, "sleep 30")}, nil)
	ctx := context.Background()

	_, err := f.sup.Start(ctx, "nope")
	var use *UnknownServiceError
	require.ErrorAs(t, err, &use)
	assert.Equal(t, "nope", use.Name)

	assert.ErrorAs(t, f.sup.Stop(ctx, "nope"), &use)
	assert.False(t, f.sup.CheckHealth(ctx, "nope"))
	_, err = f.sup.Status(ctx, "nope")
	assert.ErrorAs(t, err, &use)
}

func TestStartSetsPortEnvAndStop(t *testing.T) {
	dir := t.TempDir()
	d := desc("web", 3101, `sh -c 'echo "$WEB_PORT" > port.txt; exec sleep 30'`)
	d.WorkDir = dir
	f := newFixture(t, []service.Descriptor{d}, nil)
	ctx := context.Background()

	st, err := f.sup.Start(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, 3101, st.Port)
	assert.Equal(t, service.StatusStarting, st.Status)
	assert.Greater(t, st.PID, 0)
	owner, ok := f.alloc.Owner(3101)
	require.True(t, ok)
	assert.Equal(t, "web", owner)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(dir, "port.txt"))
		return err == nil && strings.TrimSpace(string(b)) == "3101"
	}, 5*time.Second, 20*time.Millisecond)

	rec, err := f.st.GetService(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, service.StatusStarting, rec.Status)
	assert.Equal(t, "test", rec.Environment)
	assert.Equal(t, st.PID, rec.PID)
	assert.Equal(t, "/health", rec.HealthEndpoint)
	assert.Equal(t, map[string]int{"web": st.PID}, f.sup.PIDs())

	_, err = f.sup.Start(ctx, "web")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, f.sup.Stop(ctx, "web"))
	st, err = f.sup.Status(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, service.StatusInactive, st.Status)
	assert.Zero(t, st.PID)
	assert.Empty(t, f.alloc.Allocated())
	rec, err = f.st.GetService(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, service.StatusInactive, rec.Status)

	// a requested stop is not reported as a crash once the reaper runs
	time.Sleep(100 * time.Millisecond)
	st, _ = f.sup.Status(ctx, "web")
	assert.Equal(t, service.StatusInactive, st.Status)
	assert.Empty(t, st.LastError)
}

func TestPreferredPortTakenFallsBack(t *testing.T) {
	alloc := portalloc.New(portalloc.WithProbe(func(p int) bool { return p != 3101 }))
	f := newFixture(t, []service.Descriptor{desc("web", 3101, "sleep 30")}, func(o *Options) { o.Allocator = alloc })

	st, err := f.sup.Start(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, 3100, st.Port, "lowest free port of the range")
}

func TestRangeExhausted(t *testing.T) {
	alloc := portalloc.New(portalloc.WithProbe(func(int) bool { return false }))
	f := newFixture(t, []service.Descriptor{desc("web", 3101, "sleep 30")}, func(o *Options) { o.Allocator = alloc })

	st, err := f.sup.Start(context.Background(), "web")
	assert.ErrorIs(t, err, portalloc.ErrNoAvailablePort)
	assert.Equal(t, service.StatusError, st.Status)
	assert.NotEmpty(t, st.LastError)
}

func TestSpawnFailureRecorded(t *testing.T) {
	f := newFixture(t, []service.Descriptor{desc("ghost", 3101, "/nonexistent/devsvc-binary")}, nil)
	ctx := context.Background()

	st, err := f.sup.Start(ctx, "ghost")
	var se *ProcessSpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "ghost", se.Service)
	assert.Equal(t, service.StatusError, st.Status)

	rec, err := f.st.GetService(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, service.StatusError, rec.Status)
	assert.Contains(t, rec.LastError, "devsvc-binary")
	assert.Empty(t, f.alloc.Allocated(), "port released after a failed spawn")
}

func TestUnexpectedExitMarksError(t *testing.T) {
	f := newFixture(t, []service.Descriptor{desc("crashy", 3101, "sh -c 'exit 7'")}, nil)
	ctx := context.Background()

	_, err := f.sup.Start(ctx, "crashy")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := f.sup.Status(ctx, "crashy")
		return st.Status == service.StatusError
	}, 5*time.Second, 20*time.Millisecond)

	st, _ := f.sup.Status(ctx, "crashy")
	assert.Contains(t, st.LastError, "exit status 7")
	assert.Zero(t, st.PID)
	assert.Empty(t, f.alloc.Allocated())

	// a crashed service can be started again
	_, err = f.sup.Start(ctx, "crashy")
	assert.NoError(t, err)
}

func TestStopTerminatesMatchingProcesses(t *testing.T) {
	f := newFixture(t, []service.Descriptor{desc("web", 3101, "sleep 30")}, func(o *Options) {
		o.Alive = func(pid int) bool { return pid == 333 }
	})
	ctx := context.Background()
	require.NoError(t, f.st.UpsertService(ctx, store.ServiceRecord{
		Name: "web", Port: 3101, Environment: "test", Status: service.StatusActive, PID: 333,
	}))
	f.finder.pids = []int{111, 222, os.Getpid()}

	require.NoError(t, f.sup.Stop(ctx, "web"))
	assert.ElementsMatch(t, []int{111, 222, 333}, f.finder.Terminated())

	rec, err := f.st.GetService(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, service.StatusInactive, rec.Status)
	assert.Zero(t, rec.PID)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, []service.Descriptor{desc("web", 3101, "sleep 30")}, nil)
	ctx := context.Background()
	require.NoError(t, f.sup.Stop(ctx, "web"))
	require.NoError(t, f.sup.Stop(ctx, "web"))
	st, _ := f.sup.Status(ctx, "web")
	assert.Equal(t, service.StatusInactive, st.Status)
}

func TestStopReportsSurvivors(t *testing.T) {
	f := newFixture(t, []service.Descriptor{desc("web", 3101, "sleep 30")}, func(o *Options) {
		o.Alive = func(pid int) bool { return pid == 111 }
	})
	f.finder.pids = []int{111, 222}
	f.finder.failOn = map[int]bool{111: true, 222: true}

	err := f.sup.Stop(context.Background(), "web")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pid 111")
	assert.NotContains(t, err.Error(), "pid 222", "a process that vanished is not a failure")
	st, _ := f.sup.Status(context.Background(), "web")
	assert.Equal(t, service.StatusError, st.Status)
}

func TestAlreadyRunningFromRegistry(t *testing.T) {
	f := newFixture(t, []service.Descriptor{desc("web", 3101, "sleep 30")}, func(o *Options) {
		o.Alive = func(pid int) bool { return pid == 555 }
	})
	ctx := context.Background()
	require.NoError(t, f.st.UpsertService(ctx, store.ServiceRecord{
		Name: "web", Port: 3104, Environment: "test", Status: service.StatusActive, PID: 555,
	}))
	st, err := f.sup.Start(ctx, "web")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 3104, st.Port)
	owner, _ := f.alloc.Owner(3104)
	assert.Equal(t, "web", owner)
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return p
}

func TestCheckHealthPromotesStarting(t *testing.T) {
	status := http.StatusOK
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	f := newFixture(t, []service.Descriptor{desc("web", 3101, "sleep 30")}, func(o *Options) {
		o.Prober = health.NewHTTPChecker(time.Second)
	})
	ctx := context.Background()
	require.NoError(t, f.st.UpsertService(ctx, store.ServiceRecord{
		Name: "web", Port: serverPort(t, srv), Protocol: "http", Host: "127.0.0.1",
		HealthEndpoint: "/health", Environment: "test", Status: service.StatusStarting,
	}))

	assert.True(t, f.sup.CheckHealth(ctx, "web"))
	rec, err := f.st.GetService(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, service.StatusActive, rec.Status)
	assert.Equal(t, service.HealthHealthy, rec.LastHealth)
	assert.False(t, rec.LastHealthCheck.IsZero())

	mu.Lock()
	status = http.StatusServiceUnavailable
	mu.Unlock()
	res := f.sup.CheckHealthDetail(ctx, "web")
	assert.False(t, res.Healthy)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	rec, _ = f.st.GetService(ctx, "web")
	assert.Equal(t, service.HealthUnhealthy, rec.LastHealth)
	assert.Equal(t, service.StatusActive, rec.Status, "an unhealthy probe does not change the status")
}

func TestCheckHealthWithoutPort(t *testing.T) {
	called := false
	f := newFixture(t, []service.Descriptor{desc("web", 3101, "sleep 30")}, func(o *Options) {
		o.Prober = health.ProberFunc(func(context.Context, string) health.Result {
			called = true
			return health.Result{Healthy: true}
		})
	})
	ctx := context.Background()
	require.NoError(t, f.st.UpsertService(ctx, store.ServiceRecord{Name: "web", Environment: "test", Status: service.StatusStarting}))
	res := f.sup.CheckHealthDetail(ctx, "web")
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Error, "no registered port")
	assert.False(t, called)
	st, _ := f.sup.Status(ctx, "web")
	assert.Equal(t, service.HealthUnhealthy, st.LastHealth)
}

func TestCheckHealthSkipsStoppedService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer srv.Close()

	var probes atomic.Int32
	checker := health.NewHTTPChecker(time.Second)
	f := newFixture(t, []service.Descriptor{desc("web", 3101, "sleep 30")}, func(o *Options) {
		o.Prober = health.ProberFunc(func(ctx context.Context, u string) health.Result {
			probes.Add(1)
			return checker.Probe(ctx, u)
		})
	})
	ctx := context.Background()
	// the port outlived the process
	require.NoError(t, f.st.UpsertService(ctx, store.ServiceRecord{
		Name: "web", Port: serverPort(t, srv), Protocol: "http", Host: "127.0.0.1",
		HealthEndpoint: "/", Environment: "test", Status: service.StatusInactive,
	}))

	res := f.sup.CheckHealthDetail(ctx, "web")
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Error, "inactive")
	assert.Zero(t, probes.Load())

	rec, err := f.st.GetService(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, service.StatusInactive, rec.Status)
	assert.True(t, rec.LastHealthCheck.IsZero())

	// a fresh table entry with no registry row is not running either
	g := newFixture(t, []service.Descriptor{desc("api", 3102, "sleep 30")}, nil)
	assert.Contains(t, g.sup.CheckHealthDetail(ctx, "api").Error, "api is inactive")
}

func TestStartAllContinuesPastFailures(t *testing.T) {
	table := []service.Descriptor{
		desc("one", 3101, "sleep 30"),
		desc("two", 3102, "/nonexistent/devsvc-binary"),
		desc("three", 3103, "sleep 30"),
	}
	f := newFixture(t, table, func(o *Options) { o.StartDelay = 10 * time.Millisecond })
	ctx := context.Background()

	rs := f.sup.StartAll(ctx)
	require.Len(t, rs, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{rs[0].Service, rs[1].Service, rs[2].Service})
	assert.NoError(t, rs[0].Err)
	var se *ProcessSpawnError
	assert.ErrorAs(t, rs[1].Err, &se)
	assert.NotEmpty(t, rs[1].Error)
	assert.NoError(t, rs[2].Err)
	assert.Equal(t, 3103, rs[2].State.Port)
	assert.True(t, Failed(rs))

	stops := f.sup.StopAll(ctx)
	require.Len(t, stops, 3)
	assert.False(t, Failed(stops))
	for _, r := range stops {
		assert.Equal(t, service.StatusInactive, r.State.Status, r.Service)
	}
}

func TestMonitorAll(t *testing.T) {
	table := []service.Descriptor{desc("up", 3101, "sleep 30"), desc("down", 3102, "sleep 30")}
	f := newFixture(t, table, func(o *Options) {
		o.Prober = health.ProberFunc(func(_ context.Context, u string) health.Result {
			ok := strings.Contains(u, ":3101/")
			r := health.Result{URL: u, Healthy: ok, CheckedAt: time.Now().UTC()}
			if !ok {
				r.Error = "connection refused"
			}
			return r
		})
	})
	ctx := context.Background()
	for _, rec := range []store.ServiceRecord{
		{Name: "up", Port: 3101, Environment: "test", Status: service.StatusStarting},
		{Name: "down", Port: 3102, Environment: "test", Status: service.StatusStarting},
	} {
		require.NoError(t, f.st.UpsertService(ctx, rec))
	}

	rs := f.sup.MonitorAll(ctx)
	require.Len(t, rs, 2)
	assert.True(t, rs[0].Healthy)
	assert.Equal(t, service.StatusActive, rs[0].State.Status)
	assert.False(t, rs[1].Healthy)
	assert.Equal(t, "connection refused", rs[1].Error)
	assert.NoError(t, rs[1].Err)
	assert.Equal(t, service.StatusStarting, rs[1].State.Status)
}

func TestPrepareResetsEnvironment(t *testing.T) {
	f := newFixture(t, []service.Descriptor{desc("web", 3101, "sleep 30")}, nil)
	ctx := context.Background()
	require.NoError(t, f.st.UpsertService(ctx, store.ServiceRecord{Name: "web", Port: 3101, Environment: "test", Status: service.StatusActive, PID: 9}))
	require.NoError(t, f.st.UpsertService(ctx, store.ServiceRecord{Name: "elsewhere", Port: 3200, Environment: "staging", Status: service.StatusActive}))

	require.NoError(t, f.sup.Prepare(ctx))
	rec, _ := f.st.GetService(ctx, "web")
	assert.Equal(t, service.StatusInactive, rec.Status)
	other, _ := f.st.GetService(ctx, "elsewhere")
	assert.Equal(t, service.StatusActive, other.Status)

	st, _ := f.sup.Status(ctx, "web")
	assert.Equal(t, service.StatusInactive, st.Status)
}

func TestReconcileMarksLostProcess(t *testing.T) {
	f := newFixture(t, []service.Descriptor{desc("web", 3101, "sleep 30")}, nil)
	ctx := context.Background()
	require.NoError(t, f.st.UpsertService(ctx, store.ServiceRecord{Name: "web", Port: 3101, Environment: "test", Status: service.StatusActive, PID: 4242}))

	f.sup.Reconcile(ctx)
	st, _ := f.sup.Status(ctx, "web")
	assert.Equal(t, service.StatusError, st.Status)
	assert.Contains(t, st.LastError, "4242")
	assert.Empty(t, f.alloc.Allocated())
}

func TestRunMonitorStopsWithContext(t *testing.T) {
	var mu sync.Mutex
	probes := 0
	f := newFixture(t, []service.Descriptor{desc("web", 3101, "sleep 30")}, func(o *Options) {
		o.Prober = health.ProberFunc(func(context.Context, string) health.Result {
			mu.Lock()
			probes++
			mu.Unlock()
			return health.Result{Healthy: true}
		})
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.st.UpsertService(ctx, store.ServiceRecord{Name: "web", Port: 3101, Environment: "test", Status: service.StatusStarting}))

	done := make(chan struct{})
	go func() {
		f.sup.RunMonitor(ctx, 10*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return probes >= 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
