package devsvc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/devsvc/internal/auth"
	"github.com/loykin/devsvc/internal/history"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func testConfig() *Config {
	c := DefaultConfig()
	c.Environment = "test"
	c.Registry.DSN = "memory"
	c.Ports.RangeStart, c.Ports.RangeEnd = 3300, 3399
	c.Server.Listen = "127.0.0.1:0"
	c.Supervisor.StartDelay = time.Millisecond
	c.Services = []Descriptor{{
		Name:          "facade-web",
		PreferredPort: 3301,
		// unique pattern so Stop never matches unrelated processes
		Command: "sleep 31.5",
		PortEnv: "FACADE_WEB_PORT",
	}}
	return c
}

func open(t *testing.T, c *Config, opts ...Option) *Devsvc {
	t.Helper()
	opts = append([]Option{WithRegisterer(prometheus.NewRegistry())}, opts...)
	d, err := Open(c, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		d.StopAll(context.Background())
		_ = d.Close()
	})
	return d
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	c := testConfig()
	c.Ports.RangeStart = 0
	_, err := Open(c)
	assert.Error(t, err)

	c = testConfig()
	c.History.Sinks = []string{"kafka://nowhere"}
	_, err = Open(c, WithRegisterer(prometheus.NewRegistry()))
	assert.ErrorContains(t, err, "history sink")
}

func TestFacadeStartStatusStop(t *testing.T) {
	requireUnix(t)
	var events atomic.Int32
	sink := history.SinkFunc(func(context.Context, history.Event) error {
		events.Add(1)
		return nil
	})
	d := open(t, testConfig(), WithHistorySink(sink))
	ctx := context.Background()

	st, err := d.Start(ctx, "facade-web")
	if errors.Is(err, ErrNoAvailablePort) {
		t.Skip("no free port in the test range")
	}
	require.NoError(t, err)
	assert.NotZero(t, st.PID)
	assert.GreaterOrEqual(t, st.Port, 3300)

	_, err = d.Start(ctx, "facade-web")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	got, err := d.Status(ctx, "facade-web")
	require.NoError(t, err)
	assert.Equal(t, st.PID, got.PID)
	assert.Len(t, d.List(ctx), 1)

	// nothing listens on the port, so the service stays starting
	assert.False(t, d.CheckHealth(ctx, "facade-web"))

	require.NoError(t, d.Stop(ctx, "facade-web"))
	got, err = d.Status(ctx, "facade-web")
	require.NoError(t, err)
	assert.Equal(t, "inactive", string(got.Status))
	assert.Eventually(t, func() bool { return events.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestFacadeBatch(t *testing.T) {
	d := open(t, testConfig())
	ctx := context.Background()

	rec, err := d.CreateBatch(ctx, BatchSpec{Name: "squares", BatchType: "test", TotalCount: 5})
	require.NoError(t, err)

	res, err := Process(ctx, d, rec.ID, []int{1, 2, 3, 4, 5}, func(_ context.Context, n int, _ int) (string, error) {
		if n == 4 {
			return "", Skip("even four")
		}
		return strconv.Itoa(n * n), nil
	}, BatchOptions{Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "4", "9", "", "25"}, res.Results)
	assert.Equal(t, 1, res.Progress.Skipped)

	p, err := d.Engine().Progress(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, p.Percentage)
}

func TestFacadeHandler(t *testing.T) {
	d := open(t, testConfig())
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://127.0.0.1/api/services", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "facade-web")

	rec = httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://attacker.example/api/services", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFacadeAuth(t *testing.T) {
	c := testConfig()
	c.Server.Listen = "0.0.0.0:0"
	require.Error(t, c.Validate(), "an open listener needs auth")

	hash, err := auth.HashPassword("pw", bcrypt.MinCost)
	require.NoError(t, err)
	c.Server.Auth = auth.Config{Enabled: true, Username: "ops", PasswordHash: hash}
	d := open(t, c)

	get := func(mut func(*http.Request)) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "http://devbox.lan/api/services", nil)
		mut(req)
		rec := httptest.NewRecorder()
		d.Handler().ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusUnauthorized, get(func(*http.Request) {}).Code)
	assert.Equal(t, http.StatusOK, get(func(r *http.Request) { r.SetBasicAuth("ops", "pw") }).Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	d := open(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, ServeOptions{StopOnExit: true}) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
