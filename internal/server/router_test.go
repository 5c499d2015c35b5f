//go:build !windows

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/devsvc/internal/auth"
	"github.com/loykin/devsvc/internal/batch"
	"github.com/loykin/devsvc/internal/health"
	"github.com/loykin/devsvc/internal/portalloc"
	"github.com/loykin/devsvc/internal/service"
	"github.com/loykin/devsvc/internal/store/memory"
	"github.com/loykin/devsvc/internal/supervisor"
)

type nopFinder struct{}

func (nopFinder) Find(context.Context, string) ([]int, error) { return nil, nil }
func (nopFinder) Terminate(int) error                          { return nil }

type apiFixture struct {
	router  *Router
	handler http.Handler
	sup     *supervisor.Supervisor
	eng     *batch.Engine
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := memory.New()
	table := []service.Descriptor{
		{Name: "md-server", PreferredPort: 3201, Host: "127.0.0.1", Command: "sleep 30", PortEnv: "MD_SERVER_PORT", HealthPath: "/health"},
		{Name: "script-server", PreferredPort: 3202, Host: "127.0.0.1", Command: "sleep 30", PortEnv: "SCRIPT_SERVER_PORT"},
	}
	sup, err := supervisor.New(table, supervisor.Options{
		Environment: "test",
		RangeStart:  3200,
		RangeEnd:    3220,
		StopWait:    2 * time.Second,
		Allocator:   portalloc.New(portalloc.WithProbe(func(int) bool { return true })),
		Store:       st,
		Finder:      nopFinder{},
		Prober: health.ProberFunc(func(_ context.Context, url string) health.Result {
			return health.Result{URL: url, Healthy: true, StatusCode: 200, CheckedAt: time.Now()}
		}),
	})
	require.NoError(t, err)
	eng := batch.NewEngine(batch.WithStore(st))
	r := NewRouter(sup, eng, "/api", WithBatchDefaults(BatchDefaults{Concurrency: 2}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
		sup.Shutdown(ctx)
	})
	return &apiFixture{router: r, handler: r.Handler(), sup: sup, eng: eng}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Host = "127.0.0.1:8080"
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestListAndStatus(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodGet, "/api/services", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	states := decode[[]service.RuntimeState](t, rec)
	require.Len(t, states, 2)
	assert.Equal(t, "md-server", states[0].Name)
	assert.Equal(t, service.StatusInactive, states[0].Status)

	rec = f.do(t, http.MethodGet, "/api/services/script-server", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "script-server", decode[service.RuntimeState](t, rec).Name)

	rec = f.do(t, http.MethodGet, "/api/services/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/services/bad*name", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartStopAndPorts(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/api/services/md-server/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[startResp](t, rec)
	assert.Equal(t, 3201, st.State.Port)
	assert.Equal(t, service.StatusStarting, st.State.Status)
	assert.NotZero(t, st.State.PID)

	rec = f.do(t, http.MethodPost, "/api/services/md-server/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/ports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ports := decode[[]portEntry](t, rec)
	require.Len(t, ports, 1)
	assert.Equal(t, portEntry{Port: 3201, Service: "md-server", Status: service.StatusStarting, Reserved: true}, ports[0])

	rec = f.do(t, http.MethodPost, "/api/services/md-server/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hr := decode[health.Result](t, rec)
	assert.True(t, hr.Healthy)
	assert.Equal(t, "http://127.0.0.1:3201/health", hr.URL)

	rec = f.do(t, http.MethodGet, "/api/services/md-server", nil)
	assert.Equal(t, service.StatusActive, decode[service.RuntimeState](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/services/md-server/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodGet, "/api/services/md-server", nil)
	assert.Equal(t, service.StatusInactive, decode[service.RuntimeState](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/api/ports", nil)
	assert.Empty(t, decode[[]portEntry](t, rec))
}

func TestHealthUnknownService(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodPost, "/api/services/ghost/health", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBulkActions(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/api/all/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rs := decode[[]supervisor.Result](t, rec)
	require.Len(t, rs, 2)
	for _, r := range rs {
		assert.Empty(t, r.Error, r.Service)
	}

	rec = f.do(t, http.MethodPost, "/api/all/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, r := range decode[[]supervisor.Result](t, rec) {
		assert.True(t, r.Healthy, r.Service)
	}

	rec = f.do(t, http.MethodPost, "/api/all/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, r := range decode[[]supervisor.Result](t, rec) {
		assert.Equal(t, service.StatusInactive, r.State.Status)
	}

	rec = f.do(t, http.MethodPost, "/api/all/restart", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func waitBatch(t *testing.T, f *apiFixture, id string, want batch.Status) batchResp {
	t.Helper()
	var last batchResp
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/batches/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		last = decode[batchResp](t, rec)
		return last.Batch.Status == want
	}, 10*time.Second, 20*time.Millisecond)
	return last
}

func TestSubmitBatchRuns(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/api/batches", SubmitBatchRequest{
		Name:    "convert docs",
		Command: `test "$BATCH_ITEM" != skip || exit 3; test "$BATCH_ITEM" != bad`,
		Items:   []string{"a", "skip", "bad", "b"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	sub := decode[batchResp](t, rec)
	require.NotEmpty(t, sub.Batch.ID)
	assert.Equal(t, "command", sub.Batch.BatchType)
	assert.Equal(t, 4, sub.Batch.TotalCount)

	got := waitBatch(t, f, sub.Batch.ID, batch.StatusCompleted)
	assert.Equal(t, 2, got.Progress.Completed)
	assert.Equal(t, 1, got.Progress.Failed)
	assert.Equal(t, 1, got.Progress.Skipped)
	assert.Equal(t, 100, got.Progress.Percentage)

	rec = f.do(t, http.MethodGet, "/api/batches/"+sub.Batch.ID+"/items", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode[[]map[string]any](t, rec)
	require.Len(t, items, 4)
	assert.Equal(t, "skip", items[1]["item_ref"])
	assert.Equal(t, "skipped", items[1]["status"])
	assert.Equal(t, "failed", items[2]["status"])

	rec = f.do(t, http.MethodGet, "/api/batches?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)

	rec = f.do(t, http.MethodPost, "/api/batches/"+sub.Batch.ID+"/pause", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "finished batches are no longer controllable")
}

func TestSubmitBatchRejects(t *testing.T) {
	f := newAPI(t)
	cases := []SubmitBatchRequest{
		{Name: "x", Items: []string{"a"}},
		{Name: "x", Command: "true"},
		{Name: "x", Command: "true", Items: []string{"a"}, WorkDir: "relative/dir"},
		{Name: "x", Command: "true", Items: []string{"a"}, Timeout: "soon"},
		{Name: "x", Command: "true", Items: []string{"a"}, Concurrency: -1},
		{ID: "../etc", Name: "x", Command: "true", Items: []string{"a"}},
	}
	for i, c := range cases {
		rec := f.do(t, http.MethodPost, "/api/batches", c)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "case %d: %s", i, rec.Body.String())
	}

	rec := f.do(t, http.MethodPost, "/api/batches", SubmitBatchRequest{ID: "dup", Command: "true", Items: []string{"a"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/batches", SubmitBatchRequest{ID: "dup", Command: "true", Items: []string{"a"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelBatch(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/api/batches", SubmitBatchRequest{
		ID:          "slow",
		Command:     "sleep 1",
		Items:       []string{"a", "b", "c", "d", "e"},
		Concurrency: 1,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/batches/slow/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := waitBatch(t, f, "slow", batch.StatusCancelled)
	assert.Less(t, got.Progress.Current, 5)

	rec = f.do(t, http.MethodPost, "/api/batches/slow/bogus", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/batches/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsAndResourcesDisabled(t *testing.T) {
	f := newAPI(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/metrics", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/resources", nil).Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(&supervisor.UnknownServiceError{Name: "x"}))
	assert.Equal(t, http.StatusConflict, statusFor(supervisor.ErrAlreadyRunning))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(&portalloc.NoAvailablePortError{RangeStart: 1, RangeEnd: 2}))
	assert.Equal(t, http.StatusBadRequest, statusFor(batch.ErrInvalidBatch))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&supervisor.ProcessSpawnError{Service: "x"}))
}

func TestMountEcho(t *testing.T) {
	f := newAPI(t)
	e := echo.New()
	MountEcho(e, f.router)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://127.0.0.1/api/services", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]service.RuntimeState](t, rec), 2)
}

// raw sends a request without the fixture's JSON and loopback defaults.
func (f *apiFixture) raw(method, target, contentType, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitRequiresJSONContentType(t *testing.T) {
	f := newAPI(t)
	marker := filepath.Join(t.TempDir(), "ran")
	body := `{"id":"forged","command":"touch ` + marker + `","items":["a"]}`

	for _, ct := range []string{"", "text/plain", "application/x-www-form-urlencoded", "multipart/form-data; boundary=x"} {
		rec := f.raw(http.MethodPost, "http://127.0.0.1:8080/api/batches", ct, body, nil)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code, "content type %q", ct)
	}
	rec := f.raw(http.MethodPost, "http://127.0.0.1:8080/api/services/md-server/start", "text/plain", "", nil)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	time.Sleep(50 * time.Millisecond)
	assert.NoFileExists(t, marker)
	_, err := f.eng.Batch(context.Background(), "forged")
	assert.Error(t, err, "no batch was created")

	rec = f.raw(http.MethodPost, "http://127.0.0.1:8080/api/batches", "application/json; charset=utf-8",
		`{"id":"typed","command":"true","items":["a"]}`, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Eventually(t, func() bool {
		b, err := f.eng.Batch(context.Background(), "typed")
		return err == nil && b.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestForeignOriginRejected(t *testing.T) {
	f := newAPI(t)
	marker := filepath.Join(t.TempDir(), "ran")
	body := `{"id":"cross","command":"touch ` + marker + `","items":["a"]}`

	for _, origin := range []string{"http://evil.example", "null", "file://", "http://127.0.0.1.evil.example:8080"} {
		rec := f.raw(http.MethodPost, "http://127.0.0.1:8080/api/batches", "application/json", body,
			map[string]string{"Origin": origin})
		assert.Equal(t, http.StatusForbidden, rec.Code, "origin %q", origin)
	}
	rec := f.raw(http.MethodPost, "http://127.0.0.1:8080/api/batches", "application/json", body,
		map[string]string{"Sec-Fetch-Site": "cross-site"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.raw(http.MethodGet, "http://127.0.0.1:8080/api/services", "", "", map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	time.Sleep(50 * time.Millisecond)
	assert.NoFileExists(t, marker)

	for _, origin := range []string{"http://127.0.0.1:8080", "http://localhost:3000", "http://[::1]:8080"} {
		rec = f.raw(http.MethodGet, "http://127.0.0.1:8080/api/services", "", "", map[string]string{"Origin": origin})
		assert.Equal(t, http.StatusOK, rec.Code, "origin %q", origin)
	}
}

func TestForeignHostRejected(t *testing.T) {
	f := newAPI(t)
	for _, target := range []string{"http://evil.example/api/services", "http://evil.example:8080/api/services", "http://10.0.0.5:8080/api/services"} {
		rec := f.raw(http.MethodGet, target, "", "", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, target)
	}
	for _, target := range []string{"http://localhost:8080/api/services", "http://127.0.0.1/api/services", "http://[::1]:8080/api/services"} {
		rec := f.raw(http.MethodGet, target, "", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, target)
	}
}

func TestAllowedHostsOption(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(nil, nil, "/api", WithAllowedHosts("192.168.1.20:8080", "devbox.lan"))
	h := r.Handler()
	serve := func(target string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec.Code
	}
	// past the guard the handler rejects the id
	assert.Equal(t, http.StatusBadRequest, serve("http://192.168.1.20:8080/api/batches/bad*id"))
	assert.Equal(t, http.StatusBadRequest, serve("http://devbox.lan/api/batches/bad*id"))
	assert.Equal(t, http.StatusBadRequest, serve("http://localhost/api/batches/bad*id"))
	assert.Equal(t, http.StatusForbidden, serve("http://evil.example/api/batches/bad*id"))
	assert.Equal(t, http.StatusForbidden, serve("http://192.168.1.21:8080/api/batches/bad*id"))
}

func TestAuthRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hash, err := auth.HashPassword("pw", bcrypt.MinCost)
	require.NoError(t, err)
	as, err := auth.New(auth.Config{Enabled: true, Username: "ops", PasswordHash: hash, JWTSecret: "k"})
	require.NoError(t, err)

	base := newAPI(t)
	r := NewRouter(base.sup, base.eng, "/api", WithAuth(as), WithAllowedHosts("0.0.0.0:8080"))
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	f := &apiFixture{router: r, handler: r.Handler(), sup: base.sup, eng: base.eng}

	marker := filepath.Join(t.TempDir(), "ran")
	body := `{"id":"anon","command":"touch ` + marker + `","items":["a"]}`
	rec := f.raw(http.MethodPost, "http://devbox.lan:8080/api/batches", "application/json", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.raw(http.MethodGet, "http://devbox.lan:8080/api/services", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// a page on another site cannot ride the wildcard host policy
	rec = f.raw(http.MethodGet, "http://devbox.lan:8080/api/services", "", "", map[string]string{"Origin": "http://evil.example"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.raw(http.MethodPost, "http://devbox.lan:8080/api/auth/login", "application/json", `{"username":"ops","password":"bad"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.raw(http.MethodPost, "http://devbox.lan:8080/api/auth/login", "application/json", `{"username":"ops","password":"pw"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tok := decode[auth.Token](t, rec)
	require.NotEmpty(t, tok.Value)

	rec = f.raw(http.MethodGet, "http://devbox.lan:8080/api/services", "", "", map[string]string{"Authorization": "Bearer " + tok.Value})
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "http://devbox.lan:8080/api/ports", nil)
	req.SetBasicAuth("ops", "pw")
	out := httptest.NewRecorder()
	f.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)

	time.Sleep(50 * time.Millisecond)
	assert.NoFileExists(t, marker)
}
