package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeBase(t *testing.T) {
	for in, want := range map[string]string{
		"":         "",
		"/":        "",
		"api":      "/api",
		"/api/":    "/api",
		" dev ":    "/dev",
		"/v1/dev/": "/v1/dev",
	} {
		assert.Equal(t, want, sanitizeBase(in), "sanitizeBase(%q)", in)
	}
}

func TestIsSafeName(t *testing.T) {
	valid := []string{"a", "A1._-", "md-server", "3f2c9a4e-1b7d-4c1e-9a57-0e5f7b1c2d3e"}
	invalid := []string{"", "..", "a..b", "a/b", `a\b`, "hello*", "unicode한글", strings.Repeat("x", maxNameLen+1)}
	for _, s := range valid {
		assert.True(t, isSafeName(s), "expected valid name %q", s)
	}
	for _, s := range invalid {
		assert.False(t, isSafeName(s), "expected invalid name %q", s)
	}
}

func TestIsSafeAbsPath(t *testing.T) {
	dir := filepath.Clean(t.TempDir())
	sep := string(filepath.Separator)
	cases := []struct {
		path string
		ok   bool
	}{
		{"", true},
		{dir, true},
		{filepath.Join(dir, "items"), true},
		{"tmp/x", false},
		{dir + sep + ".." + sep + "etc", false},
		{dir + sep, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, isSafeAbsPath(c.path), "isSafeAbsPath(%q)", c.path)
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, http.StatusAccepted, map[string]any{"batch": "b1"}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"batch":"b1"}`, rec.Body.String())
}

func TestHostPolicy(t *testing.T) {
	for _, h := range []string{"localhost", "LOCALHOST.", "app.localhost", "127.0.0.1", "127.9.9.9", "::1", "[::1]"} {
		assert.True(t, IsLoopbackHost(h), h)
	}
	for _, h := range []string{"", "0.0.0.0", "10.0.0.1", "localhost.evil.example", "127.0.0.1.nip.io"} {
		assert.False(t, IsLoopbackHost(h), h)
	}

	p := newHostPolicy("127.0.0.1:8080", nil, false)
	assert.True(t, p.allows("localhost:8080"))
	assert.False(t, p.allows("evil.example"))
	assert.False(t, p.allows(""))

	// a wildcard listener without auth answers loopback only
	p = newHostPolicy("0.0.0.0:8080", nil, false)
	assert.False(t, p.allows("devbox.lan"))
	p = newHostPolicy("0.0.0.0:8080", nil, true)
	assert.True(t, p.allows("devbox.lan"))
	assert.False(t, p.named("devbox.lan"))
}

func TestIsJSON(t *testing.T) {
	assert.True(t, isJSON("application/json"))
	assert.True(t, isJSON("Application/JSON; charset=utf-8"))
	assert.False(t, isJSON(""))
	assert.False(t, isJSON("text/plain"))
	assert.False(t, isJSON("application/json-patch+json"))
}
