package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProbeStatusClassification(t *testing.T) {
	cases := map[int]bool{200: true, 204: true, 299: true, 301: false, 404: false, 500: false, 503: false}
	for code, healthy := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		c := &HTTPChecker{Client: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}}
		res := c.Probe(context.Background(), srv.URL+"/health")
		assert.Equal(t, healthy, res.Healthy, "status %d", code)
		assert.Equal(t, code, res.StatusCode)
		if !healthy {
			assert.NotEmpty(t, res.Error)
		}
		srv.Close()
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := NewHTTPChecker(time.Second).Probe(context.Background(), url+"/health")
	assert.False(t, res.Healthy)
	assert.Zero(t, res.StatusCode)
	assert.NotEmpty(t, res.Error)
}

func TestProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	res := NewHTTPChecker(100*time.Millisecond).Probe(context.Background(), srv.URL)
	assert.False(t, res.Healthy)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProbeBadURL(t *testing.T) {
	res := NewHTTPChecker(0).Probe(context.Background(), "http://[::1")
	assert.False(t, res.Healthy)
	assert.NotEmpty(t, res.Error)
}
