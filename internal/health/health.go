// Package health probes the HTTP health endpoints of supervised services.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds one probe.
const DefaultTimeout = 5 * time.Second

// Result is the outcome of one probe. Failures are data, not errors.
type Result struct {
	URL        string        `json:"url"`
	Healthy    bool          `json:"healthy"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// Prober issues a health probe against url.
type Prober interface {
	Probe(ctx context.Context, url string) Result
}

// HTTPChecker treats any 2xx response as healthy and everything else,
// including transport errors and timeouts, as unhealthy.
type HTTPChecker struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPChecker{Client: &http.Client{}, Timeout: timeout}
}

func (c *HTTPChecker) Probe(ctx context.Context, url string) Result {
	start := time.Now()
	res := Result{URL: url, CheckedAt: start.UTC()}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer func() { _ = resp.Body.Close() }()
	// drain a little so keep-alive connections can be reused
	_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
	res.StatusCode = resp.StatusCode
	res.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !res.Healthy {
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return res
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, url string) Result

func (f ProberFunc) Probe(ctx context.Context, url string) Result { return f(ctx, url) }
