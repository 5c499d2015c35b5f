// Package opensearch indexes history events as OpenSearch documents over the
// REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/devsvc/internal/history"
)

// Options configure a Sink. With DailyIndex set, events go to
// "<Index>-YYYY.MM.DD" keyed by the event time.
type Options struct {
	BaseURL    string
	Index      string
	Username   string
	Password   string
	DailyIndex bool
	Timeout    time.Duration
}

// Sink posts each event to <BaseURL>/<index>/_doc.
type Sink struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *Sink {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Index == "" {
		opts.Index = "devsvc-events"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

func (s *Sink) indexFor(e history.Event) string {
	if !s.opts.DailyIndex {
		return s.opts.Index
	}
	t := e.OccurredAt
	if t.IsZero() {
		t = time.Now()
	}
	return s.opts.Index + "-" + t.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := s.opts.BaseURL + "/" + s.indexFor(e) + "/_doc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch index %s: %w", s.indexFor(e), err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
