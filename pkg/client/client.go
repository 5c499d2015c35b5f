package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to the devsvc HTTP API.
type Client struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	token    string
	username string
	password string
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations

	// Token is sent as a bearer token. Without it, Username and Password
	// are sent as basic credentials when set.
	Token    string
	Username string
	Password string
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict reports whether err is a 409 from the API, e.g. a service that
// is already running.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		// bulk starts wait between services
		Timeout: 2 * time.Minute,
	}
}

// New creates a new API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL:  config.BaseURL,
		logger:   config.Logger,
		client:   &http.Client{Timeout: config.Timeout},
		token:    config.Token,
		username: config.Username,
		password: config.Password,
	}
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
}

// Login exchanges the configured username and password for a bearer token
// that later requests use. Call it before sharing the client between
// goroutines.
func (c *Client) Login(ctx context.Context) (Token, error) {
	var out Token
	if err := c.do(ctx, http.MethodPost, "/auth/login", map[string]string{"username": c.username, "password": c.password}, &out); err != nil {
		return out, err
	}
	c.token = out.Value
	return out, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/services", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	ok := resp.StatusCode == http.StatusOK
	c.logger.Debug("Daemon reachability check", "reachable", ok, "status", resp.StatusCode)
	return ok
}

// ListServices returns every service in table order.
func (c *Client) ListServices(ctx context.Context) ([]ServiceState, error) {
	var out []ServiceState
	return out, c.do(ctx, http.MethodGet, "/services", nil, &out)
}

// Status returns one service.
func (c *Client) Status(ctx context.Context, name string) (ServiceState, error) {
	var out ServiceState
	return out, c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(name), nil, &out)
}

// Start spawns a service and returns its state right after the spawn.
func (c *Client) Start(ctx context.Context, name string) (ServiceState, error) {
	c.logger.Debug("Starting service", "service", name)
	var out struct {
		State ServiceState `json:"state"`
	}
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/start", nil, &out)
	return out.State, err
}

// Stop terminates a service. Stopping a stopped service succeeds.
func (c *Client) Stop(ctx context.Context, name string) error {
	c.logger.Debug("Stopping service", "service", name)
	return c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/stop", nil, nil)
}

// Health probes a service now.
func (c *Client) Health(ctx context.Context, name string) (HealthResult, error) {
	var out HealthResult
	return out, c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/health", nil, &out)
}

func (c *Client) StartAll(ctx context.Context) ([]Result, error)   { return c.all(ctx, "start") }
func (c *Client) StopAll(ctx context.Context) ([]Result, error)    { return c.all(ctx, "stop") }
func (c *Client) MonitorAll(ctx context.Context) ([]Result, error) { return c.all(ctx, "health") }

func (c *Client) all(ctx context.Context, action string) ([]Result, error) {
	var out []Result
	return out, c.do(ctx, http.MethodPost, "/all/"+action, nil, &out)
}

// Ports lists reserved and registered ports.
func (c *Client) Ports(ctx context.Context) ([]PortEntry, error) {
	var out []PortEntry
	return out, c.do(ctx, http.MethodGet, "/ports", nil, &out)
}

// SubmitBatch queues a command batch. The daemon runs it in the background.
func (c *Client) SubmitBatch(ctx context.Context, req BatchRequest) (BatchStatus, error) {
	c.logger.Debug("Submitting batch", "name", req.Name, "items", len(req.Items))
	var out BatchStatus
	return out, c.do(ctx, http.MethodPost, "/batches", req, &out)
}

// Batch returns a batch record with its progress.
func (c *Client) Batch(ctx context.Context, id string) (BatchStatus, error) {
	var out BatchStatus
	return out, c.do(ctx, http.MethodGet, "/batches/"+url.PathEscape(id), nil, &out)
}

// Batches lists the most recent batches.
func (c *Client) Batches(ctx context.Context, limit int) ([]Batch, error) {
	var out []Batch
	path := "/batches"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// BatchItems lists the items of a batch in input order.
func (c *Client) BatchItems(ctx context.Context, id string) ([]Item, error) {
	var out []Item
	return out, c.do(ctx, http.MethodGet, "/batches/"+url.PathEscape(id)+"/items", nil, &out)
}

func (c *Client) CancelBatch(ctx context.Context, id string) error {
	return c.batchAction(ctx, id, "cancel")
}

func (c *Client) PauseBatch(ctx context.Context, id string) error {
	return c.batchAction(ctx, id, "pause")
}

func (c *Client) ResumeBatch(ctx context.Context, id string) error {
	return c.batchAction(ctx, id, "resume")
}

func (c *Client) batchAction(ctx context.Context, id, action string) error {
	return c.do(ctx, http.MethodPost, "/batches/"+url.PathEscape(id)+"/"+action, nil, nil)
}

// WaitBatch polls until the batch finishes or ctx is done.
func (c *Client) WaitBatch(ctx context.Context, id string, every time.Duration, onProgress func(BatchStatus)) (BatchStatus, error) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		st, err := c.Batch(ctx, id)
		if err != nil {
			return st, err
		}
		if onProgress != nil {
			onProgress(st)
		}
		if st.Finished() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

// do performs an HTTP request with common error handling. body is sent as
// JSON when non-nil; a 2xx answer is decoded into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	// the API refuses mutating requests not declared as JSON
	if body != nil || method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-2xx response into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
}
