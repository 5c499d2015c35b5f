package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devsvc/internal/auth"
	"github.com/loykin/devsvc/internal/batch"
	"github.com/loykin/devsvc/internal/metrics"
	"github.com/loykin/devsvc/internal/portalloc"
	"github.com/loykin/devsvc/internal/store"
	"github.com/loykin/devsvc/internal/supervisor"
)

// Router exposes the supervisor and the batch engine over HTTP.
// Endpoints, relative to basePath:
//
//	POST /auth/login                  exchange credentials for a token, when auth is on
//	GET  /services                    all service states
//	GET  /services/:name              one state
//	POST /services/:name/start|stop|health
//	POST /all/start|stop|health       bulk operations with per-service results
//	GET  /ports                       port reservations
//	GET  /batches                     recent batches
//	POST /batches                     submit a command batch
//	GET  /batches/:id                 record and live progress
//	GET  /batches/:id/items
//	POST /batches/:id/cancel|pause|resume
//	GET  /resources                   sampled CPU and memory per service
//	GET  /metrics                     prometheus, when registered
//
// Every route refuses foreign Host and Origin headers, and POST bodies must
// be declared as application/json. With auth configured every route but
// login needs basic credentials or a bearer token.
type Router struct {
	sup      *supervisor.Supervisor
	eng      *batch.Engine
	sampler  *metrics.ResourceSampler
	defaults BatchDefaults
	basePath string
	log      *slog.Logger
	auth     *auth.Service
	hosts    hostPolicy
	listen   string
	extra    []string

	// command batches outlive the request that submitted them
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// BatchDefaults fill unset fields of submitted batches.
type BatchDefaults struct {
	Concurrency int
	Timeout     time.Duration
	Retries     int
	RetryDelay  time.Duration
	MaxOutput   int
	WorkDir     string
	Env         []string
}

type Option func(*Router)

func WithSampler(s *metrics.ResourceSampler) Option { return func(r *Router) { r.sampler = s } }

func WithBatchDefaults(d BatchDefaults) Option { return func(r *Router) { r.defaults = d } }

// WithAuth requires credentials checked by s on every route.
func WithAuth(s *auth.Service) Option { return func(r *Router) { r.auth = s } }

// WithAllowedHosts sets the address the API listens on and extra host names
// it may be reached by. Loopback names are always accepted.
func WithAllowedHosts(listen string, extra ...string) Option {
	return func(r *Router) {
		r.listen = listen
		r.extra = append([]string(nil), extra...)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRouter constructs a Router mounted under basePath, e.g. "/api".
func NewRouter(sup *supervisor.Supervisor, eng *batch.Engine, basePath string, opts ...Option) *Router {
	r := &Router{sup: sup, eng: eng, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "api")
	r.hosts = newHostPolicy(r.listen, r.extra, r.auth != nil)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// BasePath returns the sanitized base path.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register adds the routes to an existing gin group.
func (r *Router) Register(root *gin.RouterGroup) {
	root.Use(r.guard())
	if r.auth != nil {
		root.POST("/auth/login", r.handleLogin)
	}
	group := root.Group("", r.auth.GinAuth())

	group.GET("/services", r.handleListServices)
	group.GET("/services/:name", r.handleServiceStatus)
	group.POST("/services/:name/start", r.handleStart)
	group.POST("/services/:name/stop", r.handleStop)
	group.POST("/services/:name/health", r.handleHealth)
	group.POST("/all/:action", r.handleAll)
	group.GET("/ports", r.handlePorts)

	group.GET("/batches", r.handleListBatches)
	group.POST("/batches", r.handleSubmitBatch)
	group.GET("/batches/:id", r.handleBatch)
	group.GET("/batches/:id/items", r.handleBatchItems)
	group.POST("/batches/:id/:action", r.handleBatchControl)

	group.GET("/resources", r.handleResources)
	group.GET("/metrics", func(c *gin.Context) {
		if !metrics.Enabled() {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "metrics not enabled"})
			return
		}
		metrics.Handler().ServeHTTP(c.Writer, c.Request)
	})
}

// Close cancels running command batches and waits for them to drain.
func (r *Router) Close(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewServer returns an http.Server for r with the usual timeouts. The
// caller runs ListenAndServe.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// bulk starts pause between services
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// statusFor maps domain errors to HTTP codes.
func statusFor(err error) int {
	var use *supervisor.UnknownServiceError
	var spawn *supervisor.ProcessSpawnError
	switch {
	case errors.As(err, &use), errors.Is(err, batch.ErrUnknownBatch), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, batch.ErrBatchRunning),
		errors.Is(err, batch.ErrBatchFinished), errors.Is(err, store.ErrExists):
		return http.StatusConflict
	case errors.Is(err, batch.ErrInvalidBatch):
		return http.StatusBadRequest
	case errors.Is(err, portalloc.ErrNoAvailablePort):
		return http.StatusServiceUnavailable
	case errors.As(err, &spawn):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
