// Package devsvc supervises a table of local development servers and runs
// bounded-concurrency batches. It is the public facade over the internal
// packages and is what cmd/devsvc is built on.
package devsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/devsvc/internal/auth"
	"github.com/loykin/devsvc/internal/batch"
	cfg "github.com/loykin/devsvc/internal/config"
	"github.com/loykin/devsvc/internal/health"
	"github.com/loykin/devsvc/internal/history"
	hfactory "github.com/loykin/devsvc/internal/history/factory"
	"github.com/loykin/devsvc/internal/logger"
	"github.com/loykin/devsvc/internal/metrics"
	"github.com/loykin/devsvc/internal/portalloc"
	"github.com/loykin/devsvc/internal/server"
	"github.com/loykin/devsvc/internal/service"
	"github.com/loykin/devsvc/internal/store"
	sfactory "github.com/loykin/devsvc/internal/store/factory"
	"github.com/loykin/devsvc/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Descriptor = service.Descriptor

type RuntimeState = service.RuntimeState

type Result = supervisor.Result

type HealthResult = health.Result

type BatchSpec = batch.BatchSpec

type BatchOptions = batch.Options

type Progress = batch.Progress

type HistorySink = history.Sink

type Processor[T, R any] = batch.Processor[T, R]

type BatchResult[R any] = batch.Result[R]

var (
	ErrAlreadyRunning  = supervisor.ErrAlreadyRunning
	ErrNoAvailablePort = portalloc.ErrNoAvailablePort
	ErrSkip            = batch.ErrSkip
	ErrItemTimeout     = batch.ErrItemTimeout
	ErrInvalidBatch    = batch.ErrInvalidBatch
	ErrUnknownBatch    = batch.ErrUnknownBatch
)

// Skip marks a batch item skipped with a reason.
func Skip(reason string) error { return batch.Skip(reason) }

// Permanent marks a batch item failure as not retryable.
func Permanent(err error) error { return batch.Permanent(err) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() *Config { return cfg.Default() }

// DefaultServices returns the built-in service table.
func DefaultServices() []Descriptor { return service.Defaults() }

// Devsvc owns one supervisor, one batch engine and the registry they share.
type Devsvc struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer
	st        store.Store
	recorder  *history.Recorder
	sup       *supervisor.Supervisor
	eng       *batch.Engine
	sampler   *metrics.ResourceSampler
	router    *server.Router
}

type openOptions struct {
	log        *slog.Logger
	st         store.Store
	registerer prometheus.Registerer
	sinks      []history.Sink
}

// Option customizes Open.
type Option func(*openOptions)

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(o *openOptions) { o.log = l } }

// WithStore replaces the registry opened from registry.dsn. Open takes
// ownership and closes it on Close.
func WithStore(s store.Store) Option { return func(o *openOptions) { o.st = s } }

// WithRegisterer sets where metrics are registered. Defaults to the
// prometheus default registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *openOptions) { o.registerer = r }
}

// WithHistorySink adds an event sink next to those in [history].
func WithHistorySink(s HistorySink) Option {
	return func(o *openOptions) { o.sinks = append(o.sinks, s) }
}

// Open wires the registry, the port allocator, the supervisor, the batch
// engine and the HTTP router described by c. A nil c means DefaultConfig.
func Open(c *Config, opts ...Option) (*Devsvc, error) {
	if c == nil {
		c = DefaultConfig()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var o openOptions
	for _, fn := range opts {
		fn(&o)
	}

	d := &Devsvc{cfg: c, log: o.log}
	if d.log == nil {
		d.log, d.logCloser = logger.New(c.Log)
	}
	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	d.st = o.st
	if d.st == nil {
		st, err := sfactory.NewFromDSN(c.Registry.DSN)
		if err != nil {
			return nil, fmt.Errorf("open registry: %w", err)
		}
		d.st = st
	}
	if err := d.st.EnsureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("registry schema: %w", err)
	}

	sinks := append([]history.Sink(nil), o.sinks...)
	for _, dsn := range c.History.Sinks {
		s, err := hfactory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		sinks = append(sinks, s)
	}
	if len(sinks) > 0 {
		d.recorder = history.NewRecorder(c.Environment, d.log, sinks...)
	}

	if c.Metrics.Enabled {
		reg := o.registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		d.sampler = metrics.NewResourceSampler(c.Metrics.Resources)
		if err := d.sampler.Register(reg); err != nil {
			return nil, fmt.Errorf("register resource metrics: %w", err)
		}
	}

	genv, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	d.sup, err = supervisor.New(c.Services, supervisor.Options{
		Environment: c.Environment,
		RangeStart:  c.Ports.RangeStart,
		RangeEnd:    c.Ports.RangeEnd,
		StartDelay:  c.Supervisor.StartDelay,
		StopWait:    c.Supervisor.StopWait,
		Log:         c.Supervisor.ChildLog,
		Env:         genv,
		Allocator:   portalloc.New(portalloc.WithHost(c.Ports.Host)),
		Store:       d.st,
		Prober:      health.NewHTTPChecker(c.Supervisor.HealthTimeout),
		Logger:      d.log,
		Recorder:    d.recorder,
	})
	if err != nil {
		return nil, err
	}

	d.eng = batch.NewEngine(batch.WithStore(d.st), batch.WithLogger(d.log), batch.WithRecorder(d.recorder))

	ropts := []server.Option{
		server.WithLogger(d.log),
		server.WithAllowedHosts(c.Server.Listen, c.Server.AllowedHosts...),
		server.WithBatchDefaults(server.BatchDefaults{
			Concurrency: c.Batch.Concurrency,
			Timeout:     c.Batch.Timeout,
			Retries:     c.Batch.Retries,
			RetryDelay:  c.Batch.RetryDelay,
			MaxOutput:   c.Batch.MaxOutput,
			Env:         genv.Merge(nil),
		}),
	}
	if d.sampler != nil {
		ropts = append(ropts, server.WithSampler(d.sampler))
	}
	if c.Server.Auth.Enabled {
		as, err := auth.New(c.Server.Auth)
		if err != nil {
			return nil, fmt.Errorf("server auth: %w", err)
		}
		ropts = append(ropts, server.WithAuth(as))
	}
	d.router = server.NewRouter(d.sup, d.eng, c.Server.BasePath, ropts...)
	ok = true
	return d, nil
}

func (d *Devsvc) Config() *Config                     { return d.cfg }
func (d *Devsvc) Logger() *slog.Logger                { return d.log }
func (d *Devsvc) Supervisor() *supervisor.Supervisor { return d.sup }
func (d *Devsvc) Engine() *batch.Engine               { return d.eng }

// Handler returns the HTTP API for mounting in another server.
func (d *Devsvc) Handler() http.Handler { return d.router.Handler() }

// Router exposes the API router, e.g. for server.MountEcho.
func (d *Devsvc) Router() *server.Router { return d.router }

func (d *Devsvc) Start(ctx context.Context, name string) (RuntimeState, error) {
	return d.sup.Start(ctx, name)
}
func (d *Devsvc) Stop(ctx context.Context, name string) error { return d.sup.Stop(ctx, name) }
func (d *Devsvc) CheckHealth(ctx context.Context, name string) bool {
	return d.sup.CheckHealth(ctx, name)
}
func (d *Devsvc) Status(ctx context.Context, name string) (RuntimeState, error) {
	return d.sup.Status(ctx, name)
}
func (d *Devsvc) List(ctx context.Context) []RuntimeState  { return d.sup.List(ctx) }
func (d *Devsvc) StartAll(ctx context.Context) []Result    { return d.sup.StartAll(ctx) }
func (d *Devsvc) StopAll(ctx context.Context) []Result     { return d.sup.StopAll(ctx) }
func (d *Devsvc) MonitorAll(ctx context.Context) []Result  { return d.sup.MonitorAll(ctx) }
func (d *Devsvc) CreateBatch(ctx context.Context, spec BatchSpec) (store.BatchRecord, error) {
	return d.eng.CreateBatch(ctx, spec)
}

// Process runs proc over items as batch batchID on d's engine.
func Process[T, R any](ctx context.Context, d *Devsvc, batchID string, items []T, proc Processor[T, R], opts BatchOptions) (*BatchResult[R], error) {
	return batch.Process(ctx, d.eng, batchID, items, proc, opts)
}

// ServeOptions tune Serve.
type ServeOptions struct {
	// StartAll starts every service once the registry is reset.
	StartAll bool
	// StopOnExit stops every service when Serve returns. Children keep
	// running otherwise.
	StopOnExit bool
}

// Serve runs the HTTP API, the health monitor and the resource sampler
// until ctx is done. Registry rows of this environment are reset first.
func (d *Devsvc) Serve(ctx context.Context, o ServeOptions) error {
	if err := d.sup.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare registry: %w", err)
	}
	srv := server.NewServer(d.cfg.Server.Listen, d.router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.log.Info("api listening", "addr", d.cfg.Server.Listen, "base", d.router.BasePath())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		d.sup.RunMonitor(gctx, d.cfg.Supervisor.MonitorInterval)
		return nil
	})
	if o.StartAll {
		g.Go(func() error {
			rs := d.sup.StartAll(gctx)
			d.log.Info("services started", "total", len(rs), "any_failed", supervisor.Failed(rs))
			return nil
		})
	}
	if d.sampler != nil {
		d.sampler.Start(gctx, d.sup.PIDs)
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			d.log.Warn("api shutdown", "error", err)
		}
		if err := d.router.Close(sctx); err != nil {
			d.log.Warn("batches did not drain", "error", err)
		}
		if o.StopOnExit {
			for _, r := range d.sup.StopAll(sctx) {
				if r.Err != nil {
					d.log.Warn("stop on exit failed", "service", r.Service, "error", r.Err)
				}
			}
		}
		return nil
	})
	return g.Wait()
}

// Close releases the registry, the sinks and the log file. Detached
// children are left running.
func (d *Devsvc) Close() error {
	var errs []error
	if d.sampler != nil {
		d.sampler.Stop()
	}
	if d.router != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, d.router.Close(ctx))
		cancel()
	}
	if d.recorder != nil {
		errs = append(errs, d.recorder.Close())
	}
	if d.st != nil {
		errs = append(errs, d.st.Close())
	}
	if d.logCloser != nil {
		errs = append(errs, d.logCloser.Close())
	}
	return errors.Join(errs...)
}
