// Package supervisor starts, stops and health-checks the local dev servers
// described by a fixed descriptor table. Ports come from a portalloc.Allocator
// and runtime state is written through to the service registry.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/devsvc/internal/env"
	"github.com/loykin/devsvc/internal/health"
	"github.com/loykin/devsvc/internal/history"
	"github.com/loykin/devsvc/internal/logger"
	"github.com/loykin/devsvc/internal/metrics"
	"github.com/loykin/devsvc/internal/portalloc"
	"github.com/loykin/devsvc/internal/process"
	"github.com/loykin/devsvc/internal/service"
	"github.com/loykin/devsvc/internal/store"
	"github.com/loykin/devsvc/internal/store/memory"
)

const (
	DefaultStartDelay = time.Second
	DefaultStopWait   = 5 * time.Second
)

// Options wires a Supervisor. Zero values get working defaults.
type Options struct {
	// Environment scopes registry rows, e.g. "development".
	Environment string
	RangeStart  int
	RangeEnd    int
	// StartDelay separates consecutive starts in StartAll.
	StartDelay time.Duration
	// StopWait is how long a tracked child gets between SIGTERM and SIGKILL.
	StopWait time.Duration
	// Log is the child log config used by descriptors without their own.
	Log logger.FileConfig
	// Env is the global environment merged under every descriptor's env.
	Env *env.Env

	Allocator *portalloc.Allocator
	Store     store.ServiceStore
	Finder    process.Finder
	Prober    health.Prober
	Logger    *slog.Logger
	Recorder  *history.Recorder
	// Alive reports whether an untracked pid still runs. Defaults to process.Alive.
	Alive func(pid int) bool
}

type entry struct {
	op     sync.Mutex // serializes Start and Stop of one service
	desc   service.Descriptor
	state  service.RuntimeState
	loaded bool
	proc   *process.Process
}

// Supervisor owns the runtime state of every service in its table.
type Supervisor struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*entry

	envName    string
	rangeStart int
	rangeEnd   int
	startDelay time.Duration
	stopWait   time.Duration
	childLog   logger.FileConfig
	globalEnv  *env.Env

	alloc  *portalloc.Allocator
	st     store.ServiceStore
	finder process.Finder
	prober health.Prober
	log    *slog.Logger
	rec    *history.Recorder
	alive  func(int) bool
}

// New validates the table and returns a supervisor for it. Validation
// failures are returned joined so every bad entry is reported at once.
func New(table []service.Descriptor, opts Options) (*Supervisor, error) {
	if len(table) == 0 {
		return nil, errors.New("supervisor: empty service table")
	}
	if err := service.ValidateTable(table); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	s := &Supervisor{
		entries:    make(map[string]*entry, len(table)),
		envName:    opts.Environment,
		rangeStart: opts.RangeStart,
		rangeEnd:   opts.RangeEnd,
		startDelay: opts.StartDelay,
		stopWait:   opts.StopWait,
		childLog:   opts.Log,
		globalEnv:  opts.Env,
		alloc:      opts.Allocator,
		st:         opts.Store,
		finder:     opts.Finder,
		prober:     opts.Prober,
		log:        opts.Logger,
		rec:        opts.Recorder,
		alive:      opts.Alive,
	}
	if s.envName == "" {
		s.envName = "development"
	}
	if s.rangeStart == 0 && s.rangeEnd == 0 {
		s.rangeStart, s.rangeEnd = portalloc.DefaultRangeStart, portalloc.DefaultRangeEnd
	}
	if s.startDelay < 0 {
		s.startDelay = 0
	}
	if s.stopWait <= 0 {
		s.stopWait = DefaultStopWait
	}
	if s.globalEnv == nil {
		s.globalEnv = env.New()
	}
	if s.alloc == nil {
		s.alloc = portalloc.New()
	}
	if s.st == nil {
		s.st = memory.New()
	}
	if s.finder == nil {
		s.finder = process.OSFinder{}
	}
	if s.prober == nil {
		s.prober = health.NewHTTPChecker(health.DefaultTimeout)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "supervisor")
	if s.alive == nil {
		s.alive = process.Alive
	}
	for _, d := range table {
		d = d.WithDefaults()
		s.order = append(s.order, d.Name)
		s.entries[d.Name] = &entry{desc: d, state: service.NewState(d.Name)}
	}
	return s, nil
}

// Names returns the service names in table order.
func (s *Supervisor) Names() []string { return append([]string(nil), s.order...) }

// Descriptor returns the descriptor of name.
func (s *Supervisor) Descriptor(name string) (service.Descriptor, error) {
	e, err := s.entry(name)
	if err != nil {
		return service.Descriptor{}, err
	}
	return e.desc, nil
}

// Allocator exposes the port allocator, e.g. for the ports listing.
func (s *Supervisor) Allocator() *portalloc.Allocator { return s.alloc }

func (s *Supervisor) entry(name string) (*entry, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, &UnknownServiceError{Name: name}
	}
	return e, nil
}

// load seeds the in-memory state from the registry the first time a service
// is touched, so a fresh CLI process sees what a previous one recorded.
func (s *Supervisor) load(ctx context.Context, e *entry) service.RuntimeState {
	s.mu.Lock()
	if e.loaded {
		st := e.state
		s.mu.Unlock()
		return st
	}
	s.mu.Unlock()

	rec, err := s.st.GetService(ctx, e.desc.Name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.loaded {
		return e.state
	}
	switch {
	case err == nil:
		e.state = stateFromRecord(rec)
		if e.state.Port > 0 && e.state.Status.Live() {
			// keep another caller from taking a port a live service holds
			_ = s.alloc.Reserve(e.state.Port, e.desc.Name)
		}
	case !errors.Is(err, store.ErrNotFound):
		s.log.Warn("registry read failed", "service", e.desc.Name, "error", err)
	}
	e.loaded = true
	return e.state
}

// setState replaces the in-memory state and writes it to the registry.
// Registry failures are logged; the in-memory state stays authoritative.
func (s *Supervisor) setState(ctx context.Context, e *entry, st service.RuntimeState) {
	s.mu.Lock()
	e.state = st
	e.loaded = true
	s.mu.Unlock()
	metrics.SetServiceStatus(st.Name, string(st.Status))
	metrics.SetServicePort(st.Name, st.Port)
	if err := s.st.UpsertService(context.WithoutCancel(ctx), s.record(e.desc, st)); err != nil {
		s.log.Warn("registry write failed", "service", st.Name, "error", err)
	}
}

func (s *Supervisor) record(d service.Descriptor, st service.RuntimeState) store.ServiceRecord {
	return store.ServiceRecord{
		Name:            d.Name,
		DisplayName:     d.DisplayName,
		Description:     d.Description,
		Port:            st.Port,
		Protocol:        d.Protocol,
		Host:            d.Host,
		BasePath:        d.BasePath,
		Environment:     s.envName,
		Status:          st.Status,
		HealthEndpoint:  d.HealthPath,
		LastHealthCheck: st.LastHealthCheck,
		LastHealth:      st.LastHealth,
		PID:             st.PID,
		LastError:       st.LastError,
		Metadata:        d.Metadata,
	}
}

func stateFromRecord(rec store.ServiceRecord) service.RuntimeState {
	st := service.RuntimeState{
		Name:            rec.Name,
		Port:            rec.Port,
		Status:          rec.Status,
		PID:             rec.PID,
		LastHealthCheck: rec.LastHealthCheck,
		LastHealth:      rec.LastHealth,
		LastError:       rec.LastError,
	}
	if !st.Status.Valid() {
		st.Status = service.StatusInactive
	}
	if st.LastHealth == "" {
		st.LastHealth = service.HealthUnknown
	}
	return st
}

func (s *Supervisor) event(ctx context.Context, typ history.EventType, st service.RuntimeState, msg string) {
	if s.rec == nil {
		return
	}
	_ = s.rec.Record(ctx, history.Event{
		Type: typ, Subject: st.Name, Status: string(st.Status),
		Port: st.Port, PID: st.PID, Message: msg,
	})
}

// Start allocates a port for name and spawns its command detached. It does
// not wait for the service to become ready; the state is starting until a
// health check succeeds.
func (s *Supervisor) Start(ctx context.Context, name string) (service.RuntimeState, error) {
	e, err := s.entry(name)
	if err != nil {
		return service.RuntimeState{}, err
	}
	e.op.Lock()
	defer e.op.Unlock()

	cur := s.load(ctx, e)
	if s.running(e, cur) {
		return cur, fmt.Errorf("%w: %s on port %d (pid %d)", ErrAlreadyRunning, name, cur.Port, cur.PID)
	}
	d := e.desc
	log := s.log.With("service", name)

	// a restart may reuse the service's own previous port
	s.alloc.ReleaseOwner(name)
	port, err := s.alloc.FindAvailablePort(d.PreferredPort, s.rangeStart, s.rangeEnd)
	if err != nil {
		metrics.IncSpawnFailure(name, "port")
		s.fail(ctx, e, cur, 0, err)
		return s.snapshot(e), err
	}
	if err := s.alloc.Reserve(port, name); err != nil {
		metrics.IncSpawnFailure(name, "port")
		s.fail(ctx, e, cur, 0, err)
		return s.snapshot(e), err
	}

	spec := process.Spec{
		Name:     name,
		Command:  d.Command,
		WorkDir:  d.WorkDir,
		Env:      s.globalEnv.Merge(append(append([]string(nil), d.Env...), d.PortEnv+"="+strconv.Itoa(port))),
		Detached: true,
		Log:      d.Log,
	}
	if !spec.Log.Enabled() {
		spec.Log = s.childLog
	}
	p := process.New(spec)
	if err := p.Start(func(ps process.Status) { s.onExit(e, p, port, ps) }); err != nil {
		s.alloc.Release(port)
		metrics.IncSpawnFailure(name, "spawn")
		serr := &ProcessSpawnError{Service: name, Command: d.Command, Err: err}
		s.fail(ctx, e, cur, port, serr)
		log.Error("spawn failed", "port", port, "error", err)
		return s.snapshot(e), serr
	}

	ps := p.Snapshot()
	st := service.RuntimeState{
		Name:       name,
		Port:       port,
		Status:     service.StatusStarting,
		PID:        ps.PID,
		StartedAt:  ps.StartedAt.UTC(),
		LastHealth: service.HealthUnknown,
	}
	s.mu.Lock()
	e.proc = p
	s.mu.Unlock()
	s.setState(ctx, e, st)
	metrics.IncStart(name)
	log.Info("service started", "port", port, "pid", st.PID, "command", d.Command)
	s.event(ctx, history.EventServiceStart, st, "")
	return st, nil
}

// running reports whether e has a live process: either the child this
// supervisor spawned or the pid a previous run recorded in the registry.
func (s *Supervisor) running(e *entry, cur service.RuntimeState) bool {
	if !cur.Status.Live() {
		return false
	}
	s.mu.Lock()
	p := e.proc
	s.mu.Unlock()
	if p != nil {
		return p.Alive()
	}
	return cur.PID > 0 && cur.PID != os.Getpid() && s.alive(cur.PID)
}

func (s *Supervisor) fail(ctx context.Context, e *entry, cur service.RuntimeState, port int, err error) {
	st := cur
	st.Name = e.desc.Name
	st.Status = service.StatusError
	st.Port = port
	st.PID = 0
	st.LastError = err.Error()
	s.setState(ctx, e, st)
	s.event(ctx, history.EventServiceStart, st, st.LastError)
}

// onExit runs on the reaper goroutine of a spawned child. Taking op makes a
// child that dies immediately wait for Start to publish it.
func (s *Supervisor) onExit(e *entry, p *process.Process, port int, ps process.Status) {
	e.op.Lock()
	defer e.op.Unlock()
	s.mu.Lock()
	if e.proc != p {
		// superseded by a later start
		s.mu.Unlock()
		return
	}
	e.proc = nil
	st := e.state
	s.mu.Unlock()

	if owner, ok := s.alloc.Owner(port); ok && owner == e.desc.Name {
		s.alloc.Release(port)
	}
	ctx := context.Background()
	st.PID = 0
	if ps.StopRequested {
		st.Status = service.StatusInactive
		st.LastError = ""
		s.setState(ctx, e, st)
		return
	}
	msg := "exited unexpectedly"
	if ps.ExitErr != nil {
		msg = fmt.Sprintf("exited unexpectedly: %v", ps.ExitErr)
	}
	st.Status = service.StatusError
	st.LastError = msg
	s.setState(ctx, e, st)
	metrics.IncUnexpectedExit(e.desc.Name)
	s.log.Warn("service exited", "service", e.desc.Name, "port", port, "pid", ps.PID, "error", ps.ExitErr)
	s.event(ctx, history.EventServiceExit, st, msg)
}

// Stop terminates every process whose command line contains the service's
// process pattern, plus the tracked child, and marks the service inactive.
// Finding nothing to stop is success.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	e, err := s.entry(name)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()

	cur := s.load(ctx, e)
	log := s.log.With("service", name)
	self := os.Getpid()

	s.mu.Lock()
	p := e.proc
	s.mu.Unlock()

	stopped := 0
	skip := map[int]bool{self: true}
	var errs []error
	if p != nil && p.Alive() {
		pid := p.Snapshot().PID
		skip[pid] = true
		if err := p.Stop(s.stopWait); err != nil && !errors.Is(err, process.ErrNotStarted) {
			errs = append(errs, err)
		} else {
			stopped++
		}
	}

	pids, err := s.finder.Find(ctx, e.desc.ProcessPattern)
	if err != nil {
		log.Warn("process lookup failed", "pattern", e.desc.ProcessPattern, "error", err)
	}
	if cur.PID > 0 && !skip[cur.PID] && s.alive(cur.PID) {
		pids = append(pids, cur.PID)
	}
	for _, pid := range pids {
		if skip[pid] {
			continue
		}
		skip[pid] = true
		if err := s.finder.Terminate(pid); err != nil {
			if s.alive(pid) {
				errs = append(errs, fmt.Errorf("terminate pid %d: %w", pid, err))
			}
			continue
		}
		stopped++
		log.Debug("terminated", "pid", pid)
	}

	s.alloc.ReleaseOwner(name)
	st := cur
	st.Name = name
	st.PID = 0
	if err := errors.Join(errs...); err != nil {
		st.Status = service.StatusError
		st.LastError = err.Error()
		s.setState(ctx, e, st)
		return err
	}
	st.Status = service.StatusInactive
	st.LastError = ""
	s.setState(ctx, e, st)
	if stopped > 0 {
		metrics.IncStop(name)
		log.Info("service stopped", "processes", stopped)
	} else {
		log.Info("service not running")
	}
	s.event(ctx, history.EventServiceStop, st, fmt.Sprintf("%d processes terminated", stopped))
	return nil
}

// Status returns the runtime state of name.
func (s *Supervisor) Status(ctx context.Context, name string) (service.RuntimeState, error) {
	e, err := s.entry(name)
	if err != nil {
		return service.RuntimeState{}, err
	}
	return s.load(ctx, e), nil
}

// List returns every service state in table order.
func (s *Supervisor) List(ctx context.Context) []service.RuntimeState {
	out := make([]service.RuntimeState, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.load(ctx, s.entries[n]))
	}
	return out
}

// PIDs maps live services to their pids, for resource sampling.
func (s *Supervisor) PIDs() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for n, e := range s.entries {
		if e.state.PID > 0 && e.state.Status.Live() {
			out[n] = e.state.PID
		}
	}
	return out
}

func (s *Supervisor) snapshot(e *entry) service.RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.state
}

// Prepare marks every registry row of this environment inactive. It is run
// once when the daemon starts, before anything is spawned.
func (s *Supervisor) Prepare(ctx context.Context) error {
	n, err := s.st.MarkAllInactive(ctx, s.envName)
	if err != nil {
		return fmt.Errorf("reset registry: %w", err)
	}
	s.mu.Lock()
	for _, e := range s.entries {
		if e.proc == nil {
			e.state = service.NewState(e.desc.Name)
			e.loaded = true
		}
	}
	s.mu.Unlock()
	s.log.Info("registry reset", "environment", s.envName, "rows", n)
	return nil
}

// Shutdown stops every child this supervisor spawned. Services started by
// other processes are left alone.
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, n := range s.order {
		e := s.entries[n]
		s.mu.Lock()
		p := e.proc
		s.mu.Unlock()
		if p == nil {
			continue
		}
		if err := s.Stop(ctx, n); err != nil {
			s.log.Warn("shutdown stop failed", "service", n, "error", err)
		}
	}
}
