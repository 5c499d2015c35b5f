package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrNotStarted is returned by Stop when Start never succeeded.
var ErrNotStarted = errors.New("process not started")

// Process owns one spawned child and reaps it.
type Process struct {
	mu       sync.Mutex
	spec     Spec
	cmd      *exec.Cmd
	status   Status
	stopping bool
	closers  []io.Closer
	done     chan struct{} // closed once cmd.Wait returns
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// Spec returns the spec the process was created with.
func (p *Process) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

// configureCmd builds the command with workdir, environment, stdio and
// process attributes applied.
func (p *Process) configureCmd() (*exec.Cmd, error) {
	spec := p.Spec()
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd, spec)
	// bound the wait for stdio copying once the child itself is gone
	cmd.WaitDelay = 2 * time.Second

	var closers []io.Closer
	var stdout, stderr io.Writer
	switch {
	case spec.Log.Enabled() && spec.Detached:
		outF, errF, err := spec.Log.Files(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("open logs for %s: %w", spec.Name, err)
		}
		if outF != nil {
			stdout = outF
			closers = append(closers, outF)
		}
		if errF != nil {
			stderr = errF
			closers = append(closers, errF)
		}
	case spec.Log.Enabled():
		outW, errW, _ := spec.Log.Writers(spec.Name)
		if outW != nil {
			stdout = outW
			closers = append(closers, outW)
		}
		if errW != nil {
			stderr = errW
			closers = append(closers, errW)
		}
	}
	if stdout == nil || stderr == nil {
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err == nil {
			closers = append(closers, null)
			if stdout == nil {
				stdout = null
			}
			if stderr == nil {
				stderr = null
			}
		}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	p.mu.Lock()
	p.closers = closers
	p.mu.Unlock()
	return cmd, nil
}

// Start spawns the child. It does not wait for readiness. onExit, when set,
// is called from the reaper goroutine after the child exits.
func (p *Process) Start(onExit func(Status)) error {
	if err := p.Spec().Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.cmd != nil && p.status.Running {
		p.mu.Unlock()
		return fmt.Errorf("process %s already running with pid %d", p.spec.Name, p.status.PID)
	}
	p.mu.Unlock()

	cmd, err := p.configureCmd()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return err
	}
	done := make(chan struct{})
	p.mu.Lock()
	p.cmd = cmd
	p.done = done
	p.stopping = false
	p.status = Status{
		Name:      p.spec.Name,
		PID:       cmd.Process.Pid,
		Running:   true,
		StartedAt: time.Now(),
	}
	p.mu.Unlock()

	go p.reap(cmd, done, onExit)
	return nil
}

func (p *Process) reap(cmd *exec.Cmd, done chan struct{}, onExit func(Status)) {
	err := cmd.Wait()
	p.closeWriters()
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitErr = err
	p.status.StopRequested = p.stopping
	st := p.status
	p.mu.Unlock()
	close(done)
	if onExit != nil {
		onExit(st)
	}
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
}

// Done is closed when the child has been reaped. It is nil before Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Alive reports whether the child has not been reaped yet.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil && p.status.Running
}

// MarkStopRequested flags the next exit as requested, so exit handlers do not
// treat it as a crash.
func (p *Process) MarkStopRequested() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
}

// Stop sends SIGTERM to the child's process group and waits up to wait for it
// to exit, escalating to SIGKILL afterwards. Stopping an exited child is a no-op.
func (p *Process) Stop(wait time.Duration) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	running := p.status.Running
	p.stopping = true
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return ErrNotStarted
	}
	if !running {
		return nil
	}
	pid := cmd.Process.Pid
	if err := terminateGroup(pid); err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(wait):
	}
	_ = killGroup(pid)
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		// best-effort
	}
	return nil
}
