package process

import (
	"context"
	"os"
	"sort"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Finder locates and signals OS processes that were not necessarily spawned
// by this process, e.g. dev servers started by a previous CLI invocation.
type Finder interface {
	// Find returns the PIDs whose command line contains pattern.
	Find(ctx context.Context, pattern string) ([]int, error)
	// Terminate sends SIGTERM to pid (its process group when it leads one).
	Terminate(pid int) error
}

// OSFinder implements Finder on top of gopsutil.
type OSFinder struct{}

func (OSFinder) Find(ctx context.Context, pattern string) ([]int, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	parent := os.Getppid()
	var pids []int
	for _, p := range procs {
		pid := int(p.Pid)
		if pid == self || pid == parent {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			// exited or not readable
			continue
		}
		if strings.Contains(cmdline, pattern) {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids, nil
}

func (OSFinder) Terminate(pid int) error { return terminateGroup(pid) }

// Alive reports whether pid refers to a live, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err != nil {
		ok, _ := p.IsRunning()
		return ok
	}
	for _, s := range st {
		if s == gopsproc.Zombie {
			return false
		}
	}
	return true
}
