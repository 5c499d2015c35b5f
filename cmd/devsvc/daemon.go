package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/loykin/devsvc/internal/process"
)

// daemonArgs drops --daemonize, --pidfile and --logfile from args and passes
// the pidfile back explicitly. The log file becomes the child's stdio.
func daemonArgs(args []string, pidFile string) []string {
	var out []string
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "--daemonize" || strings.HasPrefix(arg, "--daemonize="):
			continue
		case arg == "--pidfile" || arg == "--logfile":
			skipNext = true
			continue
		case strings.HasPrefix(arg, "--pidfile=") || strings.HasPrefix(arg, "--logfile="):
			continue
		}
		out = append(out, arg)
	}
	if pidFile != "" {
		out = append(out, "--pidfile", pidFile)
	}
	return out
}

// daemonize re-executes this binary in a new session and returns the child
// pid. The child writes the pidfile itself once it serves.
func daemonize(pidFile, logFile string) (int, error) {
	if pid, ok := runningPid(pidFile); ok {
		return 0, fmt.Errorf("devsvc already running with pid %d (%s)", pid, pidFile)
	}
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}

	// #nosec G204 -- re-executes this binary
	cmd := exec.Command(executable, daemonArgs(os.Args[1:], pidFile)...)
	configureDaemonAttrs(cmd)
	if logFile != "" {
		// #nosec G304 -- path given on the command line
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open daemon log: %w", err)
		}
		defer func() { _ = f.Close() }()
		cmd.Stdout, cmd.Stderr = f, f
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// runningPid reports the pid recorded in pidFile when that process is alive.
func runningPid(pidFile string) (int, bool) {
	if pidFile == "" {
		return 0, false
	}
	// #nosec G304 -- path given on the command line
	b, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, process.Alive(pid)
}

func writePidFile(pidFile string, pid int) error {
	return os.WriteFile(pidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	if err := os.Remove(pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
