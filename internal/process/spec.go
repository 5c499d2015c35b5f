package process

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/loykin/devsvc/internal/logger"
)

// Spec describes a child process to spawn.
type Spec struct {
	Name     string            `json:"name"`
	Command  string            `json:"command"`  // command line; shell is used only when needed
	WorkDir  string            `json:"work_dir"` // optional working dir
	Env      []string          `json:"env"`      // full environment, already merged
	Detached bool              `json:"detached"` // new session; the child outlives the supervisor
	Log      logger.FileConfig `json:"log"`
}

// Validate checks the fields required to spawn.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process requires name")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("process " + s.Name + " requires command")
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for s.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s Spec) BuildCommand() *exec.Cmd {
	return BuildCommand(s.Command)
}

// BuildCommand is the shell-aware command builder.
func BuildCommand(cmdStr string) *exec.Cmd {
	name, args := splitCommand(cmdStr)
	// #nosec G204
	return exec.Command(name, args...)
}

// BuildCommandContext is BuildCommand bound to ctx; the child is killed when
// ctx is done. Used by the batch command processor.
func BuildCommandContext(ctx context.Context, cmdStr string) *exec.Cmd {
	name, args := splitCommand(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, name, args...)
}

func splitCommand(cmdStr string) (string, []string) {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return "/bin/true", nil
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		// absolute shell path so an overridden PATH cannot break startup
		return "/bin/sh", []string{"-c", afterC}
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return "/bin/sh", []string{"-c", cmdStr}
	}
	parts := strings.Fields(cmdStr)
	return parts[0], parts[1:]
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG with
// one pair of surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c ", "bash -c ", "/bin/bash -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
