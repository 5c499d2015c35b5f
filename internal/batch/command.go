package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/devsvc/internal/process"
)

// ExitSkip is the exit status a command uses to mark its item skipped.
const ExitSkip = 3

// CommandOutput is what a command item produced.
type CommandOutput struct {
	Item     string `json:"item"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// CommandConfig describes the command run for every item.
type CommandConfig struct {
	BatchID string
	Command string
	WorkDir string
	// Env is the base environment; item variables are appended. Nil means
	// the environment of this process.
	Env []string
	// MaxOutput caps captured stdout and stderr per item.
	MaxOutput int
	// PermanentCodes are exit statuses that are never retried.
	PermanentCodes []int
}

// CommandProcessor runs cfg.Command once per item with BATCH_ITEM,
// BATCH_ITEM_INDEX and BATCH_ID set. Exit status ExitSkip marks the item
// skipped; any other non-zero status fails it.
func CommandProcessor(cfg CommandConfig) Processor[string, CommandOutput] {
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 64 << 10
	}
	permanent := make(map[int]bool, len(cfg.PermanentCodes))
	for _, c := range cfg.PermanentCodes {
		permanent[c] = true
	}
	return func(ctx context.Context, item string, index int) (CommandOutput, error) {
		out := CommandOutput{Item: item}
		if strings.TrimSpace(cfg.Command) == "" {
			return out, Permanent(errors.New("empty command"))
		}
		cmd := process.BuildCommandContext(ctx, cfg.Command)
		// grandchildren may keep the pipes open after the shell is killed
		cmd.WaitDelay = time.Second
		cmd.Dir = cfg.WorkDir
		base := cfg.Env
		if base == nil {
			base = os.Environ()
		}
		cmd.Env = append(append([]string(nil), base...),
			"BATCH_ITEM="+item,
			"BATCH_ITEM_INDEX="+strconv.Itoa(index),
			"BATCH_ID="+cfg.BatchID,
		)
		stdout := &capped{max: cfg.MaxOutput}
		stderr := &capped{max: cfg.MaxOutput}
		cmd.Stdout, cmd.Stderr = stdout, stderr

		err := cmd.Run()
		out.Stdout, out.Stderr = stdout.String(), stderr.String()
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return out, Permanent(fmt.Errorf("run %q: %w", item, err))
		}
		out.ExitCode = ee.ExitCode()
		msg := strings.TrimSpace(out.Stderr)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		switch {
		case out.ExitCode == ExitSkip:
			return out, Skip(msg)
		case permanent[out.ExitCode]:
			return out, Permanent(fmt.Errorf("exit status %d: %s", out.ExitCode, msg))
		}
		return out, fmt.Errorf("exit status %d: %s", out.ExitCode, msg)
	}
}

// capped keeps the first max bytes written to it.
type capped struct {
	buf bytes.Buffer
	max int
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *capped) String() string { return c.buf.String() }
