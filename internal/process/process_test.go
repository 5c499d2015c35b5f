//go:build !windows

package process

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devsvc/internal/logger"
)

func TestBuildCommandShellDetection(t *testing.T) {
	cases := []struct {
		in   string
		args []string
	}{
		{"sleep 1", []string{"sleep", "1"}},
		{"echo $HOME", []string{"/bin/sh", "-c", "echo $HOME"}},
		{"sh -c 'echo hi'", []string{"/bin/sh", "-c", "echo hi"}},
		{`bash -c "a | b"`, []string{"/bin/sh", "-c", "a | b"}},
		{"", []string{"/bin/true"}},
	}
	for _, c := range cases {
		cmd := BuildCommand(c.in)
		assert.Equal(t, c.args, cmd.Args, "input %q", c.in)
	}
}

func TestSpecValidate(t *testing.T) {
	assert.Error(t, Spec{}.Validate())
	assert.Error(t, Spec{Name: "x"}.Validate())
	assert.NoError(t, Spec{Name: "x", Command: "true"}.Validate())
}

func TestStartWritesEnvAndExits(t *testing.T) {
	dir := t.TempDir()
	spec := Spec{
		Name:    "env-writer",
		Command: `sh -c 'echo "$APP_PORT" > port.txt'`,
		WorkDir: dir,
		Env:     append(os.Environ(), "APP_PORT=3042"),
		Log:     logger.FileConfig{Dir: dir},
	}
	p := New(spec)
	exited := make(chan Status, 1)
	require.NoError(t, p.Start(func(st Status) { exited <- st }))
	assert.Greater(t, p.Snapshot().PID, 0)

	select {
	case st := <-exited:
		assert.False(t, st.Running)
		assert.NoError(t, st.ExitErr)
		assert.False(t, st.StopRequested)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	b, err := os.ReadFile(filepath.Join(dir, "port.txt"))
	require.NoError(t, err)
	assert.Equal(t, "3042", strings.TrimSpace(string(b)))
	assert.False(t, p.Alive())
}

func TestStopTerminatesDetachedChild(t *testing.T) {
	dir := t.TempDir()
	p := New(Spec{
		Name:     "sleeper",
		Command:  "sleep 30",
		Detached: true,
		Log:      logger.FileConfig{Dir: dir},
	})
	var got Status
	exited := make(chan struct{})
	require.NoError(t, p.Start(func(st Status) { got = st; close(exited) }))
	require.True(t, p.Alive())
	assert.True(t, Alive(p.Snapshot().PID))

	require.NoError(t, p.Stop(2*time.Second))
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback not invoked")
	}
	assert.True(t, got.StopRequested)
	assert.Error(t, got.ExitErr, "terminated by signal")
	assert.NoError(t, p.Stop(time.Second), "stopping an exited child is a no-op")

	_, err := os.Stat(filepath.Join(dir, "sleeper.stdout.log"))
	assert.NoError(t, err)
}

func TestStopBeforeStart(t *testing.T) {
	p := New(Spec{Name: "x", Command: "true"})
	assert.ErrorIs(t, p.Stop(time.Second), ErrNotStarted)
}

func TestStartFailureForMissingBinary(t *testing.T) {
	p := New(Spec{Name: "ghost", Command: "/definitely/not/here --flag"})
	assert.Error(t, p.Start(nil))
	assert.False(t, p.Alive())
}

func TestOSFinderMatchesCommandLine(t *testing.T) {
	marker := "devsvc-finder-" + strconv.Itoa(os.Getpid())
	p := New(Spec{Name: "marker", Command: "sh -c 'sleep 30; echo " + marker + "'", Detached: true})
	require.NoError(t, p.Start(nil))
	defer func() { _ = p.Stop(time.Second) }()

	var f OSFinder
	var pids []int
	require.Eventually(t, func() bool {
		var err error
		pids, err = f.Find(context.Background(), marker)
		return err == nil && len(pids) > 0
	}, 3*time.Second, 50*time.Millisecond)
	assert.Contains(t, pids, p.Snapshot().PID)
	assert.NotContains(t, pids, os.Getpid())

	none, err := f.Find(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, none)

	for _, pid := range pids {
		require.NoError(t, f.Terminate(pid))
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("finder terminate did not stop the child")
	}
}
