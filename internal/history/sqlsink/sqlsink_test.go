package sqlsink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devsvc/internal/history"
)

func TestSQLiteSinkAppendsEvents(t *testing.T) {
	s, err := New("sqlite://" + filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Send(ctx, history.Event{
		Type: history.EventServiceStart, OccurredAt: at, Environment: "development",
		Subject: "md-server", Status: "starting", Port: 3001, PID: 4242,
	}))
	require.NoError(t, s.Send(ctx, history.Event{
		Type: history.EventServiceExit, OccurredAt: at.Add(time.Second),
		Subject: "md-server", Status: "error", Message: "exit status 1",
		Labels: map[string]string{"reason": "crash"},
	}))
	require.NoError(t, s.Send(ctx, history.Event{Type: history.EventBatchFinish, OccurredAt: at, Subject: "b1", Status: "completed"}))

	evs, err := s.Events(ctx, "md-server", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, history.EventServiceExit, evs[0].Type, "newest first")
	assert.Equal(t, "exit status 1", evs[0].Message)
	assert.Equal(t, "crash", evs[0].Labels["reason"])
	assert.Equal(t, 3001, evs[1].Port)
	assert.Equal(t, 4242, evs[1].PID)
	assert.Equal(t, "development", evs[1].Environment)
	assert.WithinDuration(t, at, evs[1].OccurredAt, time.Second)

	all, err := s.Events(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestBarePathIsSQLite(t *testing.T) {
	p := filepath.Join(t.TempDir(), "h.db")
	s, err := New(p)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.FileExists(t, p)

	// reopening keeps the schema
	s, err = New("sqlite://" + p)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
