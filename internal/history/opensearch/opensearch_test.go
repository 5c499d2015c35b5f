package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devsvc/internal/history"
)

type captured struct {
	method, path, user, pass string
	body                     []byte
}

func recordingServer(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.method, c.path = r.Method, r.URL.Path
		c.user, c.pass, _ = r.BasicAuth()
		c.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestSendIndexesEvent(t *testing.T) {
	srv, got := recordingServer(t, http.StatusCreated)

	sink := New(Options{BaseURL: srv.URL + "/", Index: "devsvc-events"})
	err := sink.Send(context.Background(), history.Event{
		Type:       history.EventBatchFinish,
		OccurredAt: time.Now().UTC(),
		Subject:    "batch-1",
		Status:     "completed",
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/devsvc-events/_doc", got.path)
	assert.Empty(t, got.user)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(got.body, &doc))
	assert.Equal(t, string(history.EventBatchFinish), doc["type"])
	assert.Equal(t, "batch-1", doc["subject"])
	assert.Equal(t, "completed", doc["status"])
}

func TestSendDailyIndexAndAuth(t *testing.T) {
	srv, got := recordingServer(t, http.StatusOK)

	sink := New(Options{BaseURL: srv.URL, Index: "dev", DailyIndex: true, Username: "admin", Password: "pw"})
	at := time.Date(2026, 3, 7, 23, 30, 0, 0, time.UTC)
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventServiceStart, OccurredAt: at, Subject: "md-server"}))
	assert.Equal(t, "/dev-2026.03.07/_doc", got.path)
	assert.Equal(t, "admin", got.user)
	assert.Equal(t, "pw", got.pass)
}

func TestSendDefaultsIndex(t *testing.T) {
	srv, got := recordingServer(t, http.StatusCreated)
	require.NoError(t, New(Options{BaseURL: srv.URL}).Send(context.Background(), history.Event{}))
	assert.Equal(t, "/devsvc-events/_doc", got.path)
}

func TestSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mapper_parsing_exception", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := New(Options{BaseURL: srv.URL, Index: "idx"}).Send(context.Background(), history.Event{Type: history.EventServiceStart})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestSendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	assert.Error(t, New(Options{BaseURL: url, Index: "idx"}).Send(context.Background(), history.Event{}))
}
