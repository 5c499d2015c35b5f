package env

import (
	"strings"
	"testing"
)

func lookup(out []string, key string) (string, bool) {
	for _, kv := range out {
		if k, v, ok := Split(kv); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestMergeLayering(t *testing.T) {
	e := Empty().WithSet("NODE_ENV", "development").WithSet("MD_SERVER_PORT", "3000")
	out := e.Merge([]string{"MD_SERVER_PORT=3001", "broken", "=x"})
	if v, _ := lookup(out, "MD_SERVER_PORT"); v != "3001" {
		t.Fatalf("per-process entry should win, got %q", v)
	}
	if v, _ := lookup(out, "NODE_ENV"); v != "development" {
		t.Fatalf("global var missing: %v", out)
	}
	if len(out) != 2 {
		t.Fatalf("malformed entries must be dropped: %v", out)
	}
	if out[0] != "MD_SERVER_PORT=3001" {
		t.Fatalf("output should be sorted: %v", out)
	}
}

func TestWithSetDoesNotMutate(t *testing.T) {
	a := Empty().WithSet("A", "1")
	b := a.WithSet("B", "2")
	if _, ok := a.Get("B"); ok {
		t.Fatalf("WithSet mutated the receiver")
	}
	if v, _ := b.Get("A"); v != "1" {
		t.Fatalf("copy lost existing vars")
	}
}

func TestExpand(t *testing.T) {
	e := Empty().WithPairs([]string{"HOST=localhost", "PORT=3005"})
	out := e.Merge([]string{"URL=http://${HOST}:${PORT}/health", "KEEP=${MISSING}", "OPEN=${HOST"})
	if v, _ := lookup(out, "URL"); v != "http://localhost:3005/health" {
		t.Fatalf("expand failed: %q", v)
	}
	if v, _ := lookup(out, "KEEP"); v != "${MISSING}" {
		t.Fatalf("unknown refs must be kept: %q", v)
	}
	if v, _ := lookup(out, "OPEN"); v != "${HOST" {
		t.Fatalf("unterminated refs must be kept: %q", v)
	}
}

func TestNewInheritsOS(t *testing.T) {
	t.Setenv("DEVSVC_ENV_TEST", "yes")
	out := New().Merge(nil)
	if v, ok := lookup(out, "DEVSVC_ENV_TEST"); !ok || v != "yes" {
		t.Fatalf("OS env not inherited: %v", strings.Join(out, ","))
	}
}
