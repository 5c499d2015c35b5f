package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriters_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := FileConfig{Dir: dir}
	outW, errW, err := cfg.Writers("md-server")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	for _, p := range []string{"md-server.stdout.log", "md-server.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Fatalf("log not created at %s: %v", p, err)
		}
	}
}

func TestWriters_ExplicitPathsOverrideDir(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "s.out.log")
	cfg := FileConfig{Dir: filepath.Join(dir, "ignored"), StdoutPath: sp}
	outW, errW, _ := cfg.Writers("svc")
	ol, ok := outW.(*lj.Logger)
	if !ok || ol.Filename != sp {
		t.Fatalf("stdout writer should use explicit path, got %#v", outW)
	}
	el, ok := errW.(*lj.Logger)
	if !ok || el.Filename != filepath.Join(dir, "ignored", "svc.stderr.log") {
		t.Fatalf("stderr writer should derive from dir, got %#v", errW)
	}
}

func TestWriters_DefaultsAndOverrides(t *testing.T) {
	outW, errW, _ := FileConfig{}.Writers("n")
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers when nothing is configured")
	}
	if (FileConfig{}).Enabled() {
		t.Fatalf("empty config must not be enabled")
	}

	outW, _, _ = FileConfig{StdoutPath: "x"}.Writers("n")
	ol := outW.(*lj.Logger)
	if ol.MaxSize != 10 || ol.MaxBackups != 3 || ol.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}

	outW, _, _ = FileConfig{StdoutPath: "x2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.Writers("n")
	ol = outW.(*lj.Logger)
	if ol.MaxSize != 1 || ol.MaxBackups != 9 || ol.MaxAge != 11 || !ol.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", ol.MaxSize, ol.MaxBackups, ol.MaxAge, ol.Compress)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "warning": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)).With("service", "md-server")
	l.Warn("port busy", "port", 3001)
	out := buf.String()
	if !strings.Contains(out, "\033[33mWARN\033[0m") {
		t.Fatalf("missing colored level: %q", out)
	}
	if !strings.Contains(out, "service=md-server") || !strings.Contains(out, "port=3001") {
		t.Fatalf("missing attrs: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be dropped when showTime is false: %q", out)
	}
}

func TestNewWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "devsvc.log")
	l, closer := New(Config{Level: "debug", Format: "json", Path: path})
	l.Debug("hello", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), `"msg":"hello"`) {
		t.Fatalf("unexpected log content: %s", b)
	}
}

func TestFilesAppendAndRotate(t *testing.T) {
	dir := t.TempDir()
	cfg := FileConfig{Dir: dir, MaxSizeMB: 1}
	outPath := filepath.Join(dir, "svc.stdout.log")
	big := bytes.Repeat([]byte("x"), 1024*1024+1)
	if err := os.WriteFile(outPath, big, 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	outF, errF, err := cfg.Files("svc")
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	defer closeIf(outF)
	defer closeIf(errF)
	fi, err := outF.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("oversized stdout log should have been rotated, size=%d", fi.Size())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) < 3 {
		t.Fatalf("expected rotated backup next to fresh logs, got %d entries", len(entries))
	}
	if _, err := errF.Write([]byte("e\n")); err != nil {
		t.Fatalf("write stderr: %v", err)
	}
}
