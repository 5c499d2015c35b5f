package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config configures the devsvc logger itself.
// Format is one of "text", "json" or "color". When Path is set the output is
// written to a rotated file instead of stderr.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// FileConfig describes where a supervised child writes its output.
// If StdoutPath/StderrPath are empty and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	StdoutPath string `json:"stdout_path" mapstructure:"stdout"`
	StderrPath string `json:"stderr_path" mapstructure:"stderr"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Enabled reports whether any output destination is configured.
func (c FileConfig) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != ""
}

// Writers returns io.WriteClosers for stdout and stderr of the named service.
// A nil writer means the stream is not captured.
func (c FileConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout, stderr := c.paths(name)
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.rotated(stdout)
	}
	if stderr != "" {
		errW = c.rotated(stderr)
	}
	return outW, errW, nil
}

// Files opens append-mode files for a child that must keep writing after the
// supervisor exits, which rules out pipe-backed writers. A file that already
// exceeds MaxSizeMB is rotated through lumberjack before it is reopened.
// Nil files mean the stream is not captured.
func (c FileConfig) Files(name string) (*os.File, *os.File, error) {
	stdout, stderr := c.paths(name)
	var outF, errF *os.File
	var err error
	if stdout != "" {
		if outF, err = c.openAppend(stdout); err != nil {
			return nil, nil, err
		}
	}
	if stderr != "" {
		if errF, err = c.openAppend(stderr); err != nil {
			if outF != nil {
				_ = outF.Close()
			}
			return nil, nil, err
		}
	}
	return outF, errF, nil
}

func (c FileConfig) paths(name string) (string, string) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	return stdout, stderr
}

func (c FileConfig) openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	if fi, err := os.Stat(path); err == nil && fi.Size() >= int64(valOr(c.MaxSizeMB, DefaultMaxSizeMB))*1024*1024 {
		l := c.rotated(path)
		if err := l.Rotate(); err != nil {
			return nil, fmt.Errorf("rotate %s: %w", path, err)
		}
		_ = l.Close()
	}
	// #nosec G304 -- path comes from the validated service descriptor
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

func (c FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// New builds a slog.Logger for cfg. The returned closer releases the log file
// when Path is set; it is a no-op otherwise.
func New(cfg Config) (*slog.Logger, io.Closer) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.Path != "" {
		_ = os.MkdirAll(filepath.Dir(cfg.Path), 0o750)
		f := &lj.Logger{
			Filename:   cfg.Path,
			MaxSize:    valOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(cfg.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   cfg.Compress,
		}
		w, closer = f, f
	}
	return slog.New(NewHandler(w, cfg.Format, ParseLevel(cfg.Level))), closer
}

// NewHandler picks the slog handler for a format name.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "color":
		return NewColorTextHandler(w, opts, true)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
