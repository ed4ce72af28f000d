// Package logging provides the process-wide leveled, structured logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Logger wraps slog for structured logging across the server.
type Logger struct {
	*slog.Logger
}

// Options configures logger construction from the `logger.*` config keys.
type Options struct {
	Console bool   // logger.console — write to stdout
	LogDir  string // logger.logDir — enables a rotating file sink when non-empty
	Level   string // logger.level — default "info"
}

func levelFromString(s string) slog.Level {
	switch s {
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

// New creates a Logger per Options. Output is JSON; when LogDir is set, a
// rotating file sink is added as a second writer behind the same JSON
// handler via io.MultiWriter, so a deployment can have both live stdout
// logs and a durable on-disk trail.
func New(opts Options) (*Logger, error) {
	level := levelFromString(opts.Level)
	var writers []io.Writer

	if opts.Console || opts.LogDir == "" {
		writers = append(writers, os.Stdout)
	}
	if opts.LogDir != "" {
		sink, err := newRotatingFile(opts.LogDir, "morrigan-server.log")
		if err != nil {
			return nil, fmt.Errorf("open log dir: %w", err)
		}
		writers = append(writers, sink)
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level})
	return &Logger{slog.New(handler)}, nil
}

// NewTestLogger creates a Logger that discards output, for tests.
func NewTestLogger() *Logger {
	return &Logger{slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// rotatingFile is a size-bounded append-only log sink, implemented
// directly over *os.File with size-based rollover rather than adding a
// new dependency for a single small concern.
type rotatingFile struct {
	mu      sync.Mutex
	dir     string
	name    string
	f       *os.File
	size    int64
	maxSize int64
}

const defaultMaxLogSize = 50 * 1024 * 1024 // 50MB

func newRotatingFile(dir, name string) (*rotatingFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	rf := &rotatingFile{dir: dir, name: name, maxSize: defaultMaxLogSize}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (r *rotatingFile) open() error {
	path := filepath.Join(r.dir, r.name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.f = f
	r.size = info.Size()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	path := filepath.Join(r.dir, r.name)
	rotated := filepath.Join(r.dir, r.name+".1")
	_ = os.Remove(rotated)
	if err := os.Rename(path, rotated); err != nil && !os.IsNotExist(err) {
		return err
	}
	return r.open()
}
