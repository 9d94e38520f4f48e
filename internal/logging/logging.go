// Package logging configures the process-wide slog loggers.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu         sync.RWMutex
	baseLogger *slog.Logger
	level      = new(slog.LevelVar)
	fileWriter *lumberjack.Logger
)

// Options controls where logs go.
type Options struct {
	Level string
	// File enables a rotated JSON log file in addition to stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init replaces the default logger. It is safe to call more than once.
func Init(opts Options) error {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	level.Set(lvl)

	var out io.Writer = os.Stdout
	var fw *lumberjack.Logger
	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create log directory %s: %w", dir, err)
			}
		}
		fw = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
		}
		out = io.MultiWriter(os.Stdout, fw)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)

	mu.Lock()
	old := fileWriter
	baseLogger = logger
	fileWriter = fw
	mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	slog.SetDefault(logger)
	return nil
}

// Close flushes and closes the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}

// ForService returns a logger tagged with the given service name. The
// returned logger follows later Init calls, so packages may create it at
// init time.
func ForService(service string) *slog.Logger {
	return slog.New(&followHandler{}).With("service", service)
}

func current() slog.Handler {
	mu.RLock()
	l := baseLogger
	mu.RUnlock()
	if l == nil {
		return slog.Default().Handler()
	}
	return l.Handler()
}

// followHandler resolves the active handler on every record.
type followHandler struct {
	ops []func(slog.Handler) slog.Handler
}

func (h *followHandler) resolve() slog.Handler {
	hd := current()
	for _, op := range h.ops {
		hd = op(hd)
	}
	return hd
}

func (h *followHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return current().Enabled(ctx, l)
}

func (h *followHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *followHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(hd slog.Handler) slog.Handler { return hd.WithAttrs(attrs) })
}

func (h *followHandler) WithGroup(name string) slog.Handler {
	return h.with(func(hd slog.Handler) slog.Handler { return hd.WithGroup(name) })
}

func (h *followHandler) with(op func(slog.Handler) slog.Handler) *followHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &followHandler{ops: append(ops, op)}
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
