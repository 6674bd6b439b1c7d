// Package logger builds the daemon's own operational logger: one
// slog.Logger handed to the Scheduler for start/stop, admission, reap,
// reload and shutdown messages; the Store and Child Executor take no
// logger. It never carries a run's stdout/stderr; those go to
// output.txt inside the run directory (internal/executor).
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for the optional daemon log file.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes where and how the daemon logs.
type Config struct {
	// File, if set, additionally writes operational logs to a
	// lumberjack-rotated file.
	File string

	Debug       bool // include debug-level records
	NoTimestamp bool // omit timestamps (--no-timestamp)
	Color       bool // colorize console output (tint), when attached to a terminal
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	Compress    bool
}

// New builds the daemon logger and returns an io.Closer for any
// rotated file handle it opened (a no-op closer if File is empty).
func New(cfg Config) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	var console slog.Handler
	if cfg.Color {
		opts := &tint.Options{Level: level}
		if cfg.NoTimestamp {
			opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			}
		}
		console = tint.NewHandler(os.Stderr, opts)
	} else {
		console = NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}, !cfg.NoTimestamp)
	}

	if cfg.File == "" {
		return slog.New(console), io.NopCloser(nil)
	}

	rotator := &lj.Logger{
		Filename:   cfg.File,
		MaxSize:    valOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(cfg.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   cfg.Compress,
	}
	fileHandler := slog.NewTextHandler(rotator, &slog.HandlerOptions{Level: level})
	return slog.New(&fanoutHandler{handlers: []slog.Handler{console, fileHandler}}), rotator
}

// fanoutHandler fans every record out to each wrapped handler, so the
// console and the rotated file stay independent sinks (lumberjack must
// only see its own stream, not the colorized console bytes).
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
