// Package obslog builds Bitmover's process-wide structured logger: a
// console sink for operators and a rotated JSONL file sink, fanned out
// through one slog.Handler. Constructed once by the supervisor and
// handed to every worker by reference; there is no ambient global.
package obslog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger New builds.
type Options struct {
	Dir        string // logger_dir; app.log.jsonl is written here
	Level      slog.Level
	MaxSizeMB  int
	MaxBackups int
}

// New builds the process-wide logger: console output split INFO→stdout,
// WARN+→stderr, fanned out alongside a rotated app.log.jsonl file sink.
func New(opt Options) (*slog.Logger, error) {
	console := &consoleHandler{
		stdout: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: maxLevel(opt.Level, slog.LevelInfo)}),
		stderr: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}
	handlers := []slog.Handler{console}

	if opt.Dir != "" {
		if err := os.MkdirAll(opt.Dir, 0o750); err != nil {
			return nil, err
		}
		maxSize := opt.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := opt.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		fileHandler := slog.NewJSONHandler(&lumberjack.Logger{
			Filename:   filepath.Join(opt.Dir, "app.log.jsonl"),
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		}, &slog.HandlerOptions{Level: opt.Level})
		handlers = append(handlers, fileHandler)
	}

	return slog.New(&multiHandler{handlers: handlers}), nil
}

// maxLevel returns the lower (more permissive) of the two levels, so that a
// configured debug level still widens the console's INFO floor.
func maxLevel(configured, floor slog.Level) slog.Level {
	if configured < floor {
		return configured
	}
	return floor
}

// ParseLevel maps the config file's log_level string onto an slog
// level, defaulting to Info for anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// consoleHandler routes INFO to stdout and WARN+ to stderr, matching
// operator expectations for a foreground-run daemon.
type consoleHandler struct {
	stdout slog.Handler
	stderr slog.Handler
}

func (h *consoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdout.Enabled(ctx, level) || h.stderr.Enabled(ctx, level)
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderr.Handle(ctx, r)
	}
	return h.stdout.Handle(ctx, r)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{stdout: h.stdout.WithAttrs(attrs), stderr: h.stderr.WithAttrs(attrs)}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return &consoleHandler{stdout: h.stdout.WithGroup(name), stderr: h.stderr.WithGroup(name)}
}

// multiHandler fans a record out to every configured handler.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			if err := hh.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: out}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: out}
}
