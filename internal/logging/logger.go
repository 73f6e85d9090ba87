package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"eventrouter/internal/config"
)

// LevelPanic sits above error for records that precede a fatal exit.
const LevelPanic = slog.Level(12)

// New builds the service logger for configured console/file sinks.
// Params: cfg contains console/file sink settings; the notify sink is opened by NewNotifyLog.
// Returns: slog logger, cleanup callback, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)
	closeAll := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	if cfg.Console.Enabled {
		handler, err := sinkHandler(cfg.Console, stdoutSink(cfg.Console.Format), true)
		if err != nil {
			return nil, nil, fmt.Errorf("build console handler: %w", err)
		}
		handlers = append(handlers, handler)
	}
	if cfg.File.Enabled {
		file, err := openSinkFile(cfg.File.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("build file handler: %w", err)
		}
		closers = append(closers, file)
		handler, err := sinkHandler(cfg.File, file, false)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("build file handler: %w", err)
		}
		handlers = append(handlers, handler)
	}

	switch len(handlers) {
	case 0:
		return nil, nil, errors.New("no log sinks enabled")
	case 1:
		return slog.New(handlers[0]), closeAll, nil
	default:
		return slog.New(teeHandler(handlers)), closeAll, nil
	}
}

func stdoutSink(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "line") {
		return &colorLineWriter{dst: os.Stdout}
	}
	return os.Stdout
}

func openSinkFile(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file %q: %w", path, err)
	}
	return file, nil
}

// sinkHandler builds a text or JSON handler writing to out.
// Params: sink settings, destination writer, and whether timestamps are dropped (console).
// Returns: handler or error for unsupported level/format.
func sinkHandler(sink config.LogSinkConfig, out io.Writer, dropTime bool) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: renameLevel}
	if dropTime {
		opts.ReplaceAttr = func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return renameLevel(groups, attr)
		}
	}
	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line":
		return slog.NewTextHandler(out, opts), nil
	case "json":
		return slog.NewJSONHandler(out, opts), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", sink.Format)
	}
}

func renameLevel(groups []string, attr slog.Attr) slog.Attr {
	if attr.Key != slog.LevelKey || len(groups) > 0 {
		return attr
	}
	if level, ok := attr.Value.Any().(slog.Level); ok && level >= LevelPanic {
		return slog.String(slog.LevelKey, "PANIC")
	}
	return attr
}

// parseLevel converts configuration level into slog.Level.
func parseLevel(value string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "panic":
		return LevelPanic, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
}

// teeHandler fans one record out to every handler accepting its level.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range t {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle forwards the record to all enabled handlers.
// Returns: joined sink errors.
func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range t {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(teeHandler, 0, len(t))
	for _, handler := range t {
		next = append(next, handler.WithAttrs(attrs))
	}
	return next
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	next := make(teeHandler, 0, len(t))
	for _, handler := range t {
		next = append(next, handler.WithGroup(name))
	}
	return next
}
