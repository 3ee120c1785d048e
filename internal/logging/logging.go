// Package logging provides the process-wide structured logger.
//
// Adapted from bunbase's pkg/logger: a slog.Logger behind a sync.Once,
// JSON or text handler chosen by configuration, with a trace-id helper
// used here to correlate log lines with the LSN or request that produced
// them.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Config controls the global logger's behavior.
type Config struct {
	Level     string // DEBUG, INFO, WARN, ERROR
	Format    string // json, text
	AddSource bool
}

// Init installs the global logger. Safe to call multiple times; only the
// first call takes effect.
func Init(cfg Config) {
	once.Do(func() {
		logger = build(cfg)
		slog.SetDefault(logger)
	})
}

func build(cfg Config) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// Get returns the global logger, defaulting to INFO/JSON if Init was never
// called.
func Get() *slog.Logger {
	if logger == nil {
		Init(Config{Level: "INFO", Format: "json"})
	}
	return logger
}

type traceKey struct{}

// WithTraceID returns a context carrying the given correlation id (an LSN,
// an operation id, or similar).
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext returns a logger annotated with the context's trace id, if
// any was attached via WithTraceID.
func FromContext(ctx context.Context) *slog.Logger {
	id, ok := ctx.Value(traceKey{}).(string)
	if !ok || id == "" {
		return Get()
	}
	return Get().With("trace_id", id)
}

func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
