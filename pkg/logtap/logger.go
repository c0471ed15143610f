// Package logtap provides the logging plumbing shared by the rmount
// packages: a context-carried slog logger, a fan-out handler, a bounded
// in-memory ring of recent entries, and panic-safe goroutine spawning.
package logtap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
)

type contextKey struct{}

var (
	defaultLogger *slog.Logger
	defaultRing   *Ring
)

func init() {
	Init()
}

// Init builds the default logger from the RMOUNT_LOG_LEVEL and
// RMOUNT_LOG_JSON environment variables. It is called once at package load
// and may be called again by tests to reset state.
func Init() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("RMOUNT_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out slog.Handler
	if os.Getenv("RMOUNT_LOG_JSON") == "true" {
		out = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		out = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
					a.Value = slog.StringValue(a.Value.Time().Format("15:04:05.000"))
				}
				return a
			},
		})
	}

	defaultRing = NewRing(2048)
	defaultLogger = slog.New(newTeeHandler(out, newRingHandler(defaultRing)))
}

// Logger returns the logger carried by ctx, or the package default when the
// context carries none. The result is never nil.
func Logger(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return defaultLogger
}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = defaultLogger
	}
	return context.WithValue(ctx, contextKey{}, logger)
}

// Default returns the package default logger.
func Default() *slog.Logger { return defaultLogger }

// Recent returns up to limit of the most recent log entries, newest first.
// Used to attach context to failure reports.
func Recent(limit int) []Entry {
	return defaultRing.Snapshot(limit)
}

// New creates a standalone logger writing to output. A nil output discards
// everything, which is what library consumers that bring their own logging
// usually want.
func New(level slog.Level, output io.Writer) *slog.Logger {
	if output == nil {
		output = io.Discard
	}
	return slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: level}))
}

// Go runs fn in a goroutine with panic recovery. A panic is logged with its
// stack and forwarded to errCh without blocking.
func Go(logger *slog.Logger, errCh chan<- error, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("goroutine panicked: %v", r)
				logger.Error("goroutine panic", "panic", r, "stack", string(debug.Stack()))
				select {
				case errCh <- err:
				default:
					logger.Error("panic dropped, error channel full")
				}
			}
		}()
		fn()
	}()
}
