package logtap

import (
	"context"
	"errors"
	"log/slog"
)

// teeHandler delivers each record to every sink whose level admits it. The
// zero value is unusable; build one with newTeeHandler.
type teeHandler []slog.Handler

func newTeeHandler(sinks ...slog.Handler) slog.Handler {
	t := make(teeHandler, 0, len(sinks))
	for _, sink := range sinks {
		// Nested tees collapse so delivery stays a single loop.
		if inner, ok := sink.(teeHandler); ok {
			t = append(t, inner...)
			continue
		}
		t = append(t, sink)
	}
	return t
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, sink := range t {
		if sink.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, sink := range t {
		if !sink.Enabled(ctx, r.Level) {
			continue
		}
		if err := sink.Handle(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.apply(func(sink slog.Handler) slog.Handler { return sink.WithAttrs(attrs) })
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return t.apply(func(sink slog.Handler) slog.Handler { return sink.WithGroup(name) })
}

func (t teeHandler) apply(fn func(slog.Handler) slog.Handler) slog.Handler {
	next := make(teeHandler, len(t))
	for i, sink := range t {
		next[i] = fn(sink)
	}
	return next
}
