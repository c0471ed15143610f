package logtap

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.LevelDebug, &buf)

	ctx := WithLogger(context.Background(), logger.With("component", "test"))
	Logger(ctx).Info("hello from context")

	if !strings.Contains(buf.String(), "hello from context") {
		t.Errorf("log output missing message: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "component=test") {
		t.Errorf("log output missing attr: %q", buf.String())
	}
}

func TestLoggerFallsBackToDefault(t *testing.T) {
	// A bare context still yields a usable logger.
	if Logger(context.Background()) == nil {
		t.Fatal("nil logger from bare context")
	}
}

func TestRingSnapshot(t *testing.T) {
	ring := NewRing(3)
	for i, msg := range []string{"one", "two", "three", "four"} {
		ring.append(Entry{
			Time:    time.Unix(int64(i), 0),
			Level:   slog.LevelInfo.String(),
			Message: msg,
		})
	}

	// Capacity 3: "one" fell out, newest first.
	entries := ring.Snapshot(0)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "four" || entries[2].Message != "two" {
		t.Errorf("unexpected order: %v", entries)
	}

	limited := ring.Snapshot(2)
	if len(limited) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(limited))
	}
	if limited[0].Message != "four" {
		t.Errorf("limit should keep newest entries, got %v", limited)
	}
}

func TestRecentCapturesDefaultLogger(t *testing.T) {
	marker := "recent-capture-marker"
	Default().Info(marker)

	for _, e := range Recent(50) {
		if e.Message == marker {
			return
		}
	}
	t.Errorf("marker not found in recent entries")
}

func TestTeeHandlerRespectsSinkLevels(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	tee := newTeeHandler(
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(tee)

	logger.Debug("chatter")
	logger.Warn("trouble")

	if !strings.Contains(debugBuf.String(), "chatter") || !strings.Contains(debugBuf.String(), "trouble") {
		t.Errorf("debug sink missing records: %q", debugBuf.String())
	}
	if strings.Contains(warnBuf.String(), "chatter") {
		t.Errorf("warn sink received a debug record: %q", warnBuf.String())
	}
	if !strings.Contains(warnBuf.String(), "trouble") {
		t.Errorf("warn sink missing its record: %q", warnBuf.String())
	}

	// The tee is enabled at the lowest sink level and attrs reach every sink.
	if !tee.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("tee not enabled at debug")
	}
	slog.New(tee.WithAttrs([]slog.Attr{slog.String("k", "v")})).Warn("attributed")
	if !strings.Contains(warnBuf.String(), "k=v") {
		t.Errorf("attr lost through tee: %q", warnBuf.String())
	}
}

func TestGoRecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.LevelDebug, &buf)
	errCh := make(chan error, 1)

	Go(logger, errCh, func() {
		panic("boom")
	})

	select {
	case err := <-errCh:
		if !strings.Contains(err.Error(), "boom") {
			t.Errorf("error missing panic value: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}
	if !strings.Contains(buf.String(), "goroutine panic") {
		t.Errorf("panic not logged: %q", buf.String())
	}
}

func TestGoRunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go(Default(), nil, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("function never ran")
	}
}
