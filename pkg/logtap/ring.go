package logtap

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Ring is a fixed-size buffer of the most recent log entries.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	size    int
	head    int
}

// NewRing returns a ring holding up to capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 2048
	}
	return &Ring{entries: make([]Entry, capacity)}
}

func (r *Ring) append(e Entry) {
	r.mu.Lock()
	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.size < len(r.entries) {
		r.size++
	}
	r.mu.Unlock()
}

// Snapshot returns up to limit entries, newest first.
func (r *Ring) Snapshot(limit int) []Entry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.head - 1 - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

// ringHandler copies records into a Ring. It accepts every level so the ring
// keeps debug context even when stderr output is filtered.
type ringHandler struct {
	ring  *Ring
	attrs []slog.Attr
}

func newRingHandler(ring *Ring) slog.Handler {
	return &ringHandler{ring: ring}
}

func (h *ringHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *ringHandler) Handle(_ context.Context, rec slog.Record) error {
	e := Entry{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Message: rec.Message,
	}
	if rec.NumAttrs() > 0 || len(h.attrs) > 0 {
		e.Attrs = make(map[string]any, rec.NumAttrs()+len(h.attrs))
		for _, a := range h.attrs {
			e.Attrs[a.Key] = a.Value.Any()
		}
		rec.Attrs(func(a slog.Attr) bool {
			e.Attrs[a.Key] = a.Value.Any()
			return true
		})
	}
	h.ring.append(e)
	return nil
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next = append(next, h.attrs...)
	next = append(next, attrs...)
	return &ringHandler{ring: h.ring, attrs: next}
}

func (h *ringHandler) WithGroup(string) slog.Handler { return h }
