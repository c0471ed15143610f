package proc

import (
	"strings"
	"sync"
)

// OutputRing keeps the last capacity bytes written to it. The supervised
// mount process can log for days; only the tail is useful for diagnostics,
// so the capture buffer is bounded rather than an unbounded log sink.
type OutputRing struct {
	mu   sync.Mutex
	buf  []byte
	head int
	full bool
}

// NewOutputRing returns a ring keeping the last capacity bytes.
func NewOutputRing(capacity int) *OutputRing {
	if capacity <= 0 {
		capacity = 64 * 1024
	}
	return &OutputRing{buf: make([]byte, capacity)}
}

// Write implements io.Writer. It never fails and never blocks on readers.
func (r *OutputRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if n >= len(r.buf) {
		copy(r.buf, p[n-len(r.buf):])
		r.head = 0
		r.full = true
		return n, nil
	}
	copied := copy(r.buf[r.head:], p)
	if copied < n {
		copy(r.buf, p[copied:])
	}
	r.head = (r.head + n) % len(r.buf)
	if !r.full && r.head < n {
		r.full = true
	}
	return n, nil
}

// String returns the buffered tail in write order.
func (r *OutputRing) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return string(r.buf[:r.head])
	}
	var b strings.Builder
	b.Grow(len(r.buf))
	b.Write(r.buf[r.head:])
	b.Write(r.buf[:r.head])
	return b.String()
}

// Contains reports whether the buffered tail contains s.
func (r *OutputRing) Contains(s string) bool {
	if s == "" {
		return false
	}
	return strings.Contains(r.String(), s)
}
