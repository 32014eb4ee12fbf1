package sandbox

import (
	"bytes"
	"sync"
)

// CapWriter keeps at most limit bytes of whatever is written to it. Writes
// past the cap are accepted and counted but their bytes are dropped, so a
// runaway worker cannot grow supervisor memory.
type CapWriter struct {
	mu        sync.Mutex
	limit     int64
	buf       bytes.Buffer
	truncated bool
}

// NewCapWriter returns a writer capped at limit bytes.
func NewCapWriter(limit int64) *CapWriter {
	return &CapWriter{limit: limit}
}

func (w *CapWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	room := w.limit - int64(w.buf.Len())
	switch {
	case room >= int64(len(p)):
		w.buf.Write(p)
	case room > 0:
		w.buf.Write(p[:room])
		w.truncated = true
	case len(p) > 0:
		w.truncated = true
	}
	return len(p), nil
}

// String returns the retained bytes.
func (w *CapWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Len reports how many bytes were retained.
func (w *CapWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Len()
}

// Truncated reports whether any bytes were dropped.
func (w *CapWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}

// Tail returns up to the last n retained bytes.
func (w *CapWriter) Tail(n int) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	b := w.buf.Bytes()
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// Reset clears the buffer and the truncation flag.
func (w *CapWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Reset()
	w.truncated = false
}
