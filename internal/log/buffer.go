package log

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// RingBuffer keeps the last N log lines.
type RingBuffer struct {
	mu    sync.RWMutex
	lines []string
	next  int
	count int
}

// NewRingBuffer creates a buffer; non-positive capacities fall back to 500.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

// Add appends a line, overwriting the oldest when full.
func (rb *RingBuffer) Add(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lines[rb.next] = line
	rb.next = (rb.next + 1) % len(rb.lines)
	if rb.count < len(rb.lines) {
		rb.count++
	}
}

// Last returns up to n of the newest lines, oldest first.
func (rb *RingBuffer) Last(n int) []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.count {
		n = rb.count
	}
	if n <= 0 {
		return []string{}
	}

	out := make([]string, n)
	start := rb.next - n
	if start < 0 {
		start += len(rb.lines)
	}
	for i := range out {
		out[i] = rb.lines[(start+i)%len(rb.lines)]
	}
	return out
}

// Len returns the number of lines held.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Capacity returns the buffer capacity.
func (rb *RingBuffer) Capacity() int {
	return len(rb.lines)
}

// BufferHandler tees every record into a RingBuffer as a text line and
// forwards it to the wrapped handler when that handler accepts the level.
type BufferHandler struct {
	wrapped slog.Handler
	buffer  *RingBuffer
	format  slog.Handler
	out     *lineWriter
}

// lineWriter captures one formatted record at a time
type lineWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

// NewBufferHandler wraps h. h may be nil.
func NewBufferHandler(h slog.Handler, buffer *RingBuffer) *BufferHandler {
	out := &lineWriter{}
	return &BufferHandler{
		wrapped: h,
		buffer:  buffer,
		format:  slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}),
		out:     out,
	}
}

// Enabled always captures so the tail includes debug lines.
func (h *BufferHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle implements slog.Handler.
func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	h.out.mu.Lock()
	h.out.buf.Reset()
	if err := h.format.Handle(ctx, r); err == nil {
		h.buffer.Add(strings.TrimRight(h.out.buf.String(), "\n"))
	}
	h.out.mu.Unlock()

	if h.wrapped != nil && h.wrapped.Enabled(ctx, r.Level) {
		return h.wrapped.Handle(ctx, r)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &BufferHandler{buffer: h.buffer, format: h.format.WithAttrs(attrs), out: h.out}
	if h.wrapped != nil {
		nh.wrapped = h.wrapped.WithAttrs(attrs)
	}
	return nh
}

// WithGroup implements slog.Handler.
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	nh := &BufferHandler{buffer: h.buffer, format: h.format.WithGroup(name), out: h.out}
	if h.wrapped != nil {
		nh.wrapped = h.wrapped.WithGroup(name)
	}
	return nh
}
