package search

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/hazyhaar/sonde/engine"
)

// StreamWriter writes chunks as one JSON array, flushing after each element
// so clients can parse incrementally. The first write error sticks; later
// chunks are dropped.
type StreamWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	n       int
	opened  bool
	closed  bool
	err     error
}

// NewStreamWriter wraps w. Flushing happens when w is an http.Flusher.
func NewStreamWriter(w io.Writer) *StreamWriter {
	sw := &StreamWriter{w: w}
	sw.flusher, _ = w.(http.Flusher)
	return sw
}

// Open writes the opening bracket.
func (sw *StreamWriter) Open() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.opened {
		return sw.err
	}
	sw.opened = true
	sw.writeLocked([]byte("["))
	return sw.err
}

// Write appends c.
func (sw *StreamWriter) Write(c engine.Chunk) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.opened || sw.closed || sw.err != nil {
		return sw.err
	}
	if sw.n > 0 {
		b = append([]byte(","), b...)
	}
	sw.n++
	sw.writeLocked(b)
	return sw.err
}

// Close writes the closing bracket. Later writes are ignored.
func (sw *StreamWriter) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return sw.err
	}
	sw.closed = true
	if sw.opened {
		sw.writeLocked([]byte("]"))
	}
	return sw.err
}

// Err returns the first write error.
func (sw *StreamWriter) Err() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.err
}

func (sw *StreamWriter) writeLocked(b []byte) {
	if sw.err != nil {
		return
	}
	if _, err := sw.w.Write(b); err != nil {
		sw.err = err
		return
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}
