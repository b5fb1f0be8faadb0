// Package logbuf keeps a bounded in-memory tail of the process log so it can
// be served over HTTP for remote monitoring.
package logbuf

import (
	"strings"
	"sync"
)

// Buffer is an io.Writer that retains the most recent log lines. Plug it into
// log.SetOutput via io.MultiWriter alongside stderr.
type Buffer struct {
	mu      sync.Mutex
	lines   []string
	partial string
	max     int
}

// DefaultMaxLines bounds the buffer when no cap is given.
const DefaultMaxLines = 500

func New(max int) *Buffer {
	if max <= 0 {
		max = DefaultMaxLines
	}
	return &Buffer{max: max}
}

// Write splits the input on newlines and appends complete lines, dropping the
// oldest when over capacity. Never returns an error.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partial += string(p)
	for {
		i := strings.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		b.lines = append(b.lines, b.partial[:i])
		b.partial = b.partial[i+1:]
	}
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append(b.lines[:0:0], b.lines[over:]...)
	}
	return len(p), nil
}

// Lines returns a copy of the retained lines, oldest first.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}
