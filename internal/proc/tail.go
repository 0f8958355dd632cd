// Package proc holds helpers shared by the external-process boundaries:
// bounded stderr capture and process-group termination.
package proc

import (
	"strings"
	"sync"
)

// TailBuffer keeps the last max bytes written to it. Transcoders and
// recognizers can be chatty on stderr; only the end is useful for
// diagnostics.
type TailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func NewTailBuffer(max int) *TailBuffer {
	if max <= 0 {
		max = 16 << 10
	}
	return &TailBuffer{max: max}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
