package dispatch

import (
	"context"
	"errors"
	"sync"
)

var ErrNotAttached = errors.New("no live connection for session")

// Conn is a client connection that can still take the session's reply.
type Conn interface {
	Deliver(ctx context.Context, payload []byte) error
}

// Live tracks connections whose clients finished streaming and are waiting
// on the same socket for their result.
type Live struct {
	mu    sync.Mutex
	conns map[string]Conn
}

func NewLive() *Live {
	return &Live{conns: make(map[string]Conn)}
}

// Attach registers c for sessionID. The returned func detaches it and is
// safe to call more than once.
func (l *Live) Attach(sessionID string, c Conn) func() {
	l.mu.Lock()
	l.conns[sessionID] = c
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.conns[sessionID] == c {
				delete(l.conns, sessionID)
			}
		})
	}
}

// Send delivers payload to the attached connection, if any. A connection
// receives at most one reply: it is detached before delivery.
func (l *Live) Send(ctx context.Context, sessionID string, payload []byte) error {
	l.mu.Lock()
	c, ok := l.conns[sessionID]
	if ok {
		delete(l.conns, sessionID)
	}
	l.mu.Unlock()
	if !ok {
		return ErrNotAttached
	}
	return c.Deliver(ctx, payload)
}

func (l *Live) Attached() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}
