// Package modelhandle provides a process-wide, lazily initialized handle to
// an expensive read-only resource such as a loaded recognition model.
package modelhandle

import (
	"context"
	"errors"
	"io"
	"sync"
)

var ErrClosed = errors.New("model handle closed")

// Loader acquires the resource. It runs at most once per successful load.
type Loader[T any] func(ctx context.Context) (T, error)

// Handle guards a single initialization. Concurrent Get calls during a load
// wait for that load instead of starting their own, and give up when their
// own context ends. A failed load is not cached, so a later caller retries it.
type Handle[T any] struct {
	load Loader[T]

	mu     sync.Mutex
	ready  bool
	value  T
	loads  int
	closed bool
	// loading is non-nil while a load runs and closes when it finishes.
	loading chan struct{}
}

func New[T any](load Loader[T]) *Handle[T] {
	return &Handle[T]{load: load}
}

// Ready returns a handle that is already initialized with v.
func Ready[T any](v T) *Handle[T] {
	return &Handle[T]{value: v, ready: true}
}

// Get returns the shared value, loading it on first use.
func (h *Handle[T]) Get(ctx context.Context) (T, error) {
	var zero T
	for {
		h.mu.Lock()
		if h.ready {
			v := h.value
			h.mu.Unlock()
			return v, nil
		}
		if h.closed {
			h.mu.Unlock()
			return zero, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			h.mu.Unlock()
			return zero, err
		}
		if wait := h.loading; wait != nil {
			h.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		done := make(chan struct{})
		h.loading = done
		h.mu.Unlock()

		v, err := h.load(ctx)

		h.mu.Lock()
		h.loads++
		h.loading = nil
		close(done)
		if err != nil {
			h.mu.Unlock()
			return zero, err
		}
		if h.closed {
			h.mu.Unlock()
			_ = closeValue(v)
			return zero, ErrClosed
		}
		h.value = v
		h.ready = true
		h.mu.Unlock()
		return v, nil
	}
}

// Reset drops the loaded value (closing it when possible) so the next Get
// loads again. It is the remediation hook for recovery policies that change
// what the loader will find on disk.
func (h *Handle[T]) Reset() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ready || h.load == nil {
		return nil
	}
	var zero T
	v := h.value
	h.value = zero
	h.ready = false
	return closeValue(v)
}

// Loads reports how many load attempts have run.
func (h *Handle[T]) Loads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loads
}

// Close releases the value if it implements io.Closer. Later Get calls fail.
func (h *Handle[T]) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if !h.ready {
		return nil
	}
	var zero T
	v := h.value
	h.value = zero
	h.ready = false
	return closeValue(v)
}

func closeValue(v any) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
