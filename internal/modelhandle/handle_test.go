package modelhandle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type closer struct{ closed atomic.Bool }

func (c *closer) Close() error {
	c.closed.Store(true)
	return nil
}

func TestHandleLoadsOnceUnderConcurrency(t *testing.T) {
	var calls atomic.Int32
	h := New(func(context.Context) (*closer, error) {
		calls.Add(1)
		return &closer{}, nil
	})

	var wg sync.WaitGroup
	seen := make(chan *closer, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := h.Get(context.Background())
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			seen <- v
		}()
	}
	wg.Wait()
	close(seen)

	if calls.Load() != 1 {
		t.Fatalf("loader calls = %d, want 1", calls.Load())
	}
	var first *closer
	for v := range seen {
		if first == nil {
			first = v
		}
		if v != first {
			t.Fatalf("Get() returned different instances")
		}
	}
}

func TestHandleRetriesFailedLoad(t *testing.T) {
	attempt := 0
	h := New(func(context.Context) (int, error) {
		attempt++
		if attempt == 1 {
			return 0, errors.New("weights not downloaded")
		}
		return 42, nil
	})

	if _, err := h.Get(context.Background()); err == nil {
		t.Fatalf("first Get() expected error")
	}
	v, err := h.Get(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("second Get() = %d, %v, want 42, nil", v, err)
	}
	if h.Loads() != 2 {
		t.Fatalf("Loads() = %d, want 2", h.Loads())
	}
}

func TestHandleResetAndClose(t *testing.T) {
	var made []*closer
	h := New(func(context.Context) (*closer, error) {
		c := &closer{}
		made = append(made, c)
		return c, nil
	})

	if _, err := h.Get(context.Background()); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := h.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if !made[0].closed.Load() {
		t.Fatalf("Reset() did not close previous value")
	}
	if _, err := h.Get(context.Background()); err != nil {
		t.Fatalf("Get() after Reset error = %v", err)
	}
	if len(made) != 2 {
		t.Fatalf("loads = %d, want 2", len(made))
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !made[1].closed.Load() {
		t.Fatalf("Close() did not close value")
	}
	if _, err := h.Get(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get() after Close error = %v, want ErrClosed", err)
	}
}

func TestHandleWaiterHonoursItsDeadline(t *testing.T) {
	release := make(chan struct{})
	h := New(func(context.Context) (int, error) {
		<-release
		return 7, nil
	})

	loaded := make(chan error, 1)
	go func() {
		_, err := h.Get(context.Background())
		loaded <- err
	}()
	for {
		h.mu.Lock()
		busy := h.loading != nil
		h.mu.Unlock()
		if busy {
			break
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := h.Get(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Get() error = %v, want DeadlineExceeded", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("Get() waited %v on another caller's load", waited)
	}

	close(release)
	if err := <-loaded; err != nil {
		t.Fatalf("first Get() error = %v", err)
	}
	if v, err := h.Get(context.Background()); err != nil || v != 7 {
		t.Fatalf("Get() = %d, %v, want 7, nil", v, err)
	}
	if h.Loads() != 1 {
		t.Fatalf("Loads() = %d, want 1", h.Loads())
	}
}
