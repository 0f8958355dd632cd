// Package worker runs session pipelines detached from the connection that
// produced them, with bounded concurrency and a drain phase for shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var ErrDraining = errors.New("worker pool is draining")

// Job is one unit of work. ctx is cancelled only when a drain deadline
// expires.
type Job = func(ctx context.Context)

type Option func(*Pool)

// WithInFlightGauge tracks queued plus running jobs on g.
func WithInFlightGauge(g prometheus.Gauge) Option {
	return func(p *Pool) { p.gauge = g }
}

// WithPanicHandler is called with the job name and recovered value.
func WithPanicHandler(fn func(name string, recovered any)) Option {
	return func(p *Pool) { p.onPanic = fn }
}

type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	inflight atomic.Int64

	gauge   prometheus.Gauge
	onPanic func(string, any)
}

func New(concurrency int, log zerolog.Logger, opts ...Option) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		sem:    semaphore.NewWeighted(int64(concurrency)),
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("component", "worker").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit schedules job and returns immediately. Jobs beyond the concurrency
// limit wait for a slot without blocking the caller.
func (p *Pool) Submit(name string, job Job) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return ErrDraining
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.track(1)
	go func() {
		defer p.wg.Done()
		defer p.track(-1)

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.log.Warn().Str("job", name).Msg("job dropped, pool stopped before it could run")
			return
		}
		defer p.sem.Release(1)
		p.run(name, job)
	}()
	return nil
}

func (p *Pool) run(name string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Str("job", name).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("job panicked")
			if p.onPanic != nil {
				p.onPanic(name, r)
			}
		}
	}()
	job(p.ctx)
}

func (p *Pool) track(delta int64) {
	p.inflight.Add(delta)
	if p.gauge != nil {
		p.gauge.Add(float64(delta))
	}
}

// InFlight reports queued plus running jobs.
func (p *Pool) InFlight() int {
	return int(p.inflight.Load())
}

// Drain refuses new jobs and waits for submitted ones. If ctx ends first the
// remaining jobs' contexts are cancelled and ctx's error is returned.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.log.Warn().Int("inflight", p.InFlight()).Msg("drain deadline reached, cancelling jobs")
		p.cancel()
		<-done
		return ctx.Err()
	}
}
