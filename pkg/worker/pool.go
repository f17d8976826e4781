// Package worker provides a generic worker pool for background side effects
// that must not stall a device's ingestion path, such as archive writes.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Pool runs a processor over queued items on a fixed number of goroutines.
// Submit never blocks: when the queue is full the item is dropped and
// counted.
type Pool[T any] struct {
	workers   int
	queue     chan T
	processor func(context.Context, T) error
	onError   func(T, error)
	metrics   *poolMetrics

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics exports the pool's activity under name. A nil m disables
// export.
func WithMetrics[T any](m *Metrics, name string) Option[T] {
	return func(p *Pool[T]) {
		if m != nil && name != "" {
			p.metrics = m.pool(name)
		}
	}
}

// WithErrorHandler is called with every item whose processing failed,
// including items whose processor panicked.
func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(p *Pool[T]) {
		p.onError = fn
	}
}

// NewPool creates a pool. Non-positive workers or queueSize fall back to 1
// and 256. processor must not be nil.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &Pool[T]{
		workers:   workers,
		queue:     make(chan T, queueSize),
		processor: processor,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit enqueues work without blocking. Returns ErrQueueFull when saturated.
func (p *Pool[T]) Submit(work T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case !p.started:
		return ErrPoolNotStarted
	case p.stopped:
		return ErrPoolStopped
	}

	select {
	case p.queue <- work:
		p.submitted.Add(1)
		p.metrics.depth(len(p.queue))
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.drop()
		return ErrQueueFull
	}
}

// Start launches the workers. Work runs under a context derived from ctx
// that outlives ctx's cancellation until Stop has drained the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.run(workCtx)
	}
	p.started = true
	return nil
}

// Stop closes the queue and waits for queued work to drain. When ctx ends
// first the in-flight work is cancelled and ErrStopTimeout returned.
func (p *Pool[T]) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	defer p.cancel()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %d items queued", ErrStopTimeout, len(p.queue))
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  cap(p.queue),
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()

	for work := range p.queue {
		start := time.Now()
		err := p.process(ctx, work)

		p.processed.Add(1)
		if err != nil {
			p.failed.Add(1)
			if p.onError != nil {
				p.onError(work, err)
			}
		}
		p.metrics.done(err == nil, time.Since(start))
		p.metrics.depth(len(p.queue))
	}
}

// process runs the processor, turning a panic into ErrPanicked.
func (p *Pool[T]) process(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return p.processor(ctx, work)
}
