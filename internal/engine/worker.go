package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of pool activity, exposed to operators through
// Engine.PoolMetrics and logged at shutdown.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds engine-wide step concurrency. Step attempts from every
// running instance share one pool, so its size caps how many tools can be
// in flight at once; Submit blocks at capacity, backpressuring the
// controllers that dispatch work.
type WorkerPool struct {
	slots  chan struct{}
	logger *slog.Logger

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewWorkerPool creates a pool with the given max concurrency. A nil logger
// uses slog.Default.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		slots:   make(chan struct{}, size),
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Submit enqueues work into the pool, blocking while all slots are busy.
// The wait respects context cancellation. Returns ErrPoolShutdown once
// Shutdown has begun.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-p.stopped:
		return ErrPoolShutdown
	default:
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopped:
		return ErrPoolShutdown
	}

	// Shutdown may have won the race for the slot. The closed flag and
	// wg.Add share the mutex with Shutdown's wg.Wait precondition, so a
	// task is either counted before the wait starts or rejected.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()
	p.active.Add(1)

	go p.run(ctx, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.Error("worker task panicked", slog.Any("panic", r))
		}
		p.active.Add(-1)
		<-p.slots
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for in-flight work to finish.
// Safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.stopped)
		p.mu.Unlock()

		p.wg.Wait()
	})
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
