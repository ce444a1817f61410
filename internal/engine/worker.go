package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

type job struct {
	ctx context.Context
	fn  func(ctx context.Context) error
}

// WorkerPool runs handler calls on at most size goroutines. Submit never
// blocks: work beyond capacity waits in a FIFO backlog. Handler results
// re-enter the engine and may submit follow-up work from inside a worker, so
// a blocking Submit could deadlock a full pool.
type WorkerPool struct {
	size    int
	logger  *slog.Logger
	mu      sync.Mutex
	backlog []job
	running int
	closed  bool
	wg      sync.WaitGroup
	metrics PoolMetrics
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{size: size, logger: logger}
}

// Submit enqueues work. Returns ErrPoolShutdown after Shutdown.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	if p.running < p.size {
		p.running++
		go p.work(job{ctx: ctx, fn: fn})
		return nil
	}
	p.backlog = append(p.backlog, job{ctx: ctx, fn: fn})
	atomic.AddInt64(&p.metrics.Queued, 1)
	return nil
}

// work runs j and then drains the backlog until it is empty.
func (p *WorkerPool) work(j job) {
	for {
		p.run(j)

		p.mu.Lock()
		if len(p.backlog) == 0 {
			p.running--
			p.mu.Unlock()
			return
		}
		j = p.backlog[0]
		p.backlog[0] = job{}
		p.backlog = p.backlog[1:]
		atomic.AddInt64(&p.metrics.Queued, -1)
		p.mu.Unlock()
	}
}

func (p *WorkerPool) run(j job) {
	atomic.AddInt64(&p.metrics.Active, 1)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.logger.Error("worker panic", slog.Any("panic", r))
		}
		atomic.AddInt64(&p.metrics.Active, -1)
		p.wg.Done()
	}()

	if err := j.ctx.Err(); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
		return
	}
	if err := j.fn(j.ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
		return
	}
	atomic.AddInt64(&p.metrics.Completed, 1)
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for accepted work to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
