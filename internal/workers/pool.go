package workers

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emberweb/resourced/internal/logging"
	"github.com/emberweb/resourced/internal/monitoring"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrQueueFull  = errors.New("worker queue is full")
)

// Task is one unit of blocking work.
type Task func()

// Pool runs blocking filesystem work on a fixed set of goroutines so
// it never stalls fetch tasks. Submission stops at Stop; tasks already
// queued still run during the drain window.
type Pool struct {
	queue   chan Task
	size    int
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup
}

// NewPool creates a pool with the given worker count and queue depth.
// Non-positive values fall back to 4 workers and a queue of 64.
func NewPool(size, queueDepth int, log *logging.Logger, m *monitoring.Metrics) *Pool {
	if size <= 0 {
		size = 4
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	if log == nil {
		log = logging.NewNop()
	}

	p := &Pool{
		queue:   make(chan Task, queueDepth),
		size:    size,
		log:     log.Named("workers"),
		metrics: m,
	}
	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.workers.Done()
	for task := range p.queue {
		if p.metrics != nil {
			p.metrics.PoolBusy.Inc()
		}
		task()
		if p.metrics != nil {
			p.metrics.PoolBusy.Dec()
			p.metrics.RecordPoolTask("done")
		}
	}
}

// Submit enqueues a task without waiting for it. Returns ErrQueueFull
// when the queue has no room.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		return nil
	default:
		if p.metrics != nil {
			p.metrics.RecordPoolTask("rejected")
		}
		return ErrQueueFull
	}
}

// SubmitWait enqueues a task and blocks until it finishes or the
// context is done. A task abandoned by context cancellation may still
// run later, so its closure must be safe to complete unobserved.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		task()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	select {
	case p.queue <- wrapped:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the pool: no new work is accepted, queued tasks drain,
// and Stop waits up to timeout for the workers to finish. Reports
// whether the drain completed in time; on false the remaining work is
// abandoned to process exit.
func (p *Pool) Stop(timeout time.Duration) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return true
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.log.Info("worker pool drained")
		return true
	case <-time.After(timeout):
		p.log.Warn("worker pool drain timed out, dropping remaining work",
			zap.Duration("timeout", timeout))
		return false
	}
}

// Stats reports pool occupancy.
func (p *Pool) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return map[string]interface{}{
		"size":   p.size,
		"queued": len(p.queue),
		"closed": p.closed,
	}
}
