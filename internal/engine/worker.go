package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/weaveflow/weave/pkg/schema"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// workerPool bounds concurrent step attempts for a single run. Results do
// not pass through the pool; workers report to the scheduler's event
// channel. A recovered panic is converted to a step failure via onPanic so
// the scheduler never loses an inflight step.
type workerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	active  int64
	onPanic func(stepID string, err error)
}

func newWorkerPool(size int, onPanic func(stepID string, err error)) *workerPool {
	if size <= 0 {
		size = schema.DefaultMaxConcurrency
	}
	return &workerPool{
		sem:     make(chan struct{}, size),
		done:    make(chan struct{}),
		onPanic: onPanic,
	}
}

// Submit blocks until a slot frees up (backpressure against
// maxConcurrency), then runs fn in its own goroutine.
func (p *workerPool) Submit(ctx context.Context, stepID string, fn func(ctx context.Context)) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot; wg.Add must happen under
	// the lock so it cannot race Shutdown's wg.Wait.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.onPanic(stepID, schema.NewErrorf(schema.ErrCodeExecution,
					"step panicked: %v", r).WithStep(stepID))
			}
			atomic.AddInt64(&p.active, -1)
			<-p.sem
			p.wg.Done()
		}()
		fn(ctx)
	}()

	return nil
}

// Active returns the number of currently running workers.
func (p *workerPool) Active() int64 {
	return atomic.LoadInt64(&p.active)
}

// Shutdown prevents new submissions and waits for inflight work to finish.
func (p *workerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}
