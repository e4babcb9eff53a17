// Package workerpool implements the fixed-size worker pool that executes
// tasks handed to it by the scheduler.
//
// # Invariants
//
// The task queue mutex and the idle-worker condition variable guard
// disjoint state (pending tasks vs. idle worker count) but share one lock:
// callers must hold mu before touching either. No lock is ever held across
// a task's execution — only across the push/pop of the queue itself.
package workerpool

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/xxfunc/xxfunc/pkg/hostlog"
)

// Task is a unit of work submitted to the pool: it should perform whatever
// action it needs and must not block indefinitely, since a stuck task ties
// up one worker for the life of the pool.
type Task func(ctx context.Context)

// Pool is a fixed set of worker goroutines draining a single FIFO queue.
// Workers with nothing to do park until woken by a new submission.
type Pool struct {
	logger *hostlog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	idle    int
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup

	ctx context.Context
}

// New starts a pool of n worker goroutines, each running until Close is
// called. n <= 0 means runtime.NumCPU().
func New(ctx context.Context, n int, logger *hostlog.Logger) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}

	p := &Pool{
		logger:  logger,
		closeCh: make(chan struct{}),
		ctx:     ctx,
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	logger.Info(hostlog.ComponentWorkerPool, "worker pool started", zap.Int("workers", n))
	return p
}

// Submit enqueues a task and wakes one idle worker, if any are parked.
func (p *Pool) Submit(t Task) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, t)
	p.mu.Unlock()

	p.cond.Signal()
}

// Close stops accepting new tasks and waits for every worker to return.
// Tasks still queued when Close is called are run before the workers
// exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.closeCh)
	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.idle++
			p.cond.Wait()
			p.idle--
		}
		if p.closed && len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}

		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error(hostlog.ComponentWorkerPool, "task panicked",
						zap.Int("worker", id), zap.Any("panic", r))
				}
			}()
			task(p.ctx)
		}()
	}
}

// Idle returns the number of workers currently parked, for diagnostics and
// tests.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

// QueueLen returns the number of tasks currently waiting to run.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
