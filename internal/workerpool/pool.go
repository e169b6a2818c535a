package workerpool

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/breeze-rmm/rdpwatch/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a fixed set of workers reading a bounded queue. The monitor runs
// slow passes (security log read, geo lookups) on it so they never hold up
// the fast session poll.
type Pool struct {
	mu     sync.RWMutex
	closed bool
	queue  chan namedTask
	wg     sync.WaitGroup
}

type namedTask struct {
	name string
	fn   Task
}

// New starts workers goroutines behind a queue of queueSize. Both are
// clamped to at least 1.
func New(workers, queueSize int) *Pool {
	workers = max(workers, 1)
	p := &Pool{queue: make(chan namedTask, max(queueSize, 1))}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	log.Debug("worker pool started", "workers", workers, "queueSize", cap(p.queue))
	return p
}

// Submit enqueues fn without blocking. It returns false when the queue is
// full or the pool is shut down.
func (p *Pool) Submit(name string, fn Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- namedTask{name: name, fn: fn}:
		return true
	default:
		log.Warn("worker pool queue full, task rejected", "task", name)
		return false
	}
}

// Shutdown refuses new tasks, lets queued ones finish and waits for the
// workers until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Debug("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out")
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		p.run(t)
	}
}

func (p *Pool) run(t namedTask) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "task", t.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	t.fn()
}
