package puppet

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
)

// WorkerPool is a fixed set of goroutines, each locked to its own OS thread,
// that run the handlers of Parallel puppets. One pool is shared by every
// puppet of a registry.
type WorkerPool struct {
	jobs chan func()
	quit chan struct{}
	log  *slog.Logger
	size int

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	wg     sync.WaitGroup
}

// NewWorkerPool starts size workers reading from a queue of the given
// capacity. size <= 0 means runtime.GOMAXPROCS(0); queue < 0 means unbuffered.
func NewWorkerPool(size, queue int, log *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	if queue < 0 {
		queue = 0
	}
	if log == nil {
		log = slog.Default()
	}
	p := &WorkerPool{
		jobs: make(chan func(), queue),
		quit: make(chan struct{}),
		log:  log,
		size: size,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

func (p *WorkerPool) work() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer p.wg.Done()

	for f := range p.jobs {
		p.run(f)
	}
}

func (p *WorkerPool) run(f func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker job panicked", slog.Any("recovered", r))
		}
	}()
	f()
}

// Submit queues f, blocking while the queue is full. It fails with
// ErrWorkersClosed after Close and with the context error if ctx ends first.
func (p *WorkerPool) Submit(ctx context.Context, f func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrWorkersClosed
	}
	select {
	case p.jobs <- f:
		return nil
	case <-p.quit:
		return ErrWorkersClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits until the workers ran every job that
// was accepted.
func (p *WorkerPool) Close() {
	p.once.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

func (p *WorkerPool) Size() int { return p.size }
