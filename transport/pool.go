package transport

import (
	"context"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// WorkerPool runs incoming calls on a fixed number of goroutines.
//
// The queue is unbounded: Submit never blocks, so the frame reader keeps
// draining the connection even while every worker is busy. Tasks run in
// submission order as workers free up.
type WorkerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func(context.Context)
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewWorkerPool starts n workers. n below 1 is treated as 1.
func NewWorkerPool(n int, logger *zap.Logger) *WorkerPool {
	if n < 1 {
		n = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{ctx: ctx, cancel: cancel, logger: logger}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

// Submit queues task. It reports false once the pool is shut down.
func (p *WorkerPool) Submit(task func(ctx context.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return true
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *WorkerPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown drops queued tasks and cancels the context of running ones. It
// does not wait for them; use Wait for that.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	dropped := len(p.queue)
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.cancel()
	if dropped > 0 {
		p.logger.Debug("dropped queued calls on shutdown", zap.Int("count", dropped))
	}
}

// Wait blocks until every worker has exited.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(task)
	}
}

func (p *WorkerPool) run(task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked",
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	task(p.ctx)
}
