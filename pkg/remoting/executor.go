package remoting

import (
	"sync"
)

// Executor runs the dispatch work of a Channel: each incoming execute
// command, and each internally-generated reply that must not be written from
// the reader pump. A single Executor may be shared by many Channels.
type Executor interface {
	// Go schedules f to run. It must not run f inline on the caller's
	// goroutine: the Channel's reader pump depends on Go returning promptly.
	Go(f func())
}

// goExecutor runs every task on its own goroutine. It is the default and
// never starves reentrant calls (a remotely-executing Callable that itself
// issues calls back over the Channel).
type goExecutor struct{}

func (goExecutor) Go(f func()) {
	go f()
}

// NewGoExecutor returns an Executor that runs each task on a fresh
// goroutine.
func NewGoExecutor() Executor {
	return goExecutor{}
}

// WorkerPool is an Executor with a fixed number of worker goroutines shared
// across tasks. A slow Callable occupies one worker; size the pool for the
// expected call concurrency. Note that a Callable which blocks on a reply
// from its own Channel holds its worker while blocked, so pools servicing
// reentrant workloads need headroom.
type WorkerPool struct {
	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// NewWorkerPool creates a WorkerPool with n workers. n must be at least 1.
func NewWorkerPool(n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	p := &WorkerPool{
		tasks: make(chan func()),
		done:  make(chan struct{}),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer p.wg.Done()
			for {
				select {
				case f := <-p.tasks:
					f()
				case <-p.done:
					return
				}
			}
		}()
	}
	return p
}

// Go schedules f on the pool. It blocks on the task channel while all
// workers are busy, never on a lock, so Close and other submitters stay
// independent of a saturated pool. Tasks still waiting when Close is called
// are dropped.
func (p *WorkerPool) Go(f func()) {
	select {
	case p.tasks <- f:
	case <-p.done:
	}
}

// Close stops the workers and releases any submitter blocked in Go. It does
// not wait for running tasks; use Wait for that. Idempotent.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// Wait blocks until all workers have exited. Call Close first.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
