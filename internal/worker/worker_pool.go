// ============================================================================
// Worker Pool - concurrent task executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manages the lifecycle of N worker goroutines and task dispatch
//
// Architecture:
//   ┌─────────────┐
//   │  Scheduler  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// The scheduler starts the pool with as many workers as its window size, so
// every task of a window starts at once and none waits for a free worker.
//
// Lifecycle:
//   1. NewPool(bufferSize, handler)
//   2. Start(ctx, n) - start n workers; ctx is forwarded into every task
//   3. Submit(task)  - never blocks while fewer than bufferSize tasks queue
//   4. ReceiveResult()
//   5. Stop()        - close taskCh, wait for workers, close resultCh
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPoolClosed means the pool has been stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start has not been called yet
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted means Start was called twice
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrInvalidWorkerCount means Start was called with fewer than one worker
	ErrInvalidWorkerCount = errors.New("worker count must be positive")
)

// Pool manages a fixed set of workers sharing one task channel
type Pool[T, R any] struct {
	handler  Handler[T, R]
	workers  []*Worker[T, R]
	taskCh   chan Task[T]
	resultCh chan Result[R]
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
	stopOnce sync.Once
}

// NewPool creates a pool whose task and result channels hold bufferSize items
func NewPool[T, R any](bufferSize int, handler Handler[T, R]) *Pool[T, R] {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Pool[T, R]{
		handler:  handler,
		workers:  make([]*Worker[T, R], 0),
		taskCh:   make(chan Task[T], bufferSize),
		resultCh: make(chan Result[R], bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers. ctx is the parent of every task context.
func (p *Pool[T, R]) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		return ErrInvalidWorkerCount
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, ctx, p.handler, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker[T, R]) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit queues a task for the next free worker
func (p *Pool[T, R]) Submit(task Task[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	// Holding the lock keeps Stop from closing taskCh mid-send
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult blocks until a result is available or the pool stops
func (p *Pool[T, R]) ReceiveResult() (Result[R], error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result[R]{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result[R]{}, ErrPoolClosed
	}
}

// Stop shuts the pool down and waits for running tasks to return
func (p *Pool[T, R]) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	// Closing stopCh first releases a Submit blocked on a full taskCh
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount returns the number of started workers
func (p *Pool[T, R]) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

