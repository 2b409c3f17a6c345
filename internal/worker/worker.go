// ============================================================================
// Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Each Worker runs in its own goroutine and executes tasks with the
//           pool's handler
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Derive a context from the pool context, bounded by task.Timeout
//   3. Call the handler, converting a panic into an error
//   4. Send result to resultCh, or drop it if the pool is stopping
//   5. Repeat until taskCh is closed
//
// Cancellation:
//   The pool context is the run's cancellation signal. Cancelling it reaches
//   every in-flight handler through ctx, so slow network calls can abort.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker[T, R any] struct {
	id       int
	ctx      context.Context
	handler  Handler[T, R]
	taskCh   <-chan Task[T]
	resultCh chan<- Result[R]
	stopCh   <-chan struct{}
}

// newWorker creates a new Worker instance
func newWorker[T, R any](id int, ctx context.Context, handler Handler[T, R], taskCh <-chan Task[T], resultCh chan<- Result[R], stopCh <-chan struct{}) *Worker[T, R] {
	return &Worker[T, R]{
		id:       id,
		ctx:      ctx,
		handler:  handler,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker[T, R]) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx, cancel := w.taskContext(task)
		output, err := w.execute(ctx, task.Input)
		cancel()

		result := Result[R]{
			ID:       task.ID,
			Output:   output,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			// Pool is shutting down and nobody will read the result
		}
	}
}

func (w *Worker[T, R]) taskContext(task Task[T]) (context.Context, context.CancelFunc) {
	if task.Timeout > 0 {
		return context.WithTimeout(w.ctx, task.Timeout)
	}
	return context.WithCancel(w.ctx)
}

// execute calls the handler; a panic fails only this task.
func (w *Worker[T, R]) execute(ctx context.Context, input T) (output R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: handler panic: %v", w.id, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return output, err
	}
	return w.handler(ctx, input)
}
