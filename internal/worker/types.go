package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/prompt-batch/pkg/types"
)

// Task is one unit of work handed to the pool.
type Task[T any] struct {
	ID      types.ItemID  // identity of the item this task resolves
	Input   T             // handler input
	Timeout time.Duration // per-task deadline, zero for none
}

// Result is the outcome of one task.
type Result[R any] struct {
	ID       types.ItemID  // identity copied from the task
	Output   R             // handler output
	Error    error         // handler error, timeout or recovered panic
	Duration time.Duration // wall time spent in the handler
}

// Success reports whether the handler returned without error.
func (r Result[R]) Success() bool {
	return r.Error == nil
}

// Handler executes a single task input.
type Handler[T, R any] func(ctx context.Context, input T) (R, error)
