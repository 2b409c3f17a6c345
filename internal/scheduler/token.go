package scheduler

import (
	"context"
	"sync/atomic"
)

// Token is a one-way cancellation flag paired with a context.
//
// Cancel stops the scheduler from starting further windows and cancels the
// context handed to in-flight dispatches so transports can abort early.
type Token struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewToken derives a token from parent. Cancelling parent cancels the token.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel flips the flag and cancels the context. Repeated calls are no-ops.
func (t *Token) Cancel() {
	if t.cancelled.CompareAndSwap(false, true) {
		t.cancel()
	}
}

// Cancelled reports whether Cancel was called or the parent context ended.
func (t *Token) Cancelled() bool {
	return t.cancelled.Load() || t.ctx.Err() != nil
}

// Context is cancelled together with the token.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Release frees the context resources once the run is over.
// It does not mark the token cancelled.
func (t *Token) Release() {
	t.cancel()
}
