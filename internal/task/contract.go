package task

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// Runnable is the business body of a task.
type Runnable interface {
	Execute(ctx context.Context) (any, error)
}

// BeforeExecuter is implemented by bodies that need a setup hook. Its error
// is logged and does not stop execution.
type BeforeExecuter interface {
	BeforeExecute(ctx context.Context) error
}

// AfterExecuter is implemented by bodies that need a teardown hook. It runs
// after every attempt, whatever the outcome.
type AfterExecuter interface {
	AfterExecute(ctx context.Context, success bool)
}

// Retryable lets queue task bodies veto a retry for a given error. Bodies
// without it are retried on any error.
type Retryable interface {
	ShouldRetry(err error) bool
}

// Func adapts a plain function to Runnable.
type Func func(ctx context.Context) (any, error)

func (f Func) Execute(ctx context.Context) (any, error) { return f(ctx) }

// Invoke runs body.Execute, converting a panic into a *PanicError.
func Invoke(ctx context.Context, body Runnable) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return body.Execute(ctx)
}

// RunBefore calls the BeforeExecute hook if body has one.
func RunBefore(ctx context.Context, body Runnable) (err error) {
	h, ok := body.(BeforeExecuter)
	if !ok {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return h.BeforeExecute(ctx)
}

// RunAfter calls the AfterExecute hook if body has one. Failures are logged
// and never propagate.
func RunAfter(ctx context.Context, body Runnable, name string, success bool) {
	h, ok := body.(AfterExecuter)
	if !ok {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("afterExecute hook panicked", "task", name, "panic", p, "stack", string(debug.Stack()))
		}
	}()
	h.AfterExecute(ctx, success)
}

// ShouldRetry consults body's Retryable implementation, defaulting to true.
func ShouldRetry(body Runnable, err error) (retry bool) {
	r, ok := body.(Retryable)
	if !ok {
		return true
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("shouldRetry panicked, not retrying", "panic", p)
			retry = false
		}
	}()
	return r.ShouldRetry(err)
}
