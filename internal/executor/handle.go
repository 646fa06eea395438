package executor

import (
	"context"

	"github.com/ChuLiYu/livetask/internal/task"
)

// Handle is the future-like view of an asynchronous run.
type Handle struct {
	task   *task.Task
	cancel context.CancelFunc
}

// Task returns the task; it may still be running.
func (h *Handle) Task() *task.Task { return h.task }

// Done is closed once the task is terminal.
func (h *Handle) Done() <-chan struct{} { return h.task.Done() }

// Cancel requests cooperative cancellation of the run.
func (h *Handle) Cancel() { h.cancel() }

// Wait blocks until the task finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*task.Task, error) {
	select {
	case <-h.task.Done():
		return h.task, nil
	case <-ctx.Done():
		return h.task, ctx.Err()
	}
}
