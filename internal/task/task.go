// ============================================================================
// livetask Task - lifecycle record of one execution
// ============================================================================
//
// Package: internal/task
// File: task.go
// Purpose: Mutable lifecycle record for one task execution (attempt-set)
//
// State Machine:
//   Pending
//      ↓ Start()
//   Running ──→ Success (Success)
//      │    ──→ Failed  (Fail)
//      │    ──→ Cancelled (Cancel)
//   Pending ──→ Failed / Cancelled (rejected before it ever ran)
//
// Rules:
//   - Terminal states never change again
//   - An invalid transition is a logged no-op, never a panic
//   - Done() is created lazily, only when somebody waits
//
// ============================================================================

package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/livetask/pkg/types"
	"github.com/google/uuid"
)

// Task is one execution of a Config. All methods are safe for concurrent use.
type Task struct {
	id     types.ExecutionID
	config Config

	mu        sync.Mutex
	status    types.TaskStatus
	startTime time.Time
	endTime   time.Time
	result    any
	err       error
	done      chan struct{} // lazily allocated completion latch

	retryCount atomic.Int32
}

// New creates a pending Task with a fresh execution id.
func New(cfg Config) *Task {
	return &Task{
		id:     types.ExecutionID(uuid.NewString()),
		config: cfg,
		status: types.StatusPending,
	}
}

func (t *Task) ID() types.ExecutionID { return t.id }
func (t *Task) Config() Config        { return t.config }

func (t *Task) Status() types.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) StartTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime
}

func (t *Task) EndTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endTime
}

// Result returns the success payload, if any.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the failure cause, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) RetryCount() int { return int(t.retryCount.Load()) }

// IncrementRetry bumps the retry counter, never past Config.MaxRetries.
// It returns the new count and whether it moved.
func (t *Task) IncrementRetry() (int, bool) {
	for {
		cur := t.retryCount.Load()
		if int(cur) >= t.config.MaxRetries {
			return int(cur), false
		}
		if t.retryCount.CompareAndSwap(cur, cur+1) {
			return int(cur + 1), true
		}
	}
}

func (t *Task) IsRunning() bool { return t.Status() == types.StatusRunning }

func (t *Task) IsFinished() bool { return t.Status().IsTerminal() }

// Start moves a pending task to running.
func (t *Task) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != types.StatusPending {
		slog.Warn("Ignoring start of non-pending task",
			"task", t.config.Name, "id", t.id, "status", t.status)
		return false
	}
	t.status = types.StatusRunning
	t.startTime = time.Now()
	return true
}

// Success records result and moves a running task to success.
func (t *Task) Success(result any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != types.StatusRunning {
		slog.Warn("Ignoring success of task that is not running",
			"task", t.config.Name, "id", t.id, "status", t.status)
		return false
	}
	t.result = result
	t.finishLocked(types.StatusSuccess)
	return true
}

// Fail records cause and moves a pending or running task to failed.
func (t *Task) Fail(cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() {
		slog.Warn("Ignoring failure of finished task",
			"task", t.config.Name, "id", t.id, "status", t.status, "error", cause)
		return false
	}
	if cause == nil {
		cause = fmt.Errorf("task %q failed", t.config.Name)
	}
	t.err = cause
	t.finishLocked(types.StatusFailed)
	return true
}

// Cancel moves a pending or running task to cancelled.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() {
		slog.Warn("Ignoring cancel of finished task",
			"task", t.config.Name, "id", t.id, "status", t.status)
		return false
	}
	if t.err == nil {
		t.err = fmt.Errorf("task %q cancelled", t.config.Name)
	}
	t.finishLocked(types.StatusCancelled)
	return true
}

func (t *Task) finishLocked(status types.TaskStatus) {
	t.status = status
	t.endTime = time.Now()
	if t.done != nil {
		close(t.done)
	}
}

// Done returns a channel closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done == nil {
		t.done = make(chan struct{})
		if t.status.IsTerminal() {
			close(t.done)
		}
	}
	return t.done
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Duration is the time spent between Start and the terminal transition.
func (t *Task) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startTime.IsZero() || t.endTime.IsZero() {
		return 0
	}
	return t.endTime.Sub(t.startTime)
}

// Notification snapshots the task for listeners.
func (t *Task) Notification() types.Notification {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := types.Notification{
		ExecutionID: t.id,
		TaskName:    t.config.Name,
		TaskType:    t.config.Type,
		Principal:   t.config.Principal,
		Status:      t.status,
		RetryCount:  int(t.retryCount.Load()),
		StartedAt:   t.startTime,
		FinishedAt:  t.endTime,
		Timestamp:   time.Now(),
	}
	if t.err != nil {
		n.Message = t.err.Error()
	}
	if t.result != nil {
		n.Result = fmt.Sprint(t.result)
	}
	return n
}
