package task

import (
	"errors"
	"fmt"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrConfiguration is returned when a Config fails validation. Nothing runs.
	ErrConfiguration = errors.New("invalid task configuration")
	// ErrUniquenessRejected is the cause recorded on a task that lost the
	// per-type uniqueness check.
	ErrUniquenessRejected = errors.New("uniqueness rejected")
	// ErrQueueFull is the cause recorded on a task refused by a bounded queue.
	ErrQueueFull = errors.New("queue full")
	// ErrTimeout is returned to a waiting caller whose deadline passed. The
	// task itself keeps running.
	ErrTimeout = errors.New("timed out waiting for task")
	// ErrInterrupted is the cause recorded on a task whose retry sleep or
	// execution was aborted by a stop request.
	ErrInterrupted = errors.New("task interrupted")
	// ErrShutdown is returned when submitting to a stopped executor.
	ErrShutdown = errors.New("executor is shut down")
)

// PanicError wraps a panic recovered from a task body or hook.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}
