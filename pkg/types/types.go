// Package types defines the core domain model shared across livetask.
package types

import (
	"time"
)

// ExecutionID uniquely identifies one task execution (an attempt-set).
type ExecutionID string

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"   // created, not started yet
	StatusRunning   TaskStatus = "running"   // body is executing (retries included)
	StatusSuccess   TaskStatus = "success"   // body returned normally
	StatusFailed    TaskStatus = "failed"    // body failed, or the task was rejected before running
	StatusCancelled TaskStatus = "cancelled" // execution was cancelled cooperatively
)

// IsTerminal reports whether no further transition may leave s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Notification is a point-in-time view of a task handed to listeners and
// pushed to live-update channels.
type Notification struct {
	ExecutionID ExecutionID `json:"execution_id"`
	TaskName    string      `json:"task_name"`
	TaskType    string      `json:"task_type"`
	Principal   string      `json:"principal,omitempty"`
	Status      TaskStatus  `json:"status"`
	RetryCount  int         `json:"retry_count"`
	Message     string      `json:"message,omitempty"` // failure cause, human readable
	Result      string      `json:"result,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Duration returns the run time of the task, or zero if it has not both
// started and finished.
func (n Notification) Duration() time.Duration {
	if n.StartedAt.IsZero() || n.FinishedAt.IsZero() {
		return 0
	}
	return n.FinishedAt.Sub(n.StartedAt)
}

// QueueStatistics is a snapshot of a queue executor's counters.
type QueueStatistics struct {
	Submitted     int64       `json:"submitted"`
	Completed     int64       `json:"completed"`
	Succeeded     int64       `json:"succeeded"`
	Failed        int64       `json:"failed"`
	Rejected      int64       `json:"rejected"`
	QueueDepth    int         `json:"queue_depth"`
	Running       bool        `json:"running"`
	CurrentTaskID ExecutionID `json:"current_task_id,omitempty"`
}

// Submission modes accepted by the HTTP task endpoint.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
	ModeQueue = "queue"
)

// SubmitRequest asks the server to run its built-in sleep task.
type SubmitRequest struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Principal    string `json:"principal,omitempty"`
	Mode         string `json:"mode,omitempty"` // sync | async | queue, default async
	GlobalUnique bool   `json:"global_unique,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty"`
	BackoffMS    int64  `json:"backoff_ms,omitempty"`    // fixed backoff between queue retries
	SleepMS      int64  `json:"sleep_ms,omitempty"`      // how long each attempt sleeps
	FailAttempts int    `json:"fail_attempts,omitempty"` // the first N attempts fail
	WaitMS       int64  `json:"wait_ms,omitempty"`       // async/queue: wait this long for completion
}

// SubmitResponse is the server's answer to a SubmitRequest.
type SubmitResponse struct {
	Task  Notification `json:"task"`
	Error string       `json:"error,omitempty"`
}
