// Package notify delivers task lifecycle notifications to a fixed set of
// listeners, best-effort.
package notify

import (
	"log/slog"
	"runtime/debug"

	"github.com/ChuLiYu/livetask/pkg/types"
)

// Listener observes task lifecycle transitions. Implementations must be safe
// for concurrent use; calls arrive from executor goroutines.
type Listener interface {
	OnTaskStart(n types.Notification)
	OnTaskSuccess(n types.Notification)
	OnTaskFailed(n types.Notification)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	Start   func(types.Notification)
	Success func(types.Notification)
	Failed  func(types.Notification)
}

func (f ListenerFuncs) OnTaskStart(n types.Notification) {
	if f.Start != nil {
		f.Start(n)
	}
}

func (f ListenerFuncs) OnTaskSuccess(n types.Notification) {
	if f.Success != nil {
		f.Success(n)
	}
}

func (f ListenerFuncs) OnTaskFailed(n types.Notification) {
	if f.Failed != nil {
		f.Failed(n)
	}
}

// Notifier fans a notification out to its listeners. The listener set is
// fixed at construction. A nil *Notifier discards everything.
type Notifier struct {
	listeners []Listener
}

func New(listeners ...Listener) *Notifier {
	ls := make([]Listener, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			ls = append(ls, l)
		}
	}
	return &Notifier{listeners: ls}
}

func (n *Notifier) Started(note types.Notification) {
	n.each("start", note, Listener.OnTaskStart)
}

func (n *Notifier) Succeeded(note types.Notification) {
	n.each("success", note, Listener.OnTaskSuccess)
}

func (n *Notifier) Failed(note types.Notification) {
	n.each("failed", note, Listener.OnTaskFailed)
}

func (n *Notifier) each(event string, note types.Notification, call func(Listener, types.Notification)) {
	if n == nil {
		return
	}
	for _, l := range n.listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("Listener panicked",
						"event", event,
						"task", note.TaskName,
						"id", note.ExecutionID,
						"panic", p,
						"stack", string(debug.Stack()))
				}
			}()
			call(l, note)
		}()
	}
}

// LogListener logs every transition.
type LogListener struct {
	Logger *slog.Logger
}

func (l LogListener) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l LogListener) OnTaskStart(n types.Notification) {
	l.logger().Info("Task started", "task", n.TaskName, "type", n.TaskType, "id", n.ExecutionID)
}

func (l LogListener) OnTaskSuccess(n types.Notification) {
	l.logger().Info("Task succeeded",
		"task", n.TaskName, "id", n.ExecutionID, "duration", n.Duration(), "retries", n.RetryCount)
}

func (l LogListener) OnTaskFailed(n types.Notification) {
	l.logger().Warn("Task failed",
		"task", n.TaskName, "id", n.ExecutionID, "status", n.Status, "error", n.Message, "retries", n.RetryCount)
}
