// Package registry enforces "at most one running task per type".
//
// The check and the install happen inside one critical section, so two tasks
// of the same type can never both pass TryStart.
package registry

import (
	"log/slog"
	"sync"

	"github.com/ChuLiYu/livetask/internal/task"
)

// Registry maps a task type to the task currently holding its slot.
type Registry struct {
	mu      sync.Mutex
	running map[string]*task.Task
}

func New() *Registry {
	return &Registry{
		running: make(map[string]*task.Task),
	}
}

// TryStart installs t as the holder of its type's slot. It returns false when
// another unfinished task already holds it; the caller must not execute t.
func (r *Registry) TryStart(t *task.Task) bool {
	key := t.Config().Type

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.running[key]; ok && cur != t && !cur.IsFinished() {
		slog.Debug("Uniqueness slot taken",
			"type", key, "holder", cur.ID(), "rejected", t.ID())
		return false
	}
	r.running[key] = t
	return true
}

// Release frees t's slot, but only if t still holds it. A late release from
// a task that already lost the slot is ignored.
func (r *Registry) Release(t *task.Task) {
	key := t.Config().Type

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.running[key]; ok && cur == t {
		delete(r.running, key)
	}
}

// Running returns the task holding taskType's slot, if any.
func (r *Registry) Running(taskType string) (*task.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.running[taskType]
	return t, ok
}

// Len returns the number of held slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}
