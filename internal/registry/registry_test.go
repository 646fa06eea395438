package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ChuLiYu/livetask/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(taskType string) *task.Task {
	return task.New(task.Config{Name: taskType + "-job", Type: taskType, GlobalUnique: true})
}

func TestTryStartAndRelease(t *testing.T) {
	r := New()
	a := newTask("backup")
	b := newTask("backup")

	require.True(t, r.TryStart(a))
	a.Start()

	assert.False(t, r.TryStart(b), "second task of the same type is rejected")
	holder, ok := r.Running("backup")
	require.True(t, ok)
	assert.Same(t, a, holder)

	r.Release(a)
	assert.Equal(t, 0, r.Len())
	assert.True(t, r.TryStart(b), "slot is free after release")
}

func TestPendingHolderBlocks(t *testing.T) {
	r := New()
	a := newTask("backup")
	require.True(t, r.TryStart(a))

	// a has not transitioned to RUNNING yet; it still owns the slot.
	assert.False(t, r.TryStart(newTask("backup")))
}

func TestFinishedHolderIsReplaced(t *testing.T) {
	r := New()
	a := newTask("backup")
	require.True(t, r.TryStart(a))
	a.Start()
	a.Success(nil)

	b := newTask("backup")
	assert.True(t, r.TryStart(b), "a finished holder that was never released does not block")

	r.Release(a)
	holder, ok := r.Running("backup")
	require.True(t, ok, "stale release must not drop the new holder")
	assert.Same(t, b, holder)
}

func TestDifferentTypesDoNotConflict(t *testing.T) {
	r := New()
	assert.True(t, r.TryStart(newTask("backup")))
	assert.True(t, r.TryStart(newTask("report")))
	assert.Equal(t, 2, r.Len())
}

func TestTryStartConcurrent(t *testing.T) {
	r := New()
	var winners atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryStart(newTask("backup")) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one task may hold the slot")
}
