package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/livetask/internal/task"
)

type entry struct {
	task *task.Task
	body task.Runnable
}

// fifo is a bounded (capacity > 0) or unbounded FIFO with a timed pop for a
// single consumer.
type fifo struct {
	mu       sync.Mutex
	items    []entry
	capacity int
	signal   chan struct{} // 1-buffered wakeup for the consumer
}

func newFIFO(capacity int) *fifo {
	return &fifo{
		items:    make([]entry, 0),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// push appends e, or returns false if the queue is at capacity.
func (f *fifo) push(e entry) bool {
	f.mu.Lock()
	if f.capacity > 0 && len(f.items) >= f.capacity {
		f.mu.Unlock()
		return false
	}
	f.items = append(f.items, e)
	f.mu.Unlock()

	select {
	case f.signal <- struct{}{}:
	default:
	}
	return true
}

// pop removes the head, waiting up to timeout for one to arrive.
func (f *fifo) pop(ctx context.Context, timeout time.Duration) (entry, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			e := f.items[0]
			f.items[0] = entry{}
			f.items = f.items[1:]
			f.mu.Unlock()
			return e, true
		}
		f.mu.Unlock()

		select {
		case <-f.signal:
		case <-timer.C:
			return entry{}, false
		case <-ctx.Done():
			return entry{}, false
		}
	}
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// drain empties the queue and returns what was in it, in order.
func (f *fifo) drain() []entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.items
	f.items = make([]entry, 0)
	return out
}
