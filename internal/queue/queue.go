// ============================================================================
// livetask Queue Executor - 單一消費者 FIFO 佇列
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 依提交順序逐一執行任務（一次一個），支援重試與退避
//
// 與 executor 的差異:
//   executor: 每種類型一次一個，其他並行
//   queue:    全部任務嚴格 FIFO、一次一個
//
// 消費循環:
//   for running || queue 非空:
//     pop（帶 PollTimeout，方便及時觀察停止請求）
//     BeforeExecute
//     attempt 循環:
//       Execute → AfterExecute(本次是否成功)
//       成功 → SUCCESS
//       失敗 → retryCount < MaxRetries && ShouldRetry ? 退避後重試 : FAILED
//
// 重試規則:
//   - 最多 MaxRetries 次重試（MaxRetries+1 次嘗試）
//   - 最後一次允許的嘗試失敗即為最終失敗，不再睡眠
//   - 退避睡眠可被 Stop 中斷 → FAILED (ErrInterrupted)
//
// 關閉:
//   Stop() 設定 running=false、取消消費者 context、有限時間等待其退出；
//   尚未執行的任務以 ErrShutdown 標記為 FAILED，不會被默默丟棄。
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/livetask/internal/metrics"
	"github.com/ChuLiYu/livetask/internal/notify"
	"github.com/ChuLiYu/livetask/internal/task"
	"github.com/ChuLiYu/livetask/pkg/types"
)

const (
	DefaultPollTimeout = 500 * time.Millisecond
	DefaultStopTimeout = 10 * time.Second
)

// ErrStopTimeout is returned by Stop when the consumer did not exit in time.
var ErrStopTimeout = errors.New("queue consumer did not stop in time")

// Options 佇列設定
type Options struct {
	Capacity    int           // 0 表示無上限
	PollTimeout time.Duration // 消費者單次等待時間
	StopTimeout time.Duration // Stop 等待消費者退出的上限
	Notifier    *notify.Notifier
	Metrics     *metrics.Collector
	Tracer      trace.Tracer
}

// Queue executes tasks one at a time in submission order.
type Queue struct {
	opts  Options
	items *fifo

	mu      sync.Mutex // guards started/stopped and the admission path
	started bool
	stopped bool
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when the consumer exits

	submitted atomic.Int64
	completed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	current   atomic.Pointer[task.Task]
}

// New 建立佇列；消費者在第一次成功提交時才啟動
func New(opts Options) *Queue {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	opts.Tracer = task.Tracer(opts.Tracer)
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:   opts,
		items:  newFIFO(opts.Capacity),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Submit enqueues a new task. A full queue does not block: the returned task
// is already FAILED with ErrQueueFull. The error is non-nil only for
// configuration errors and a stopped queue.
func (q *Queue) Submit(cfg task.Config, body task.Runnable) (*task.Task, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("%w: task %q has no body", task.ErrConfiguration, cfg.Name)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return nil, task.ErrShutdown
	}

	t := task.New(cfg)
	if !q.items.push(entry{task: t, body: body}) {
		t.Fail(fmt.Errorf("%w: capacity %d reached, %q not accepted",
			task.ErrQueueFull, q.opts.Capacity, cfg.Name))
		q.rejected.Add(1)
		q.opts.Metrics.RecordRejected(metrics.ReasonQueueFull)
		q.opts.Notifier.Failed(t.Notification())
		return t, nil
	}

	q.submitted.Add(1)
	q.opts.Metrics.RecordSubmitted()
	q.opts.Metrics.SetQueueDepth(q.items.len())

	if !q.started {
		q.started = true
		q.running.Store(true)
		go q.consume()
		slog.Info("Queue consumer started")
	}
	return t, nil
}

// SubmitAndWait submits and blocks until the task finishes or timeout
// passes. On timeout it returns the task together with ErrTimeout; the task
// keeps running to completion.
func (q *Queue) SubmitAndWait(ctx context.Context, cfg task.Config, body task.Runnable, timeout time.Duration) (*task.Task, error) {
	t, err := q.Submit(cfg, body)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.Done():
		return t, nil
	case <-timer.C:
		return t, fmt.Errorf("%w: %q after %s", task.ErrTimeout, cfg.Name, timeout)
	case <-ctx.Done():
		return t, ctx.Err()
	}
}

func (q *Queue) consume() {
	defer close(q.done)

	for q.running.Load() || q.items.len() > 0 {
		if q.ctx.Err() != nil {
			return
		}
		e, ok := q.items.pop(q.ctx, q.opts.PollTimeout)
		if !ok {
			continue
		}
		q.opts.Metrics.SetQueueDepth(q.items.len())
		q.process(e.task, e.body)
	}
}

func (q *Queue) process(t *task.Task, body task.Runnable) {
	q.current.Store(t)
	defer q.current.Store(nil)
	defer q.completed.Add(1)

	cfg := t.Config()
	ctx, span := task.StartSpan(q.ctx, q.opts.Tracer, "queue.process", t)
	defer task.EndSpan(span, t)

	if err := task.RunBefore(ctx, body); err != nil {
		slog.Warn("beforeExecute hook failed", "task", cfg.Name, "id", t.ID(), "error", err)
	}

	t.Start()
	q.opts.Notifier.Started(t.Notification())

	for {
		result, err := q.attempt(ctx, t, body)
		if err == nil {
			t.Success(result)
			q.succeeded.Add(1)
			q.opts.Notifier.Succeeded(t.Notification())
			return
		}

		if ctx.Err() != nil {
			q.fail(t, fmt.Errorf("%w: %v", task.ErrInterrupted, err))
			return
		}
		if t.RetryCount() >= cfg.MaxRetries || !task.ShouldRetry(body, err) {
			q.fail(t, err)
			return
		}

		retry, _ := t.IncrementRetry()
		delay := cfg.RetryDelay(retry)
		q.opts.Metrics.RecordRetry()
		slog.Warn("Task attempt failed, retrying",
			"task", cfg.Name, "id", t.ID(), "retry", retry, "max_retries", cfg.MaxRetries,
			"delay", delay, "error", err)

		if !sleep(ctx, delay) {
			q.fail(t, fmt.Errorf("%w during retry backoff: %v", task.ErrInterrupted, err))
			return
		}
	}
}

// attempt runs one execution and its AfterExecute hook.
func (q *Queue) attempt(ctx context.Context, t *task.Task, body task.Runnable) (any, error) {
	cfg := t.Config()
	attemptCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	result, err := task.Invoke(attemptCtx, body)
	task.RunAfter(context.WithoutCancel(ctx), body, cfg.Name, err == nil)
	return result, err
}

func (q *Queue) fail(t *task.Task, err error) {
	t.Fail(err)
	q.failed.Add(1)
	q.opts.Notifier.Failed(t.Notification())
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() types.QueueStatistics {
	s := types.QueueStatistics{
		Submitted:  q.submitted.Load(),
		Completed:  q.completed.Load(),
		Succeeded:  q.succeeded.Load(),
		Failed:     q.failed.Load(),
		Rejected:   q.rejected.Load(),
		QueueDepth: q.items.len(),
		Running:    q.running.Load(),
	}
	if t := q.current.Load(); t != nil {
		s.CurrentTaskID = t.ID()
	}
	return s
}

// Stop flips the running flag, interrupts the consumer and joins it for at
// most StopTimeout (or until ctx is done). Tasks still queued are failed
// with ErrShutdown.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	started := q.started
	q.running.Store(false)
	q.mu.Unlock()

	q.cancel()

	var err error
	if started {
		timer := time.NewTimer(q.opts.StopTimeout)
		defer timer.Stop()
		select {
		case <-q.done:
		case <-timer.C:
			err = ErrStopTimeout
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	left := q.items.drain()
	for _, e := range left {
		q.fail(e.task, fmt.Errorf("%w: queue stopped before %q ran", task.ErrShutdown, e.task.Config().Name))
		q.completed.Add(1)
	}
	q.opts.Metrics.SetQueueDepth(0)

	slog.Info("Queue stopped", "dropped", len(left), "stats", q.Stats())
	return err
}
