// ============================================================================
// livetask Task Executor - 單次任務執行器
// ============================================================================
//
// Package: internal/executor
// 文件: executor.go
// 功能: 執行單一任務（同步 / 非同步 / 帶逾時），並遵守每種類型唯一執行的限制
//
// 執行流程 (run):
//   1. GlobalUnique → registry.TryStart，失敗則任務直接 FAILED（不阻塞等待）
//   2. Start + started 通知
//   3. BeforeExecute（錯誤只記錄）
//   4. Execute → Success / Fail / Cancel + 通知
//   5. AfterExecute(success)（永遠執行，錯誤只記錄）
//   6. registry.Release（永遠執行）
//
// 並發模型:
//   - 每個非同步任務一個 goroutine（無上限），以 WaitGroup 追蹤
//   - 每個任務自己的 cancel，Shutdown 逾時後強制取消
//   - 取消是協作式的：任務本體必須自行檢查 ctx
//
// 錯誤處理:
//   - 任務本體錯誤 / panic → FAILED，不回傳給呼叫端
//   - 唯一性衝突 → FAILED，原因包含 ErrUniquenessRejected
//   - 只有設定錯誤、已關閉、逾時會以 error 回傳
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/livetask/internal/metrics"
	"github.com/ChuLiYu/livetask/internal/notify"
	"github.com/ChuLiYu/livetask/internal/registry"
	"github.com/ChuLiYu/livetask/internal/task"
	"github.com/ChuLiYu/livetask/pkg/types"
)

// DefaultShutdownGrace is used when Options.ShutdownGrace is zero.
const DefaultShutdownGrace = 30 * time.Second

// Options 執行器設定
type Options struct {
	ShutdownGrace time.Duration // Shutdown 等待進行中任務的時間，逾時後強制取消
	Notifier      *notify.Notifier
	Metrics       *metrics.Collector
	Tracer        trace.Tracer // nil 時使用全域 TracerProvider
}

// Executor runs tasks immediately, enforcing per-type uniqueness.
type Executor struct {
	registry *registry.Registry
	notifier *notify.Notifier
	metrics  *metrics.Collector
	tracer   trace.Tracer
	grace    time.Duration

	mu       sync.Mutex
	stopped  bool
	inFlight map[types.ExecutionID]context.CancelFunc
	wg       sync.WaitGroup
}

// New 建立執行器，reg 由呼叫端建立並共享（process-scoped）
func New(reg *registry.Registry, opts Options) *Executor {
	if reg == nil {
		reg = registry.New()
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	return &Executor{
		registry: reg,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		tracer:   task.Tracer(opts.Tracer),
		grace:    opts.ShutdownGrace,
		inFlight: make(map[types.ExecutionID]context.CancelFunc),
	}
}

// ExecuteSync runs body on the calling goroutine and returns the finished
// task. The error is non-nil only for configuration errors and shutdown.
func (e *Executor) ExecuteSync(ctx context.Context, cfg task.Config, body task.Runnable) (*task.Task, error) {
	t, runCtx, _, err := e.admit(ctx, cfg, body)
	if err != nil {
		return nil, err
	}
	defer e.wg.Done()

	e.run(runCtx, t, body)
	return t, nil
}

// ExecuteAsync starts body on its own goroutine and returns a handle to it.
// The run is detached from ctx's cancellation but keeps its values.
func (e *Executor) ExecuteAsync(ctx context.Context, cfg task.Config, body task.Runnable) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	t, runCtx, cancel, err := e.admit(context.WithoutCancel(ctx), cfg, body)
	if err != nil {
		return nil, err
	}

	h := &Handle{task: t, cancel: cancel}
	go func() {
		defer e.wg.Done()
		e.run(runCtx, t, body)
	}()
	return h, nil
}

// ExecuteAsyncWithTimeout runs body asynchronously and waits up to timeout.
// On timeout the run is cancelled cooperatively and ErrTimeout is returned
// together with the still unfinished task; its hooks and notifications fire
// whenever it actually unwinds.
func (e *Executor) ExecuteAsyncWithTimeout(ctx context.Context, cfg task.Config, body task.Runnable, timeout time.Duration) (*task.Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	h, err := e.ExecuteAsync(ctx, cfg, body)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.Done():
		return h.Task(), nil
	case <-timer.C:
		h.Cancel()
		slog.Warn("Task timed out, cancelling", "task", cfg.Name, "id", h.Task().ID(), "timeout", timeout)
		return h.Task(), fmt.Errorf("%w: %q after %s", task.ErrTimeout, cfg.Name, timeout)
	case <-ctx.Done():
		h.Cancel()
		return h.Task(), ctx.Err()
	}
}

// admit validates and registers a new run. On success the caller owns one
// wg slot and must release it.
func (e *Executor) admit(ctx context.Context, cfg task.Config, body task.Runnable) (*task.Task, context.Context, context.CancelFunc, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	if body == nil {
		return nil, nil, nil, fmt.Errorf("%w: task %q has no body", task.ErrConfiguration, cfg.Name)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil, nil, nil, task.ErrShutdown
	}

	t := task.New(cfg)
	runCtx, cancel := context.WithCancel(ctx)
	e.inFlight[t.ID()] = cancel
	e.wg.Add(1)
	e.metrics.RecordSubmitted()
	return t, runCtx, cancel, nil
}

func (e *Executor) untrack(id types.ExecutionID) {
	e.mu.Lock()
	cancel, ok := e.inFlight[id]
	delete(e.inFlight, id)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Executor) run(ctx context.Context, t *task.Task, body task.Runnable) {
	cfg := t.Config()
	defer e.untrack(t.ID())

	ctx, span := task.StartSpan(ctx, e.tracer, "executor.run", t)
	defer task.EndSpan(span, t)

	if cfg.GlobalUnique {
		if !e.registry.TryStart(t) {
			holder := ""
			if cur, ok := e.registry.Running(cfg.Type); ok {
				holder = string(cur.ID())
			}
			t.Fail(fmt.Errorf("%w: a %q task is already running (%s)",
				task.ErrUniquenessRejected, cfg.Type, holder))
			e.metrics.RecordRejected(metrics.ReasonUniqueness)
			e.notifier.Failed(t.Notification())
			return
		}
		defer e.registry.Release(t)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	t.Start()
	e.notifier.Started(t.Notification())

	success := false
	defer func() {
		task.RunAfter(context.WithoutCancel(ctx), body, cfg.Name, success)
	}()

	if err := task.RunBefore(ctx, body); err != nil {
		slog.Warn("beforeExecute hook failed", "task", cfg.Name, "id", t.ID(), "error", err)
	}

	result, err := task.Invoke(ctx, body)
	switch {
	case err == nil:
		success = t.Success(result)
		e.notifier.Succeeded(t.Notification())
	case errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled):
		t.Cancel()
		e.notifier.Failed(t.Notification())
	default:
		t.Fail(err)
		e.notifier.Failed(t.Notification())
	}
}

// InFlight returns the number of admitted runs that have not finished.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inFlight)
}

// Shutdown stops accepting work, waits up to the grace period (or ctx) for
// in-flight runs, then cancels the stragglers and waits for them to unwind
// until ctx is done.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(e.grace)
	defer grace.Stop()

	select {
	case <-done:
		slog.Info("Executor stopped")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	e.mu.Lock()
	n := len(e.inFlight)
	for _, cancel := range e.inFlight {
		cancel()
	}
	e.mu.Unlock()
	slog.Warn("Grace period over, cancelling in-flight tasks", "count", n)

	select {
	case <-done:
		slog.Info("Executor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor shutdown: %w", ctx.Err())
	}
}
