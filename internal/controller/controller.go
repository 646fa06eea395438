// ============================================================================
// livetask 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 進程級服務物件，建立並持有所有共享狀態，協調各模組的啟動與關閉
//
// 架構設計:
//   這是整個系統的"大腦"，負責建立並串接以下組件：
//   - Registry: 每種任務類型唯一執行的登記表（唯一的跨任務共享狀態）
//   - Notifier: 固定的 listener 列表（Log / Tracker / Metrics / Redis）
//   - Executor: 單次任務執行（同步 / 非同步 / 帶逾時）
//   - Queue:    單一消費者 FIFO 佇列（含重試）
//   - Manager:  推播連線分組，每個 principal 一個 poller
//   - Tracker:  任務狀態快取，預設作為推播資料來源
//
// 資料來源:
//   record_source = tracker → 進程內 Tracker
//   record_source = redis   → Redis list，通知同時寫入 Redis（多進程共享）
//
// 核心循環:
//   Stats Loop - 定期記錄系統狀態並同步 queue depth 指標
//
// 並發安全:
//   - 所有組件自身並發安全，Controller 只保護 started/stopped
//   - stopCh channel 用於優雅關閉循環
//   - sync.WaitGroup 確保所有 goroutine 正確退出
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/livetask/internal/executor"
	"github.com/ChuLiYu/livetask/internal/fanout"
	"github.com/ChuLiYu/livetask/internal/fanout/redissource"
	"github.com/ChuLiYu/livetask/internal/metrics"
	"github.com/ChuLiYu/livetask/internal/notify"
	"github.com/ChuLiYu/livetask/internal/queue"
	"github.com/ChuLiYu/livetask/internal/registry"
	"github.com/ChuLiYu/livetask/internal/tracker"
)

// 資料來源種類
const (
	SourceTracker = "tracker"
	SourceRedis   = "redis"
)

// ErrUnknownSource 表示設定了不支援的資料來源
var ErrUnknownSource = errors.New("unknown record source")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	ShutdownGrace    time.Duration // Executor 關閉寬限期
	QueueCapacity    int           // 佇列容量，0 為無上限
	QueuePollTimeout time.Duration // 佇列消費者單次等待
	QueueStopTimeout time.Duration // 佇列關閉等待上限
	PollInterval     time.Duration // 推播輪詢間隔
	QueryTimeout     time.Duration // 單次查詢上限
	MaxRetained      int           // Tracker 保留的終態任務數
	PerPrincipal     int           // Tracker 每個 principal 的待推送上限
	RecordSource     string        // tracker | redis
	RedisAddr        string        // Redis 地址
	RedisPrefix      string        // Redis key 前綴
	StatsInterval    time.Duration // 狀態記錄間隔，0 表示不啟動

	// Registerer 指標註冊處，nil 時使用獨立的 registry
	Registerer prometheus.Registerer
	// RedisClient 直接注入 Redis client（測試用），優先於 RedisAddr
	RedisClient redis.UniversalClient
	// Tracer 任務 span 的來源，nil 時使用全域 TracerProvider
	Tracer trace.Tracer
}

// Controller 核心控制器
type Controller struct {
	mu      sync.Mutex
	config  Config
	started bool
	stopped bool

	registry *registry.Registry
	tracker  *tracker.Tracker
	metrics  *metrics.Collector
	notifier *notify.Notifier
	executor *executor.Executor
	queue    *queue.Queue
	fanout   *fanout.Manager

	redis     redis.UniversalClient
	ownsRedis bool
	source    *redissource.Source

	stopCh    chan struct{}  // 停止訊號
	startTime time.Time      // 啟動時間（用於統計）
	loopWg    sync.WaitGroup // 等待所有循環退出
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 初始化錯誤
func NewController(config Config) (*Controller, error) {
	if config.RecordSource == "" {
		config.RecordSource = SourceTracker
	}
	reg := config.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Controller{
		config:   config,
		registry: registry.New(),
		tracker: tracker.New(tracker.Options{
			MaxRetained:  config.MaxRetained,
			PerPrincipal: config.PerPrincipal,
		}),
		metrics: metrics.NewCollector(reg),
		stopCh:  make(chan struct{}),
	}

	// 1. 決定推播資料來源
	var source fanout.RecordSource
	listeners := []notify.Listener{notify.LogListener{}, c.tracker, c.metrics}
	switch config.RecordSource {
	case SourceTracker:
		source = c.tracker
	case SourceRedis:
		c.redis = config.RedisClient
		if c.redis == nil {
			c.redis = redis.NewClient(&redis.Options{Addr: config.RedisAddr})
			c.ownsRedis = true
		}
		c.source = redissource.New(c.redis, config.RedisPrefix)
		source = c.source
		listeners = append(listeners, c.source)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, config.RecordSource)
	}

	// 2. 通知鏈在建立時固定
	c.notifier = notify.New(listeners...)

	// 3. 執行器、佇列、推播管理器
	c.executor = executor.New(c.registry, executor.Options{
		ShutdownGrace: config.ShutdownGrace,
		Notifier:      c.notifier,
		Metrics:       c.metrics,
		Tracer:        config.Tracer,
	})
	c.queue = queue.New(queue.Options{
		Capacity:    config.QueueCapacity,
		PollTimeout: config.QueuePollTimeout,
		StopTimeout: config.QueueStopTimeout,
		Notifier:    c.notifier,
		Metrics:     c.metrics,
		Tracer:      config.Tracer,
	})
	c.fanout = fanout.NewManager(source, fanout.Options{
		PollInterval: config.PollInterval,
		QueryTimeout: config.QueryTimeout,
		Metrics:      c.metrics,
	})

	return c, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 檢查外部依賴（Redis）
//  2. 啟動狀態循環
//
// 返回值：
//   - error: 啟動失敗的錯誤
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("controller already started")
	}

	if c.source != nil {
		if err := c.source.Ping(ctx); err != nil {
			return fmt.Errorf("record source unavailable: %w", err)
		}
	}

	c.started = true
	c.startTime = time.Now()

	if c.config.StatsInterval > 0 {
		c.loopWg.Add(1)
		go c.statsLoop()
	}

	slog.Info("Controller started",
		"record_source", c.config.RecordSource,
		"queue_capacity", c.config.QueueCapacity)
	return nil
}

// statsLoop 定期記錄系統狀態
func (c *Controller) statsLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			slog.Info("Stats loop stopped")
			return

		case <-ticker.C:
			qs := c.queue.Stats()
			c.metrics.SetQueueDepth(qs.QueueDepth)
			slog.Debug("Controller status",
				"in_flight", c.executor.InFlight(),
				"queue_depth", qs.QueueDepth,
				"pollers", c.fanout.PollerCount(),
				"groups", c.fanout.GroupCount())
		}
	}
}

// ============================================================================
// 公開方法
// ============================================================================

func (c *Controller) Executor() *executor.Executor { return c.executor }
func (c *Controller) Queue() *queue.Queue          { return c.queue }
func (c *Controller) Fanout() *fanout.Manager      { return c.fanout }
func (c *Controller) Tracker() *tracker.Tracker    { return c.tracker }
func (c *Controller) Metrics() *metrics.Collector  { return c.metrics }
func (c *Controller) Registry() *registry.Registry { return c.registry }

// RecordSource returns the Redis source when configured, nil otherwise.
func (c *Controller) RecordSource() *redissource.Source { return c.source }

// GetStatus 取得系統狀態
//
// 返回值：
//   - map[string]interface{}: 系統狀態資訊
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	return map[string]interface{}{
		"uptime":        uptime.String(),
		"record_source": c.config.RecordSource,
		"in_flight":     c.executor.InFlight(),
		"unique_held":   c.registry.Len(),
		"queue":         c.queue.Stats(),
		"tasks":         c.tracker.Stats(),
		"pollers":       c.fanout.PollerCount(),
		"groups":        c.fanout.GroupCount(),
	}
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh)      → 通知循環停止
//  2. queue.Stop()       → 停止佇列消費者，剩餘任務標記 FAILED
//  3. executor.Shutdown  → 等待進行中任務，寬限期後取消
//  4. fanout.Close()     → 關閉所有推播連線與 poller（最後的通知已送出）
//  5. loopWg.Wait()      → 等待循環退出
//  6. 關閉 Redis client
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		slog.Info("Controller already stopped")
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	slog.Info("Stopping controller...")

	close(c.stopCh)

	var errs []error
	if err := c.queue.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	if err := c.executor.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	c.fanout.Close()
	c.loopWg.Wait()

	if c.ownsRedis {
		if err := c.redis.Close(); err != nil {
			slog.Error("Failed to close Redis client", "error", err)
		}
	}

	slog.Info("Controller stopped")
	return errors.Join(errs...)
}
