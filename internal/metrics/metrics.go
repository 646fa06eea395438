// ============================================================================
// livetask Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露任務執行、佇列與推播連線的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - livetask_tasks_submitted_total: 提交任務總數
//      - livetask_tasks_started_total: 開始執行任務總數
//      - livetask_tasks_succeeded_total: 成功任務總數
//      - livetask_tasks_failed_total: 失敗任務總數（含拒絕、取消）
//      - livetask_tasks_rejected_total{reason}: 被拒絕任務（uniqueness / queue_full）
//      - livetask_task_retries_total: 佇列重試次數
//
//   2. 性能指標 (Histogram):
//      - livetask_task_duration_seconds: 任務執行時間分佈
//
//   3. 狀態指標 (Gauge):
//      - livetask_queue_depth: 佇列中等待的任務數
//      - livetask_fanout_pollers: 運行中的 principal poller 數量
//      - livetask_fanout_connections: 開啟中的推播連線數
//
// Collector 同時實作 notify.Listener，直接掛在通知鏈上計數。
// 所有方法對 nil *Collector 安全，方便測試時不注入指標。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/ChuLiYu/livetask/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 拒絕原因
const (
	ReasonUniqueness = "uniqueness"
	ReasonQueueFull  = "queue_full"
)

// Collector Prometheus 指標收集器
type Collector struct {
	registerer prometheus.Registerer

	// 任務相關指標
	tasksSubmitted prometheus.Counter
	tasksStarted   prometheus.Counter
	tasksSucceeded prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksRejected  *prometheus.CounterVec
	taskRetries    prometheus.Counter

	// 效能指標
	taskDuration prometheus.Histogram

	// 狀態指標
	queueDepth        prometheus.Gauge
	fanoutPollers     prometheus.Gauge
	fanoutConnections prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時使用預設 registry）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		registerer: reg,
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetask_tasks_submitted_total",
			Help: "Total number of tasks submitted to an executor",
		}),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetask_tasks_started_total",
			Help: "Total number of tasks that started running",
		}),
		tasksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetask_tasks_succeeded_total",
			Help: "Total number of tasks that succeeded",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetask_tasks_failed_total",
			Help: "Total number of tasks that ended failed or cancelled",
		}),
		tasksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livetask_tasks_rejected_total",
			Help: "Total number of tasks rejected before running",
		}, []string{"reason"}),
		taskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetask_task_retries_total",
			Help: "Total number of queue task retries",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livetask_task_duration_seconds",
			Help:    "Task run time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livetask_queue_depth",
			Help: "Current number of tasks waiting in the queue executor",
		}),
		fanoutPollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livetask_fanout_pollers",
			Help: "Current number of active principal pollers",
		}),
		fanoutConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livetask_fanout_connections",
			Help: "Current number of open live-update channels",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.tasksSubmitted,
		c.tasksStarted,
		c.tasksSucceeded,
		c.tasksFailed,
		c.tasksRejected,
		c.taskRetries,
		c.taskDuration,
		c.queueDepth,
		c.fanoutPollers,
		c.fanoutConnections,
	)

	return c
}

// RecordSubmitted 記錄任務提交
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.tasksSubmitted.Inc()
}

// RecordRejected 記錄任務在執行前被拒絕
func (c *Collector) RecordRejected(reason string) {
	if c == nil {
		return
	}
	c.tasksRejected.WithLabelValues(reason).Inc()
}

// RecordRetry 記錄一次佇列重試
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.taskRetries.Inc()
}

// SetQueueDepth 更新佇列深度
func (c *Collector) SetQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
}

// AddPollers 調整 poller 數量
func (c *Collector) AddPollers(delta int) {
	if c == nil {
		return
	}
	c.fanoutPollers.Add(float64(delta))
}

// AddConnections 調整連線數量
func (c *Collector) AddConnections(delta int) {
	if c == nil {
		return
	}
	c.fanoutConnections.Add(float64(delta))
}

// OnTaskStart implements notify.Listener.
func (c *Collector) OnTaskStart(types.Notification) {
	if c == nil {
		return
	}
	c.tasksStarted.Inc()
}

// OnTaskSuccess implements notify.Listener.
func (c *Collector) OnTaskSuccess(n types.Notification) {
	if c == nil {
		return
	}
	c.tasksSucceeded.Inc()
	c.taskDuration.Observe(n.Duration().Seconds())
}

// OnTaskFailed implements notify.Listener.
func (c *Collector) OnTaskFailed(n types.Notification) {
	if c == nil {
		return
	}
	c.tasksFailed.Inc()
	if d := n.Duration(); d > 0 {
		c.taskDuration.Observe(d.Seconds())
	}
}

// Handler 回傳對應 registry 的 /metrics handler
func (c *Collector) Handler() http.Handler {
	if c != nil {
		if g, ok := c.registerer.(prometheus.Gatherer); ok {
			return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
		}
	}
	return promhttp.Handler()
}

// NewServer 建立獨立的 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//   - handler: metrics handler（通常為 Collector.Handler()）
//
// 返回值：
//   - *http.Server: 已建立的伺服器，呼叫端負責 ListenAndServe / Shutdown
func NewServer(port int, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}
