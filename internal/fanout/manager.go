// ============================================================================
// livetask Connection Group Manager - 推播連線分組與輪詢
// ============================================================================
//
// Package: internal/fanout
// 文件: manager.go
// 功能: 把同一 principal 的所有推播連線歸為一組，每組只跑一個 poller，
//       每次 tick 查詢一次資料來源並把結果廣播給組內所有連線
//
// 架構:
//   Manager
//     groups map[principal]*group
//       group.conns map[ConnectionID]Channel
//       group.stop  → 該組 poller 的停止訊號
//
// Poll tick:
//   1. 組內無連線 → 停止（最多延遲一個 interval）
//   2. NextRecord(principal)
//      - ErrUnauthorized → 廣播 error，關閉整組所有連線，停止 poller
//      - 其他錯誤        → 廣播 error，繼續輪詢
//      - 有記錄          → 廣播 record
//      - 無記錄          → 廣播 heartbeat
//   3. 廣播時 Send 失敗的連線直接 Unregister（同一輪內完成清理）
//
// 鎖順序:
//   Manager.mu → group.mu，Channel.Complete() 一律在鎖外呼叫
//   （Complete 可能回呼 Unregister）
//
// ============================================================================

package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/livetask/internal/metrics"
	"github.com/google/uuid"
)

// ============================================================================
// 錯誤與事件定義
// ============================================================================

var (
	// ErrUnauthorized is returned by a RecordSource when the principal may no
	// longer receive records. It closes every channel of that principal.
	ErrUnauthorized = errors.New("principal not authorized")
	// ErrClosed 表示 Manager 已關閉
	ErrClosed = errors.New("connection manager closed")
	// ErrInvalidRegistration 表示 principal 為空或 channel 為 nil
	ErrInvalidRegistration = errors.New("invalid registration")
)

const (
	EventConnected = "connected"
	EventRecord    = "record"
	EventHeartbeat = "heartbeat"
	EventError     = "error"
)

const (
	DefaultPollInterval = 3 * time.Minute
	DefaultQueryTimeout = 30 * time.Second
)

// ConnectionID identifies one registered channel.
type ConnectionID string

// Channel is a push channel to one client.
type Channel interface {
	Send(event string, payload any) error
	OnCompletion(fn func())
	OnTimeout(fn func())
	OnError(fn func(error))
	Complete()
}

// RecordSource yields the next record relevant to a principal.
type RecordSource interface {
	NextRecord(ctx context.Context, principal string) (record any, ok bool, err error)
}

// RecordSourceFunc adapts a function to RecordSource.
type RecordSourceFunc func(ctx context.Context, principal string) (any, bool, error)

func (f RecordSourceFunc) NextRecord(ctx context.Context, principal string) (any, bool, error) {
	return f(ctx, principal)
}

// Options 管理器設定
type Options struct {
	PollInterval time.Duration // 每組 poller 的輪詢間隔
	QueryTimeout time.Duration // 單次 NextRecord 的上限
	Metrics      *metrics.Collector
}

// ============================================================================
// 資料結構定義
// ============================================================================

type group struct {
	principal string

	mu    sync.Mutex
	conns map[ConnectionID]Channel

	stop     chan struct{}
	stopOnce sync.Once
}

func (g *group) halt() {
	g.stopOnce.Do(func() { close(g.stop) })
}

func (g *group) snapshot() map[ConnectionID]Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[ConnectionID]Channel, len(g.conns))
	for id, ch := range g.conns {
		out[id] = ch
	}
	return out
}

// Manager fans records out to every open channel of a principal, running at
// most one poller per principal.
type Manager struct {
	source RecordSource
	opts   Options

	mu     sync.Mutex
	groups map[string]*group
	closed bool

	pollers atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 建立管理器
func NewManager(source RecordSource, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		source: source,
		opts:   opts,
		groups: make(map[string]*group),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ============================================================================
// 連線管理
// ============================================================================

// Register acknowledges ch with a "connected" event, adds it to principal's
// group and starts the group's poller if this is its first channel. The
// channel's completion, timeout and error callbacks unregister it. A closed
// manager returns ErrClosed without sending anything; if it closes while the
// ack is in flight, ch gets an "error" event instead of any records.
func (m *Manager) Register(principal string, ch Channel) (ConnectionID, error) {
	if principal == "" || ch == nil {
		return "", fmt.Errorf("%w: principal=%q", ErrInvalidRegistration, principal)
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	id := ConnectionID(uuid.NewString())
	if err := ch.Send(EventConnected, map[string]any{
		"connection_id": string(id),
		"principal":     principal,
	}); err != nil {
		return "", fmt.Errorf("send connected ack: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		// Close 發生在 ack 之後，讓客戶端知道這條連線不會收到任何資料
		m.mu.Unlock()
		_ = ch.Send(EventError, errorPayload(ErrClosed))
		return "", ErrClosed
	}
	g, ok := m.groups[principal]
	if !ok {
		g = &group{
			principal: principal,
			conns:     make(map[ConnectionID]Channel),
			stop:      make(chan struct{}),
		}
		m.groups[principal] = g
	}
	g.mu.Lock()
	g.conns[id] = ch
	first := len(g.conns) == 1
	g.mu.Unlock()

	if first {
		m.pollers.Add(1)
		m.opts.Metrics.AddPollers(1)
		m.wg.Add(1)
		go m.poll(g)
	}
	m.mu.Unlock()

	m.opts.Metrics.AddConnections(1)

	unregister := func() { m.Unregister(principal, id) }
	ch.OnCompletion(unregister)
	ch.OnTimeout(unregister)
	ch.OnError(func(err error) {
		slog.Debug("Channel error", "principal", principal, "connection", id, "error", err)
		m.Unregister(principal, id)
	})

	slog.Info("Channel registered", "principal", principal, "connection", id, "poller_started", first)
	return id, nil
}

// Unregister removes a channel from its group and completes it. The group's
// poller stops once the group is empty. Unknown ids are ignored.
func (m *Manager) Unregister(principal string, id ConnectionID) {
	m.mu.Lock()
	g, ok := m.groups[principal]
	if !ok {
		m.mu.Unlock()
		return
	}
	g.mu.Lock()
	ch, found := g.conns[id]
	delete(g.conns, id)
	empty := len(g.conns) == 0
	g.mu.Unlock()
	if empty {
		delete(m.groups, principal)
		g.halt()
	}
	m.mu.Unlock()

	if !found {
		return
	}
	m.opts.Metrics.AddConnections(-1)
	ch.Complete()
	slog.Debug("Channel unregistered", "principal", principal, "connection", id, "group_closed", empty)
}

// closeGroup completes every channel of g and stops its poller.
func (m *Manager) closeGroup(g *group) {
	m.mu.Lock()
	if cur, ok := m.groups[g.principal]; ok && cur == g {
		delete(m.groups, g.principal)
	}
	g.mu.Lock()
	conns := g.conns
	g.conns = make(map[ConnectionID]Channel)
	g.mu.Unlock()
	g.halt()
	m.mu.Unlock()

	for _, ch := range conns {
		m.opts.Metrics.AddConnections(-1)
		ch.Complete()
	}
}

// ============================================================================
// 輪詢
// ============================================================================

func (m *Manager) poll(g *group) {
	defer m.wg.Done()
	defer func() {
		m.pollers.Add(-1)
		m.opts.Metrics.AddPollers(-1)
		slog.Debug("Poller stopped", "principal", g.principal)
	}()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if !m.tick(g) {
				return
			}
		}
	}
}

// tick runs one query and broadcasts its outcome. It reports whether the
// poller should keep going.
func (m *Manager) tick(g *group) bool {
	conns := g.snapshot()
	if len(conns) == 0 {
		m.mu.Lock()
		g.mu.Lock()
		empty := len(g.conns) == 0
		g.mu.Unlock()
		if empty {
			if cur, ok := m.groups[g.principal]; ok && cur == g {
				delete(m.groups, g.principal)
			}
			g.halt()
		}
		m.mu.Unlock()
		return !empty
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.QueryTimeout)
	rec, ok, err := m.source.NextRecord(ctx, g.principal)
	cancel()

	switch {
	case errors.Is(err, ErrUnauthorized):
		slog.Warn("Principal unauthorized, closing group", "principal", g.principal, "connections", len(conns))
		m.broadcast(g, conns, EventError, errorPayload(err))
		m.closeGroup(g)
		return false
	case err != nil:
		if m.ctx.Err() != nil {
			return false
		}
		slog.Warn("Record query failed", "principal", g.principal, "error", err)
		m.broadcast(g, conns, EventError, errorPayload(err))
	case ok:
		m.broadcast(g, conns, EventRecord, rec)
	default:
		m.broadcast(g, conns, EventHeartbeat, map[string]any{"time": time.Now().UnixMilli()})
	}
	return true
}

// broadcast sends to every channel of the snapshot; failing channels are
// unregistered in the same pass.
func (m *Manager) broadcast(g *group, conns map[ConnectionID]Channel, event string, payload any) {
	for id, ch := range conns {
		if err := ch.Send(event, payload); err != nil {
			slog.Debug("Send failed, pruning channel", "principal", g.principal, "connection", id, "event", event, "error", err)
			m.Unregister(g.principal, id)
		}
	}
}

func errorPayload(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

// ============================================================================
// 狀態查詢
// ============================================================================

// PollerCount returns the number of running pollers.
func (m *Manager) PollerCount() int {
	return int(m.pollers.Load())
}

// GroupCount returns the number of principals with at least one channel.
func (m *Manager) GroupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// ConnectionCount returns the number of channels registered for principal.
func (m *Manager) ConnectionCount(principal string) int {
	m.mu.Lock()
	g, ok := m.groups[principal]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close completes every channel, stops all pollers and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	groups := make([]*group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	for _, g := range groups {
		m.closeGroup(g)
	}
	m.cancel()
	m.wg.Wait()
	slog.Info("Connection manager closed", "groups", len(groups))
}
