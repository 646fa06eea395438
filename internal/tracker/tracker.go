// ============================================================================
// livetask Status Tracker - 任務狀態快取
// ============================================================================
//
// Package: internal/tracker
// 文件: tracker.go
// 功能: 作為 notify.Listener 保存每個任務的最新狀態，
//       並為每個 principal 維護尚未推送的通知佇列（fanout 的資料來源）
//
// 資料結構設計:
//   records map[ExecutionID]*Notification - 主存儲，每個任務的最新通知
//   finished []ExecutionID                - 終態任務順序，用於淘汰最舊記錄
//   inbox map[principal][]Notification    - 每個 principal 的 FIFO，保證推送順序
//
// 合併規則:
//   同一任務在 inbox 中尚未被取走時，新通知直接覆蓋舊通知（只推最新狀態）
//
// 並發安全:
//   - sync.RWMutex 保護所有資料結構
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// ============================================================================

package tracker

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/livetask/pkg/types"
)

// ErrTaskNotFound 任務不存在
var ErrTaskNotFound = errors.New("task not found")

const (
	DefaultMaxRetained  = 10000
	DefaultPerPrincipal = 256
)

// Options 追蹤器設定
type Options struct {
	MaxRetained  int // 保留的終態任務上限
	PerPrincipal int // 每個 principal inbox 上限，超過時丟棄最舊
}

// Tracker keeps the latest notification per task and a per-principal inbox
// of unseen notifications.
type Tracker struct {
	mu       sync.RWMutex
	records  map[types.ExecutionID]*types.Notification
	finished []types.ExecutionID
	inbox    map[string][]types.Notification
	opts     Options
}

// New 建立新的追蹤器
func New(opts Options) *Tracker {
	if opts.MaxRetained <= 0 {
		opts.MaxRetained = DefaultMaxRetained
	}
	if opts.PerPrincipal <= 0 {
		opts.PerPrincipal = DefaultPerPrincipal
	}
	return &Tracker{
		records:  make(map[types.ExecutionID]*types.Notification),
		finished: make([]types.ExecutionID, 0),
		inbox:    make(map[string][]types.Notification),
		opts:     opts,
	}
}

func (t *Tracker) OnTaskStart(n types.Notification)   { t.record(n) }
func (t *Tracker) OnTaskSuccess(n types.Notification) { t.record(n) }
func (t *Tracker) OnTaskFailed(n types.Notification)  { t.record(n) }

func (t *Tracker) record(n types.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.records[n.ExecutionID]
	if seen && prev.Status.IsTerminal() {
		// 終態之後的通知不應出現，保留第一個終態
		return
	}
	rec := n
	t.records[n.ExecutionID] = &rec

	if n.Status.IsTerminal() {
		t.finished = append(t.finished, n.ExecutionID)
		t.evictLocked()
	}

	if n.Principal != "" {
		t.enqueueLocked(n)
	}
}

func (t *Tracker) enqueueLocked(n types.Notification) {
	box := t.inbox[n.Principal]
	for i := range box {
		if box[i].ExecutionID == n.ExecutionID {
			box[i] = n
			return
		}
	}
	box = append(box, n)
	if len(box) > t.opts.PerPrincipal {
		box = box[len(box)-t.opts.PerPrincipal:]
	}
	t.inbox[n.Principal] = box
}

func (t *Tracker) evictLocked() {
	for len(t.finished) > t.opts.MaxRetained {
		id := t.finished[0]
		t.finished = t.finished[1:]
		delete(t.records, id)
	}
}

// NextRecord pops the oldest unseen notification for principal. It
// implements fanout.RecordSource.
func (t *Tracker) NextRecord(_ context.Context, principal string) (any, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	box := t.inbox[principal]
	if len(box) == 0 {
		return nil, false, nil
	}
	n := box[0]
	if len(box) == 1 {
		delete(t.inbox, principal)
	} else {
		t.inbox[principal] = box[1:]
	}
	return n, true, nil
}

// Pending returns how many notifications wait for principal.
func (t *Tracker) Pending(principal string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.inbox[principal])
}

// Get returns the latest notification of a task.
func (t *Tracker) Get(id types.ExecutionID) (types.Notification, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[id]
	if !ok {
		return types.Notification{}, ErrTaskNotFound
	}
	return *rec, nil
}

// Forget drops everything known about a task: its record, its slot in the
// retention order and any update still waiting in an inbox.
func (t *Tracker) Forget(id types.ExecutionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return ErrTaskNotFound
	}
	delete(t.records, id)

	for i, fid := range t.finished {
		if fid == id {
			t.finished = append(t.finished[:i], t.finished[i+1:]...)
			break
		}
	}

	if rec.Principal == "" {
		return nil
	}
	box := t.inbox[rec.Principal]
	for i := range box {
		if box[i].ExecutionID == id {
			box = append(box[:i], box[i+1:]...)
			break
		}
	}
	if len(box) == 0 {
		delete(t.inbox, rec.Principal)
	} else {
		t.inbox[rec.Principal] = box
	}
	return nil
}

// Stats 取得各狀態任務的統計資訊
//
// 返回值：
//   - map[string]int: 各狀態的任務數量統計
func (t *Tracker) Stats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := map[string]int{
		string(types.StatusPending):   0,
		string(types.StatusRunning):   0,
		string(types.StatusSuccess):   0,
		string(types.StatusFailed):    0,
		string(types.StatusCancelled): 0,
	}
	for _, rec := range t.records {
		stats[string(rec.Status)]++
	}
	return stats
}
