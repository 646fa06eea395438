// ============================================================================
// livetask HTTP Server - SSE 推播與任務提交
// ============================================================================
//
// Package: internal/server
// 文件: http.go
// 功能: 把 HTTP 請求對應到 Controller 的操作
//
// 路由:
//   GET  /events?principal=u1  - 建立 SSE 推播連線（fanout.Register）
//   POST /tasks                - 提交內建 sleep 任務（sync / async / queue）
//   GET  /tasks/{id}           - 查詢任務最新狀態（Tracker）
//   DELETE /tasks/{id}         - 丟棄任務記錄與尚未推送的通知
//   GET  /stats[?principal=u1] - 系統狀態（帶 principal 時附上待推送數量）
//   GET  /metrics              - Prometheus 指標
//   GET  /healthz              - 健康檢查
//
// 錯誤對應:
//   ErrConfiguration → 400
//   ErrShutdown      → 503
//   ErrTimeout       → 504（附帶任務目前狀態）
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/livetask/internal/controller"
	"github.com/ChuLiYu/livetask/internal/fanout"
	"github.com/ChuLiYu/livetask/internal/task"
	"github.com/ChuLiYu/livetask/internal/tracker"
	"github.com/ChuLiYu/livetask/pkg/types"
)

// HTTPOptions HTTP 伺服器設定
type HTTPOptions struct {
	Addr          string
	StreamTimeout time.Duration // SSE 連線最長存活時間，0 表示不限
}

// HTTPServer serves the live-update stream and the task endpoints.
type HTTPServer struct {
	ctrl *controller.Controller
	opts HTTPOptions
	srv  *http.Server
}

// NewHTTPServer 建立 HTTP 伺服器
func NewHTTPServer(ctrl *controller.Controller, opts HTTPOptions) *HTTPServer {
	s := &HTTPServer{ctrl: ctrl, opts: opts}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /tasks", s.handleSubmit)
	mux.HandleFunc("GET /tasks/{id}", s.handleTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleForget)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", s.ctrl.Metrics().Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ListenAndServe blocks until the server stops.
func (s *HTTPServer) ListenAndServe() error {
	slog.Info("HTTP server listening", "addr", s.opts.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for handlers.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ============================================================================
// Handlers
// ============================================================================

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	principal := r.URL.Query().Get("principal")
	if principal == "" {
		http.Error(w, "principal is required", http.StatusBadRequest)
		return
	}

	ch, err := NewSSEChannel(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if _, err := s.ctrl.Fanout().Register(principal, ch); err != nil {
		slog.Warn("SSE registration failed", "principal", principal, "error", err)
		_ = ch.Send(fanout.EventError, map[string]any{"error": err.Error()})
		ch.Complete()
		return
	}

	var expire <-chan time.Time
	if s.opts.StreamTimeout > 0 {
		timer := time.NewTimer(s.opts.StreamTimeout)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case <-r.Context().Done():
		ch.finish()
	case <-expire:
		ch.expire()
	case <-ch.Done():
	}
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	cfg := task.Config{
		Name:         req.Name,
		Type:         req.Type,
		Principal:    req.Principal,
		GlobalUnique: req.GlobalUnique,
		MaxRetries:   req.MaxRetries,
	}
	if req.BackoffMS > 0 {
		cfg.Backoff = task.FixedBackoff{Interval: time.Duration(req.BackoffMS) * time.Millisecond}
	}
	body := &SleepTask{
		Duration:     time.Duration(req.SleepMS) * time.Millisecond,
		FailAttempts: req.FailAttempts,
	}
	wait := time.Duration(req.WaitMS) * time.Millisecond

	t, err := s.submit(r.Context(), req.Mode, cfg, body, wait)

	switch {
	case errors.Is(err, task.ErrConfiguration), errors.Is(err, errUnknownMode):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, task.ErrShutdown):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, task.ErrTimeout):
		writeJSON(w, http.StatusGatewayTimeout, types.SubmitResponse{Task: t.Notification(), Error: err.Error()})
		return
	case err != nil && t == nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	code := http.StatusAccepted
	if t.IsFinished() {
		code = http.StatusOK
	}
	resp := types.SubmitResponse{Task: t.Notification()}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, code, resp)
}

var errUnknownMode = errors.New("unknown submission mode")

func (s *HTTPServer) submit(ctx context.Context, mode string, cfg task.Config, body task.Runnable, wait time.Duration) (*task.Task, error) {
	switch mode {
	case types.ModeSync:
		return s.ctrl.Executor().ExecuteSync(ctx, cfg, body)
	case types.ModeAsync, "":
		if wait > 0 {
			return s.ctrl.Executor().ExecuteAsyncWithTimeout(ctx, cfg, body, wait)
		}
		h, err := s.ctrl.Executor().ExecuteAsync(ctx, cfg, body)
		if err != nil {
			return nil, err
		}
		return h.Task(), nil
	case types.ModeQueue:
		if wait > 0 {
			return s.ctrl.Queue().SubmitAndWait(ctx, cfg, body, wait)
		}
		return s.ctrl.Queue().Submit(cfg, body)
	default:
		return nil, errUnknownMode
	}
}

func (s *HTTPServer) handleTask(w http.ResponseWriter, r *http.Request) {
	id := types.ExecutionID(r.PathValue("id"))
	n, err := s.ctrl.Tracker().Get(id)
	if errors.Is(err, tracker.ErrTaskNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *HTTPServer) handleForget(w http.ResponseWriter, r *http.Request) {
	id := types.ExecutionID(r.PathValue("id"))
	if err := s.ctrl.Tracker().Forget(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStats 回傳控制器狀態；帶 principal 時附上該 principal 尚未推送的通知數
func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	status := s.ctrl.GetStatus()
	if principal := r.URL.Query().Get("principal"); principal != "" {
		status["principal"] = principal
		status["pending"] = s.ctrl.Tracker().Pending(principal)
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}
