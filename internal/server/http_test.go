package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/livetask/internal/controller"
	"github.com/ChuLiYu/livetask/internal/fanout"
	"github.com/ChuLiYu/livetask/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestController(t *testing.T) *controller.Controller {
	t.Helper()
	ctrl, err := controller.NewController(controller.Config{
		PollInterval:     20 * time.Millisecond,
		QueryTimeout:     time.Second,
		QueuePollTimeout: 20 * time.Millisecond,
		ShutdownGrace:    time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	return ctrl
}

func stopController(t *testing.T, ctrl *controller.Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = ctrl.Stop(ctx)
}

func newTestHTTP(t *testing.T, opts HTTPOptions) (*controller.Controller, *httptest.Server) {
	t.Helper()
	ctrl := newTestController(t)
	ts := httptest.NewServer(NewHTTPServer(ctrl, opts).Handler())
	t.Cleanup(func() {
		stopController(t, ctrl) // completes open streams first
		ts.Close()
	})
	return ctrl, ts
}

func postTask(t *testing.T, ts *httptest.Server, req types.SubmitRequest) (int, types.SubmitResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out types.SubmitResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

type sseEvent struct {
	name string
	data string
}

// readEvents parses an SSE body into a channel of events.
func readEvents(r io.Reader) <-chan sseEvent {
	out := make(chan sseEvent, 64)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "":
				out <- ev
				ev = sseEvent{}
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, events <-chan sseEvent, want string) sseEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream ended before a %q event", want)
			if ev.name == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %q event received", want)
		}
	}
}

func openStream(t *testing.T, ctx context.Context, ts *httptest.Server, principal string) (*http.Response, <-chan sseEvent) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?principal="+principal, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, readEvents(resp.Body)
}

// ============================================================================
// SSE Tests
// ============================================================================

func TestEventsRequiresPrincipal(t *testing.T) {
	_, ts := newTestHTTP(t, HTTPOptions{})

	resp, err := http.Get(ts.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsStreamsTaskRecords(t *testing.T) {
	ctrl, ts := newTestHTTP(t, HTTPOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, events := openStream(t, ctx, ts, "u1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	connected := nextEvent(t, events, fanout.EventConnected)
	assert.Contains(t, connected.data, `"principal":"u1"`)
	require.Eventually(t, func() bool { return ctrl.Fanout().ConnectionCount("u1") == 1 }, time.Second, 5*time.Millisecond)

	code, out := postTask(t, ts, types.SubmitRequest{Name: "export", Type: "report", Principal: "u1", Mode: types.ModeSync})
	require.Equal(t, http.StatusOK, code)

	for {
		ev := nextEvent(t, events, fanout.EventRecord)
		var n types.Notification
		require.NoError(t, json.Unmarshal([]byte(ev.data), &n))
		assert.Equal(t, out.Task.ExecutionID, n.ExecutionID)
		if n.Status == types.StatusSuccess {
			break
		}
	}

	nextEvent(t, events, fanout.EventHeartbeat)
}

func TestEventsClientDisconnectUnregisters(t *testing.T) {
	ctrl, ts := newTestHTTP(t, HTTPOptions{})
	ctx, cancel := context.WithCancel(context.Background())

	_, events := openStream(t, ctx, ts, "u1")
	nextEvent(t, events, fanout.EventConnected)
	require.Eventually(t, func() bool { return ctrl.Fanout().PollerCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool {
		return ctrl.Fanout().ConnectionCount("u1") == 0 && ctrl.Fanout().PollerCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventsStreamTimeout(t *testing.T) {
	ctrl, ts := newTestHTTP(t, HTTPOptions{StreamTimeout: 50 * time.Millisecond})

	_, events := openStream(t, context.Background(), ts, "u1")
	nextEvent(t, events, fanout.EventConnected)

	select {
	case <-drain(events):
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not closed after its timeout")
	}
	assert.Eventually(t, func() bool { return ctrl.Fanout().GroupCount() == 0 }, time.Second, 10*time.Millisecond)
}

func drain(events <-chan sseEvent) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range events {
		}
		close(done)
	}()
	return done
}

func TestEventsEndWhenControllerStops(t *testing.T) {
	ctrl := newTestController(t)
	ts := httptest.NewServer(NewHTTPServer(ctrl, HTTPOptions{}).Handler())
	defer ts.Close()

	_, events := openStream(t, context.Background(), ts, "u1")
	nextEvent(t, events, fanout.EventConnected)

	stopController(t, ctrl)
	select {
	case <-drain(events):
	case <-time.After(2 * time.Second):
		t.Fatal("stream stayed open after the controller stopped")
	}
}

// ============================================================================
// Task Endpoint Tests
// ============================================================================

func TestSubmitModes(t *testing.T) {
	tests := []struct {
		name       string
		req        types.SubmitRequest
		wantCode   int
		wantStatus types.TaskStatus
	}{
		{
			name:       "sync success",
			req:        types.SubmitRequest{Name: "a", Type: "t", Mode: types.ModeSync},
			wantCode:   http.StatusOK,
			wantStatus: types.StatusSuccess,
		},
		{
			name:       "sync failure",
			req:        types.SubmitRequest{Name: "b", Type: "t", Mode: types.ModeSync, FailAttempts: 1},
			wantCode:   http.StatusOK,
			wantStatus: types.StatusFailed,
		},
		{
			name:       "async waited",
			req:        types.SubmitRequest{Name: "c", Type: "t", Mode: types.ModeAsync, WaitMS: 1000},
			wantCode:   http.StatusOK,
			wantStatus: types.StatusSuccess,
		},
		{
			name:     "async fire and forget",
			req:      types.SubmitRequest{Name: "d", Type: "t", SleepMS: 200},
			wantCode: http.StatusAccepted,
		},
		{
			name:       "queue retries until success",
			req:        types.SubmitRequest{Name: "e", Type: "t", Mode: types.ModeQueue, MaxRetries: 2, FailAttempts: 2, BackoffMS: 10, WaitMS: 2000},
			wantCode:   http.StatusOK,
			wantStatus: types.StatusSuccess,
		},
		{
			name:     "queue fire and forget",
			req:      types.SubmitRequest{Name: "f", Type: "t", Mode: types.ModeQueue, SleepMS: 200},
			wantCode: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := newTestHTTP(t, HTTPOptions{})

			code, out := postTask(t, ts, tt.req)
			assert.Equal(t, tt.wantCode, code)
			assert.NotEmpty(t, out.Task.ExecutionID)
			assert.Equal(t, tt.req.Name, out.Task.TaskName)
			if tt.wantStatus != "" {
				assert.Equal(t, tt.wantStatus, out.Task.Status)
			}
		})
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"malformed body", `{"name":`, http.StatusBadRequest},
		{"missing type", `{"name":"x","mode":"sync"}`, http.StatusBadRequest},
		{"negative retries", `{"name":"x","type":"t","max_retries":-1}`, http.StatusBadRequest},
		{"unknown mode", `{"name":"x","type":"t","mode":"batch"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := newTestHTTP(t, HTTPOptions{})

			resp, err := http.Post(ts.URL+"/tasks", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantCode, resp.StatusCode)
		})
	}
}

func TestSubmitTimeout(t *testing.T) {
	_, ts := newTestHTTP(t, HTTPOptions{})

	code, out := postTask(t, ts, types.SubmitRequest{Name: "slow", Type: "t", SleepMS: 2000, WaitMS: 30})
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Contains(t, out.Error, "timed out")
	assert.NotEmpty(t, out.Task.ExecutionID)
}

func TestSubmitAfterShutdown(t *testing.T) {
	ctrl := newTestController(t)
	ts := httptest.NewServer(NewHTTPServer(ctrl, HTTPOptions{}).Handler())
	defer ts.Close()
	stopController(t, ctrl)

	for _, mode := range []string{types.ModeSync, types.ModeQueue} {
		code, _ := postTask(t, ts, types.SubmitRequest{Name: "late", Type: "t", Mode: mode})
		assert.Equal(t, http.StatusServiceUnavailable, code, mode)
	}
}

func TestUniqueSubmissionRejected(t *testing.T) {
	_, ts := newTestHTTP(t, HTTPOptions{})

	code, first := postTask(t, ts, types.SubmitRequest{Name: "a", Type: "backup", GlobalUnique: true, SleepMS: 500})
	require.Equal(t, http.StatusAccepted, code)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/tasks/" + string(first.Task.ExecutionID))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var n types.Notification
		return json.NewDecoder(resp.Body).Decode(&n) == nil && n.Status == types.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	code, second := postTask(t, ts, types.SubmitRequest{Name: "b", Type: "backup", GlobalUnique: true, Mode: types.ModeSync})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, types.StatusFailed, second.Task.Status)
	assert.Contains(t, second.Task.Message, "already running")
}

func TestGetTask(t *testing.T) {
	_, ts := newTestHTTP(t, HTTPOptions{})
	_, out := postTask(t, ts, types.SubmitRequest{Name: "a", Type: "t", Mode: types.ModeSync})

	resp, err := http.Get(ts.URL + "/tasks/" + string(out.Task.ExecutionID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var n types.Notification
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&n))
	assert.Equal(t, types.StatusSuccess, n.Status)

	missing, err := http.Get(ts.URL + "/tasks/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func getStats(t *testing.T, ts *httptest.Server, query string) map[string]any {
	t.Helper()
	resp, err := http.Get(ts.URL + "/stats" + query)
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	return stats
}

func deleteTask(t *testing.T, ts *httptest.Server, id types.ExecutionID) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/tasks/"+string(id), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestForgetTask(t *testing.T) {
	_, ts := newTestHTTP(t, HTTPOptions{})
	_, out := postTask(t, ts, types.SubmitRequest{Name: "a", Type: "t", Principal: "u1", Mode: types.ModeSync})

	// 沒有 SSE 連線，通知留在 u1 的 inbox
	stats := getStats(t, ts, "?principal=u1")
	assert.Equal(t, "u1", stats["principal"])
	assert.Equal(t, float64(1), stats["pending"])

	assert.Equal(t, http.StatusNoContent, deleteTask(t, ts, out.Task.ExecutionID))
	assert.Equal(t, float64(0), getStats(t, ts, "?principal=u1")["pending"])

	resp, err := http.Get(ts.URL + "/tasks/" + string(out.Task.ExecutionID))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, http.StatusNotFound, deleteTask(t, ts, out.Task.ExecutionID))
}

// ============================================================================
// Status Endpoint Tests
// ============================================================================

func TestStatsAndHealth(t *testing.T) {
	_, ts := newTestHTTP(t, HTTPOptions{})
	postTask(t, ts, types.SubmitRequest{Name: "a", Type: "t", Mode: types.ModeSync})

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	for _, key := range []string{"uptime", "record_source", "in_flight", "queue", "tasks", "pollers", "groups"} {
		assert.Contains(t, stats, key)
	}
	assert.NotContains(t, stats, "pending", "pending is reported only for a principal")
	assert.Equal(t, float64(1), stats["tasks"].(map[string]any)["success"])

	health, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	metricsResp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "livetask_tasks_succeeded_total 1")
}
