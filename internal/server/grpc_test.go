package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/livetask/internal/controller"
	"github.com/ChuLiYu/livetask/internal/fanout"
	"github.com/ChuLiYu/livetask/internal/task"
	"github.com/ChuLiYu/livetask/pkg/types"
)

func newTestGRPC(t *testing.T, opts GRPCOptions) (*controller.Controller, *grpc.ClientConn) {
	t.Helper()
	ctrl := newTestController(t)
	srv := NewGRPCServer(ctrl, opts)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		stopController(t, ctrl) // ends open Watch calls
		srv.Stop()
	})
	return ctrl, conn
}

func recvEvent(t *testing.T, ws *WatchStream, want string) Event {
	t.Helper()
	type result struct {
		ev  Event
		err error
	}
	deadline := time.After(3 * time.Second)
	for {
		ch := make(chan result, 1)
		go func() {
			ev, err := ws.Recv()
			ch <- result{ev, err}
		}()
		select {
		case r := <-ch:
			require.NoError(t, r.err)
			if r.ev.Name == want {
				return r.ev
			}
		case <-deadline:
			t.Fatalf("no %q event received", want)
		}
	}
}

func TestWatchStreamsRecords(t *testing.T) {
	ctrl, conn := newTestGRPC(t, GRPCOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws, err := Watch(ctx, conn, "u1")
	require.NoError(t, err)

	ack := recvEvent(t, ws, fanout.EventConnected)
	data := ack.Data.(map[string]any)
	assert.Equal(t, "u1", data["principal"])
	assert.NotEmpty(t, data["connection_id"])

	tk, err := ctrl.Executor().ExecuteSync(ctx, task.Config{Name: "sync-report", Type: "report", Principal: "u1"},
		task.Func(func(context.Context) (any, error) { return "ok", nil }))
	require.NoError(t, err)

	for {
		ev := recvEvent(t, ws, fanout.EventRecord)
		rec := ev.Data.(map[string]any)
		assert.Equal(t, string(tk.ID()), rec["execution_id"])
		if rec["status"] == string(types.StatusSuccess) {
			assert.Equal(t, "ok", rec["result"])
			break
		}
	}

	hb := recvEvent(t, ws, fanout.EventHeartbeat)
	assert.Contains(t, hb.Data, "time")
}

func TestWatchRequiresPrincipal(t *testing.T) {
	_, conn := newTestGRPC(t, GRPCOptions{})

	ws, err := Watch(context.Background(), conn, "")
	require.NoError(t, err)

	_, err = ws.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestWatchClientCancelUnregisters(t *testing.T) {
	ctrl, conn := newTestGRPC(t, GRPCOptions{})
	ctx, cancel := context.WithCancel(context.Background())

	ws, err := Watch(ctx, conn, "u1")
	require.NoError(t, err)
	recvEvent(t, ws, fanout.EventConnected)
	require.Eventually(t, func() bool { return ctrl.Fanout().ConnectionCount("u1") == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool {
		return ctrl.Fanout().ConnectionCount("u1") == 0 && ctrl.Fanout().PollerCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchStreamTimeout(t *testing.T) {
	ctrl, conn := newTestGRPC(t, GRPCOptions{StreamTimeout: 50 * time.Millisecond})

	ws, err := Watch(context.Background(), conn, "u1")
	require.NoError(t, err)
	recvEvent(t, ws, fanout.EventConnected)

	assert.Eventually(t, func() bool { return ctrl.Fanout().GroupCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHealthService(t *testing.T) {
	_, conn := newTestGRPC(t, GRPCOptions{})

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestEventMessage(t *testing.T) {
	msg, err := eventMessage(fanout.EventRecord, types.Notification{ExecutionID: "e1", Status: types.StatusRunning})
	require.NoError(t, err)

	fields := msg.GetFields()
	assert.Equal(t, "record", fields["event"].GetStringValue())
	data := fields["data"].GetStructValue().GetFields()
	assert.Equal(t, "e1", data["execution_id"].GetStringValue())
	assert.Equal(t, "running", data["status"].GetStringValue())

	empty, err := eventMessage(fanout.EventHeartbeat, nil)
	require.NoError(t, err)
	assert.Nil(t, empty.GetFields()["data"].AsInterface())

	_, err = eventMessage(fanout.EventRecord, make(chan int))
	assert.Error(t, err)
}
