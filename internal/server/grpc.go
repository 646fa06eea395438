// ============================================================================
// livetask gRPC Server - 推播串流服務
// ============================================================================
//
// Package: internal/server
// 文件: grpc.go
// 功能: livetask.v1.LiveUpdates/Watch（server-streaming），
//       每條串流就是一個 fanout.Channel
//
// 訊息格式（google.protobuf.Struct）:
//   請求: {"principal": "u1"}
//   事件: {"event": "record", "data": <任意 JSON 值>}
//
// 另外註冊 grpc.health.v1.Health，服務名為 livetask.v1.LiveUpdates
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/livetask/internal/controller"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "livetask.v1.LiveUpdates"

const watchMethod = "/" + ServiceName + "/Watch"

// LiveUpdatesServer is the server API for the LiveUpdates service.
type LiveUpdatesServer interface {
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(LiveUpdatesServer).Watch(req, stream)
}

var liveUpdatesServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LiveUpdatesServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "livetask/v1/live_updates.proto",
}

// RegisterLiveUpdatesServer registers srv on s.
func RegisterLiveUpdatesServer(s grpc.ServiceRegistrar, srv LiveUpdatesServer) {
	s.RegisterService(&liveUpdatesServiceDesc, srv)
}

// ============================================================================
// Stream channel
// ============================================================================

// streamChannel adapts a server stream to fanout.Channel.
type streamChannel struct {
	stream grpc.ServerStream

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	cbMu         sync.Mutex
	onCompletion func()
	onTimeout    func()
	onError      func(error)
}

func newStreamChannel(stream grpc.ServerStream) *streamChannel {
	return &streamChannel{stream: stream, done: make(chan struct{})}
}

func (c *streamChannel) Send(event string, payload any) error {
	msg, err := eventMessage(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	return c.stream.SendMsg(msg)
}

func (c *streamChannel) OnCompletion(fn func()) {
	c.cbMu.Lock()
	c.onCompletion = fn
	c.cbMu.Unlock()
}

func (c *streamChannel) OnTimeout(fn func()) {
	c.cbMu.Lock()
	c.onTimeout = fn
	c.cbMu.Unlock()
}

func (c *streamChannel) OnError(fn func(error)) {
	c.cbMu.Lock()
	c.onError = fn
	c.cbMu.Unlock()
}

func (c *streamChannel) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// end fires the callback matching why the stream context ended.
func (c *streamChannel) end(err error) {
	c.cbMu.Lock()
	onCompletion, onTimeout, onError := c.onCompletion, c.onTimeout, c.onError
	c.cbMu.Unlock()

	switch {
	case err == nil || errors.Is(err, context.Canceled):
		if onCompletion != nil {
			onCompletion()
		}
	case errors.Is(err, context.DeadlineExceeded):
		if onTimeout != nil {
			onTimeout()
		}
	default:
		if onError != nil {
			onError(err)
		}
	}
	c.Complete()
}

// eventMessage builds {"event": event, "data": payload}. The payload goes
// through JSON so any encodable value becomes a structpb.Value.
func eventMessage(event string, payload any) (*structpb.Struct, error) {
	var data any
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s event: %w", event, err)
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("encode %s event: %w", event, err)
		}
	}
	msg, err := structpb.NewStruct(map[string]any{"event": event, "data": data})
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event, err)
	}
	return msg, nil
}

// ============================================================================
// Server
// ============================================================================

// GRPCOptions gRPC 伺服器設定
type GRPCOptions struct {
	Port          int
	StreamTimeout time.Duration // 串流最長存活時間，0 表示不限
}

// GRPCServer serves LiveUpdates and the health service.
type GRPCServer struct {
	ctrl   *controller.Controller
	opts   GRPCOptions
	srv    *grpc.Server
	health *health.Server
}

// NewGRPCServer 建立 gRPC 伺服器並註冊所有服務
func NewGRPCServer(ctrl *controller.Controller, opts GRPCOptions, serverOpts ...grpc.ServerOption) *GRPCServer {
	s := &GRPCServer{
		ctrl:   ctrl,
		opts:   opts,
		srv:    grpc.NewServer(serverOpts...),
		health: health.NewServer(),
	}
	RegisterLiveUpdatesServer(s.srv, s)
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Watch streams live updates for the requested principal until the client
// leaves or the server closes the channel.
func (s *GRPCServer) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	principal := req.GetFields()["principal"].GetStringValue()
	if principal == "" {
		return status.Error(codes.InvalidArgument, "principal is required")
	}

	ctx := stream.Context()
	if s.opts.StreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.StreamTimeout)
		defer cancel()
	}

	ch := newStreamChannel(stream)
	if _, err := s.ctrl.Fanout().Register(principal, ch); err != nil {
		return status.Errorf(codes.Unavailable, "register: %v", err)
	}

	select {
	case <-ctx.Done():
		ch.end(ctx.Err())
	case <-ch.done:
	}
	return nil
}

// Serve accepts connections on lis until Stop.
func (s *GRPCServer) Serve(lis net.Listener) error {
	slog.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.srv.Serve(lis)
}

// ListenAndServe listens on the configured port.
func (s *GRPCServer) ListenAndServe() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Stop marks the service not serving and stops the server gracefully.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}

// ============================================================================
// Client
// ============================================================================

// Event is one message received from Watch.
type Event struct {
	Name string
	Data any
}

// WatchStream is the client side of a Watch call.
type WatchStream struct {
	stream grpc.ClientStream
}

// Watch opens a live-update stream for principal on conn.
func Watch(ctx context.Context, conn grpc.ClientConnInterface, principal string) (*WatchStream, error) {
	stream, err := conn.NewStream(ctx, &liveUpdatesServiceDesc.Streams[0], watchMethod)
	if err != nil {
		return nil, fmt.Errorf("rpc watch failed: %w", err)
	}
	req, err := structpb.NewStruct(map[string]any{"principal": principal})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("rpc watch failed: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("rpc watch failed: %w", err)
	}
	return &WatchStream{stream: stream}, nil
}

// Recv blocks for the next event. It returns io.EOF when the server ends
// the stream.
func (w *WatchStream) Recv() (Event, error) {
	msg := new(structpb.Struct)
	if err := w.stream.RecvMsg(msg); err != nil {
		return Event{}, err
	}
	fields := msg.GetFields()
	return Event{
		Name: fields["event"].GetStringValue(),
		Data: fields["data"].AsInterface(),
	}, nil
}
