package redissource

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/livetask/internal/fanout"
	"github.com/ChuLiYu/livetask/pkg/types"
)

func newTestSource(t *testing.T, opts ...Option) (*Source, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test", opts...), mr
}

func TestPublishAndNextRecord(t *testing.T) {
	s, _ := newTestSource(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Publish(ctx, "u1", map[string]any{"n": 1}))
	require.NoError(t, s.Publish(ctx, "u1", map[string]any{"n": 2}))

	for _, want := range []float64{1, 2} {
		rec, ok, err := s.NextRecord(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, rec.(map[string]any)["n"])
	}

	rec, ok, err := s.NextRecord(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, rec)
}

func TestPublishSetsExpiration(t *testing.T) {
	s, mr := newTestSource(t, WithExpiration(time.Minute))
	require.NoError(t, s.Publish(context.Background(), "u1", "x"))

	assert.Equal(t, time.Minute, mr.TTL("test:records:u1"))
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("test:records:u1"))
}

func TestRevokeAndRestore(t *testing.T) {
	s, _ := newTestSource(t)
	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, "u1", "pending"))

	require.NoError(t, s.Revoke(ctx, "u1"))
	_, ok, err := s.NextRecord(ctx, "u1")
	assert.ErrorIs(t, err, fanout.ErrUnauthorized)
	assert.False(t, ok)

	require.NoError(t, s.Restore(ctx, "u1"))
	rec, ok, err := s.NextRecord(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok, "records survive a revocation")
	assert.Equal(t, "pending", rec)
}

func TestDecodeError(t *testing.T) {
	s, mr := newTestSource(t)
	_, err := mr.Lpush("test:records:u1", "{not json")
	require.NoError(t, err)

	_, ok, err := s.NextRecord(context.Background(), "u1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, fanout.ErrUnauthorized)
	assert.False(t, ok)
}

func TestConnectionError(t *testing.T) {
	s, mr := newTestSource(t)
	mr.Close()

	_, _, err := s.NextRecord(context.Background(), "u1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, fanout.ErrUnauthorized)
	assert.Error(t, s.Ping(context.Background()))
}

func TestListenerPublishesNotifications(t *testing.T) {
	s, mr := newTestSource(t)

	s.OnTaskStart(types.Notification{ExecutionID: "e1", TaskName: "report", Principal: "u1", Status: types.StatusRunning})
	s.OnTaskSuccess(types.Notification{ExecutionID: "e1", TaskName: "report", Principal: "u1", Status: types.StatusSuccess})
	s.OnTaskFailed(types.Notification{ExecutionID: "e2", TaskName: "anon", Status: types.StatusFailed})

	items, err := mr.List("test:records:u1")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.False(t, mr.Exists("test:records:"), "notifications without a principal are not published")

	rec, ok, err := s.NextRecord(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, ok)
	m := rec.(map[string]any)
	assert.Equal(t, "e1", m["execution_id"])
	assert.Equal(t, "running", m["status"])
}

func TestDefaultPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := New(client, "")
	require.NoError(t, s.Publish(context.Background(), "u1", 1))
	assert.True(t, mr.Exists(DefaultPrefix+":records:u1"))
}

func TestSourceDrivesManager(t *testing.T) {
	s, _ := newTestSource(t)
	m := fanout.NewManager(s, fanout.Options{PollInterval: 10 * time.Millisecond})
	defer m.Close()

	got := make(chan any, 4)
	ch := &captureChannel{records: got}
	_, err := m.Register("u1", ch)
	require.NoError(t, err)

	require.NoError(t, s.Publish(context.Background(), "u1", map[string]any{"task": "export"}))

	select {
	case rec := <-got:
		assert.Equal(t, "export", rec.(map[string]any)["task"])
	case <-time.After(2 * time.Second):
		t.Fatal("record was not delivered")
	}
}

// captureChannel forwards record events to a channel.
type captureChannel struct {
	records chan any
}

func (c *captureChannel) Send(event string, payload any) error {
	if event == fanout.EventRecord {
		c.records <- payload
	}
	return nil
}

func (c *captureChannel) OnCompletion(func()) {}
func (c *captureChannel) OnTimeout(func())    {}
func (c *captureChannel) OnError(func(error)) {}
func (c *captureChannel) Complete()           {}
