// Package redissource provides a Redis-backed fanout.RecordSource.
//
// Records for a principal live in the list <prefix>:records:<principal> as
// JSON values; NextRecord pops the oldest one. The presence of the key
// <prefix>:revoked:<principal> makes NextRecord fail with
// fanout.ErrUnauthorized. Source also implements notify.Listener, so task
// notifications can be pushed into Redis and consumed by any process
// running a fan-out manager against the same keys.
package redissource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/livetask/internal/fanout"
	"github.com/ChuLiYu/livetask/pkg/types"
)

const (
	// DefaultPrefix is used when New gets an empty prefix.
	DefaultPrefix = "livetask"
	// defaultExpiration bounds how long an unread record list survives.
	defaultExpiration = 24 * time.Hour
	// publishTimeout bounds listener-side writes.
	publishTimeout = 2 * time.Second
)

// Source reads and writes principal record lists in Redis.
type Source struct {
	client     redis.UniversalClient
	prefix     string
	expiration time.Duration
}

// Option configures a Source.
type Option func(*Source)

// WithExpiration sets the TTL refreshed on every publish.
func WithExpiration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.expiration = d
		}
	}
}

// New creates a Source on top of an existing client.
func New(client redis.UniversalClient, prefix string, opts ...Option) *Source {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	s := &Source{
		client:     client,
		prefix:     prefix,
		expiration: defaultExpiration,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks the connection.
func (s *Source) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

func (s *Source) recordsKey(principal string) string {
	return s.prefix + ":records:" + principal
}

func (s *Source) revokedKey(principal string) string {
	return s.prefix + ":revoked:" + principal
}

// NextRecord implements fanout.RecordSource. Records are returned as the
// decoded JSON value (map[string]any for objects).
func (s *Source) NextRecord(ctx context.Context, principal string) (any, bool, error) {
	n, err := s.client.Exists(ctx, s.revokedKey(principal)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("check revocation for %q: %w", principal, err)
	}
	if n > 0 {
		return nil, false, fmt.Errorf("%w: %q revoked", fanout.ErrUnauthorized, principal)
	}

	raw, err := s.client.LPop(ctx, s.recordsKey(principal)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pop record for %q: %w", principal, err)
	}

	var rec any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode record for %q: %w", principal, err)
	}
	return rec, true, nil
}

// Publish appends record to principal's list.
func (s *Source) Publish(ctx context.Context, principal string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	key := s.recordsKey(principal)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.expiration)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish record for %q: %w", principal, err)
	}
	return nil
}

// Revoke marks principal as unauthorized.
func (s *Source) Revoke(ctx context.Context, principal string) error {
	return s.client.Set(ctx, s.revokedKey(principal), time.Now().UnixMilli(), 0).Err()
}

// Restore clears a revocation.
func (s *Source) Restore(ctx context.Context, principal string) error {
	return s.client.Del(ctx, s.revokedKey(principal)).Err()
}

func (s *Source) OnTaskStart(n types.Notification)   { s.publishNotification(n) }
func (s *Source) OnTaskSuccess(n types.Notification) { s.publishNotification(n) }
func (s *Source) OnTaskFailed(n types.Notification)  { s.publishNotification(n) }

func (s *Source) publishNotification(n types.Notification) {
	if n.Principal == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.Publish(ctx, n.Principal, n); err != nil {
		slog.Warn("Failed to publish notification", "id", n.ExecutionID, "principal", n.Principal, "error", err)
	}
}
