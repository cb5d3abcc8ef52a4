package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Mirror shares routing hints (user id -> connection id) across processes.
// Hints expire unless refreshed.
type Mirror interface {
	Publish(ctx context.Context, userID, connectionID string) error
	// Refresh extends the hint only while it still names connectionID.
	Refresh(ctx context.Context, userID, connectionID string) error
	// Withdraw removes the hint only while it still names connectionID.
	Withdraw(ctx context.Context, userID, connectionID string) error
	Lookup(ctx context.Context, userID string) (connectionID string, ok bool, err error)
}

const (
	DefaultMirrorTTL    = 60 * time.Second
	DefaultMirrorPrefix = "call-relay:presence:"
)

// Compare-and-act scripts keep a late refresh or withdraw from an old
// connection from touching the hint of a newer one.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	withdrawScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Mirror = (*RedisMirror)(nil)

func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = DefaultMirrorTTL
	}
	return &RedisMirror{client: client, prefix: DefaultMirrorPrefix, ttl: ttl}
}

func (m *RedisMirror) key(userID string) string { return m.prefix + userID }

func (m *RedisMirror) Publish(ctx context.Context, userID, connectionID string) error {
	if err := m.client.Set(ctx, m.key(userID), connectionID, m.ttl).Err(); err != nil {
		return fmt.Errorf("presence mirror: publish %s: %w", userID, err)
	}
	return nil
}

func (m *RedisMirror) Refresh(ctx context.Context, userID, connectionID string) error {
	err := refreshScript.Run(ctx, m.client, []string{m.key(userID)}, connectionID, m.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("presence mirror: refresh %s: %w", userID, err)
	}
	return nil
}

func (m *RedisMirror) Withdraw(ctx context.Context, userID, connectionID string) error {
	err := withdrawScript.Run(ctx, m.client, []string{m.key(userID)}, connectionID).Err()
	if err != nil {
		return fmt.Errorf("presence mirror: withdraw %s: %w", userID, err)
	}
	return nil
}

func (m *RedisMirror) Lookup(ctx context.Context, userID string) (string, bool, error) {
	connID, err := m.client.Get(ctx, m.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("presence mirror: lookup %s: %w", userID, err)
	}
	return connID, true, nil
}

// Ping reports whether Redis is reachable.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
