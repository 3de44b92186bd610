// Package cache mirrors presence into Redis so a node can answer status
// queries for users attached to another node.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-chat-core/internal/services"
)

const defaultPrefix = "chatcore"

// kv is the subset of redis.Cmdable the mirror needs.
type kv interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisPresence implements services.PresenceMirror. Online entries expire
// with the online TTL; offline entries persist so last-seen survives.
type RedisPresence struct {
	client kv
	prefix string
}

var _ services.PresenceMirror = (*RedisPresence)(nil)

// NewRedisPresence wraps an existing client.
func NewRedisPresence(client redis.Cmdable, prefix string) *RedisPresence {
	return newRedisPresence(client, prefix)
}

func newRedisPresence(client kv, prefix string) *RedisPresence {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisPresence{client: client, prefix: prefix}
}

// Dial parses url, connects and pings.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisPresence) key(userID string) string {
	return fmt.Sprintf("%s:presence:%s", r.prefix, userID)
}

// Put stores status; ttl <= 0 keeps the entry without expiry. Typing
// indicators are node-local and never mirrored.
func (r *RedisPresence) Put(ctx context.Context, st services.PresenceStatus, ttl time.Duration) error {
	st.TypingIn = ""
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(st.UserID), b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set presence: %w", err)
	}
	return nil
}

// Get returns the mirrored status; ok is false when no entry exists.
func (r *RedisPresence) Get(ctx context.Context, userID string) (services.PresenceStatus, bool, error) {
	var st services.PresenceStatus
	b, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("redis get presence: %w", err)
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, false, fmt.Errorf("decode presence: %w", err)
	}
	return st, true, nil
}
