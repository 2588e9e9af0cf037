package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"funnel-backend/internal/shared/telemetry"
	"funnel-backend/internal/shared/util"
)

const keyPrefix = "funnel:poll:"

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 3 * time.Second
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	telemetry.Info("redis.connected", map[string]any{"addr": opts.Addr, "db": opts.DB})
	return client, nil
}

// PollLimiter admits one poll per key per window across all API instances.
type PollLimiter struct {
	client redis.Cmdable
	window time.Duration
}

// NewPollLimiter constructs a PollLimiter on an existing client.
func NewPollLimiter(client redis.Cmdable, window time.Duration) *PollLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &PollLimiter{client: client, window: window}
}

// Allow sets the key only if absent. A refused caller gets the key's
// remaining TTL as its wait. Keys are hashed before they reach Redis.
func (l *PollLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	redisKey := keyPrefix + util.HashKey(key)
	ok, err := l.client.SetNX(ctx, redisKey, 1, l.window).Result()
	if err != nil {
		return false, 0, fmt.Errorf("poll limiter setnx: %w", err)
	}
	if ok {
		return true, 0, nil
	}
	ttl, err := l.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("poll limiter pttl: %w", err)
	}
	// -1/-2 mean the key lost its TTL or expired between the two calls.
	if ttl <= 0 || ttl > l.window {
		ttl = l.window
	}
	return false, ttl, nil
}
