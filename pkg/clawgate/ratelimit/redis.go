package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims a sorted set of timestamps to the window, then adds
// the current timestamp only when the count is under the limit. It runs
// atomically on the server.
//
// KEYS[1] window key
// ARGV[1] now (ms), ARGV[2] window (ms), ARGV[3] limit, ARGV[4] member
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// Redis is a sliding-window limiter whose windows live in Redis sorted sets.
type Redis struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger
}

// NewRedis creates a Redis-backed limiter on an existing client.
func NewRedis(client *redis.Client, cfg Config, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "ratelimit", "backend", "redis"),
	}
}

// DialRedis parses a redis:// URL and verifies the server is reachable.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Allow implements Limiter.
func (r *Redis) Allow(ctx context.Context, key string, now time.Time) (bool, error) {
	res, err := slidingWindow.Run(ctx, r.client,
		[]string{r.cfg.KeyPrefix + key},
		now.UnixMilli(),
		r.cfg.Window.Milliseconds(),
		r.cfg.Messages,
		strconv.FormatInt(now.UnixNano(), 10)+"-"+uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	if res == 0 {
		r.logger.Debug("rate limited", "key", key, "window", r.cfg.Window)
		return false, nil
	}
	return true, nil
}

// Reset forgets a key's window.
func (r *Redis) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.cfg.KeyPrefix+key).Err()
}
