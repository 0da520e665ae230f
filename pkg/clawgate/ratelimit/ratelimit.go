// Package ratelimit implements the per-user sliding-window message throttle.
//
// Window state is volatile by default: a restart resets every window, which
// only ever makes the limiter more lenient and never lets an unauthorized
// user through (the gate runs first). A Redis-backed limiter is available
// for deployments that want windows to survive restarts or be shared
// between replicas.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config configures the throttle.
type Config struct {
	// Messages is the maximum number of messages allowed per window.
	Messages int `yaml:"messages" envconfig:"RATE_LIMIT_MESSAGES"`

	// Window is the sliding window length.
	Window time.Duration `yaml:"window"`

	// Backend is "memory" (default) or "redis".
	Backend string `yaml:"backend" envconfig:"RATE_LIMIT_BACKEND"`

	// RedisURL is used when Backend is "redis".
	RedisURL string `yaml:"redis_url" envconfig:"REDIS_URL"`

	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `yaml:"key_prefix"`
}

// DefaultConfig allows 30 messages per minute, held in memory.
func DefaultConfig() Config {
	return Config{
		Messages:  30,
		Window:    time.Minute,
		Backend:   "memory",
		KeyPrefix: "clawgate:ratelimit:",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Messages <= 0 {
		c.Messages = def.Messages
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = def.KeyPrefix
	}
	return c
}

// Limiter decides whether a user may send another message at now. A
// rejected attempt is not recorded.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, error)
}

// Memory is an in-process sliding-window limiter.
type Memory struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	calls map[string][]time.Time // key -> timestamps inside the window
}

// NewMemory creates an in-memory limiter.
func NewMemory(cfg Config, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "ratelimit"),
		calls:  make(map[string][]time.Time),
	}
}

// Allow implements Limiter.
func (m *Memory) Allow(_ context.Context, key string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recent := m.recent(key, now)
	if len(recent) >= m.cfg.Messages {
		m.calls[key] = recent
		m.logger.Debug("rate limited", "key", key, "count", len(recent), "window", m.cfg.Window)
		return false, nil
	}
	m.calls[key] = append(recent, now)
	return true, nil
}

// recent returns the timestamps of key still inside the window ending at
// now. Caller holds mu.
func (m *Memory) recent(key string, now time.Time) []time.Time {
	cutoff := now.Add(-m.cfg.Window)
	times := m.calls[key]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

// Reset forgets a key's window.
func (m *Memory) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, key)
}

// Prune drops keys whose window is empty at now and returns how many
// were dropped.
func (m *Memory) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for key := range m.calls {
		recent := m.recent(key, now)
		if len(recent) == 0 {
			delete(m.calls, key)
			dropped++
			continue
		}
		m.calls[key] = recent
	}
	return dropped
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
