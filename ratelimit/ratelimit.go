// Package ratelimit admits or rejects requests with a fixed-window counter,
// backed by Redis when available and by process memory otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientUnknown is the shared bucket for requests whose client id cannot be
// determined.
const ClientUnknown = "unknown"

// Config holds rate limiter configuration.
type Config struct {
	Requests int           // admitted per window
	Window   time.Duration // window length
	RedisURL string        // empty selects the in-memory store
}

// Limiter admits or rejects a client's request.
type Limiter interface {
	// Allow reports whether the request is admitted. Backing-store errors
	// fail open: the request is admitted and the failure logged.
	Allow(ctx context.Context, clientID string) bool

	Close() error
}

// New builds a Redis-backed limiter when a URL is configured and reachable,
// falling back to the in-memory limiter.
func New(cfg Config) Limiter {
	if cfg.Requests == 0 {
		cfg.Requests = 100
	}
	if cfg.Window == 0 {
		cfg.Window = time.Minute
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Warn("ratelimit: invalid redis URL, using in-memory limiter", "error", err)
			return newMemoryLimiter(cfg)
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Warn("ratelimit: redis unreachable, using in-memory limiter", "error", err)
			client.Close()
			return newMemoryLimiter(cfg)
		}
		slog.Info("ratelimit: using redis backend",
			"limit", cfg.Requests, "window", cfg.Window)
		return &redisLimiter{client: client, cfg: cfg, now: time.Now}
	}
	return newMemoryLimiter(cfg)
}

// windowKey buckets a client into the current fixed window.
func windowKey(clientID string, now time.Time, window time.Duration) string {
	return fmt.Sprintf("rate_limit:%s:%d", clientID, now.Unix()/int64(window.Seconds()))
}

// redisLimiter shares one counter per (client, window) across instances.
type redisLimiter struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

func (r *redisLimiter) Allow(ctx context.Context, clientID string) bool {
	if clientID == "" {
		clientID = ClientUnknown
	}
	key := windowKey(clientID, r.now(), r.cfg.Window)

	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, r.cfg.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("ratelimit: redis error, failing open", "error", err)
		return true
	}
	return incr.Val() <= int64(r.cfg.Requests)
}

func (r *redisLimiter) Close() error { return r.client.Close() }

// memoryLimiter is the per-process fallback. It loses fairness across
// instances but preserves local correctness.
type memoryLimiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count   int
	started time.Time
}

func newMemoryLimiter(cfg Config) *memoryLimiter {
	slog.Info("ratelimit: using in-memory backend",
		"limit", cfg.Requests, "window", cfg.Window)
	return &memoryLimiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (m *memoryLimiter) Allow(ctx context.Context, clientID string) bool {
	if clientID == "" {
		clientID = ClientUnknown
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[clientID]
	if !ok || now.Sub(b.started) >= m.cfg.Window {
		m.buckets[clientID] = &bucket{count: 1, started: now}
		return true
	}
	b.count++
	return b.count <= m.cfg.Requests
}

func (m *memoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = make(map[string]*bucket)
	return nil
}
