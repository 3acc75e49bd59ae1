// Package ratelimit implements a fixed-window counter keyed by client
// identity. A Redis backend shares the window across server instances; if it
// is unreachable the limiter degrades to a process-local window rather than
// failing the caller's request.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// memoryPruneThreshold bounds the local fallback map; expired entries are
// swept opportunistically once the map reaches this size.
const memoryPruneThreshold = 2000

// keyPrefix namespaces limiter keys in Redis.
const keyPrefix = "vendrman:ratelimit:"

// ErrDistributedRequired is returned by New when a distributed backend is
// required but none is configured.
var ErrDistributedRequired = errors.New("distributed rate limiting is required but no redis backend is configured")

// Decision is the outcome of one Consume call.
type Decision struct {
	Allowed      bool
	CurrentCount int64
	ResetAt      time.Time
}

// Limiter is a fixed-window rate limiter.
type Limiter struct {
	redis  *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	memory map[string]*memoryWindow
}

type memoryWindow struct {
	count   int64
	resetAt time.Time
}

// Config holds limiter construction options.
type Config struct {
	// Redis is the shared counter backend; nil enables memory-only mode.
	Redis *redis.Client
	// RequireDistributed makes construction fail without a Redis backend.
	// Per-instance windows are silently ineffective behind a load balancer,
	// so production deployments must not start in memory-only mode.
	RequireDistributed bool
	Logger             *slog.Logger
}

// New creates a Limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.RequireDistributed && cfg.Redis == nil {
		return nil, ErrDistributedRequired
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{
		redis:  cfg.Redis,
		logger: log,
		memory: make(map[string]*memoryWindow),
	}, nil
}

// Consume increments the counter for key and reports whether the caller is
// still within limit for the current window. The first increment of a fresh
// window sets the window expiry to now+windowSeconds.
func (l *Limiter) Consume(ctx context.Context, key string, limit int64, windowSeconds int) Decision {
	if l.redis != nil {
		decision, err := l.consumeRedis(ctx, key, limit, windowSeconds)
		if err == nil {
			return decision
		}
		l.logger.Warn("rate limiter falling back to local memory window",
			"key", key,
			"error", err,
		)
	}
	return l.consumeMemory(key, limit, windowSeconds)
}

func (l *Limiter) consumeRedis(ctx context.Context, key string, limit int64, windowSeconds int) (Decision, error) {
	redisKey := keyPrefix + key
	window := time.Duration(windowSeconds) * time.Second

	count, err := l.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, err
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, redisKey, window).Err(); err != nil {
			return Decision{}, err
		}
	}

	resetAt := time.Now().Add(window)
	if ttl, err := l.redis.TTL(ctx, redisKey).Result(); err == nil && ttl > 0 {
		resetAt = time.Now().Add(ttl)
	}

	return Decision{
		Allowed:      count <= limit,
		CurrentCount: count,
		ResetAt:      resetAt,
	}, nil
}

func (l *Limiter) consumeMemory(key string, limit int64, windowSeconds int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	existing := l.memory[key]

	if existing == nil || !existing.resetAt.After(now) {
		next := &memoryWindow{count: 1, resetAt: now.Add(time.Duration(windowSeconds) * time.Second)}
		l.memory[key] = next
		l.pruneLocked(now)
		return Decision{Allowed: true, CurrentCount: 1, ResetAt: next.resetAt}
	}

	existing.count++
	return Decision{
		Allowed:      existing.count <= limit,
		CurrentCount: existing.count,
		ResetAt:      existing.resetAt,
	}
}

// pruneLocked drops expired windows once the map grows past the threshold.
// Callers must hold l.mu.
func (l *Limiter) pruneLocked(now time.Time) {
	if len(l.memory) < memoryPruneThreshold {
		return
	}
	for key, window := range l.memory {
		if !window.resetAt.After(now) {
			delete(l.memory, key)
		}
	}
}
