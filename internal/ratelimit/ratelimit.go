// Package ratelimit implements a per-key atomic fixed-window counter backed
// by Redis: each key's count and window end live in one hash, updated by a
// single Lua script under the fixed policy this subsystem needs, and it is
// fail-closed: a storage error never grants admission.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"backend/internal/metrics"
)

const (
	// MaxRequests is the number of requests a key may make per Window.
	MaxRequests = 10
	// Window is the fixed-size rate-limit window.
	Window = 60 * time.Second
)

// Result is the verdict for a single CheckAndIncrement call.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is a Redis-backed, per-key atomic rate limiter.
type Limiter struct {
	redis       *redis.Client
	logger      *zap.SugaredLogger
	maxRequests int
	window      time.Duration
}

// New constructs a Limiter bound to the given Redis client, using the
// fixed policy from §3/§4.A (MAX_REQUESTS=10, WINDOW=60s).
func New(client *redis.Client, logger *zap.SugaredLogger) *Limiter {
	return &Limiter{redis: client, logger: logger, maxRequests: MaxRequests, window: Window}
}

// NewWithPolicy constructs a Limiter with a non-default policy. Exposed for
// tests that need a short window rather than waiting out the real 60s one.
func NewWithPolicy(client *redis.Client, logger *zap.SugaredLogger, maxRequests int, window time.Duration) *Limiter {
	return &Limiter{redis: client, logger: logger, maxRequests: maxRequests, window: window}
}

// checkAndIncrementScript performs the fixed-window check-then-increment
// atomically: it reads count/resetAt, decides admission, and writes the new
// state in a single EVAL so no caller can observe a torn read/increment.
var checkAndIncrementScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local maxRequests = tonumber(ARGV[3])

local count = tonumber(redis.call('HGET', key, 'count'))
local resetAt = tonumber(redis.call('HGET', key, 'resetAt'))

if resetAt == nil or now >= resetAt then
  resetAt = now + windowMs
  count = 1
  redis.call('HSET', key, 'count', count, 'resetAt', resetAt)
  redis.call('PEXPIRE', key, windowMs)
  return {1, count, resetAt}
end

if count >= maxRequests then
  return {0, count, resetAt}
end

count = count + 1
redis.call('HSET', key, 'count', count, 'resetAt', resetAt)
redis.call('PEXPIRE', key, windowMs)
return {1, count, resetAt}
`)

// CheckAndIncrement atomically checks and, if admitted, increments the
// bucket for key. Storage errors are surfaced to the caller and never grant
// admission.
func (l *Limiter) CheckAndIncrement(ctx context.Context, key string) (Result, error) {
	now := time.Now()
	redisKey := bucketKey(key)

	raw, err := checkAndIncrementScript.Run(ctx, l.redis, []string{redisKey},
		now.UnixMilli(), l.window.Milliseconds(), l.maxRequests).Result()
	if err != nil {
		metrics.RateLimitDecisions.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("ratelimit: storage failure for key %q: %w", key, err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script result shape: %v", raw)
	}

	allowed := toInt64(vals[0]) == 1
	count := toInt64(vals[1])
	resetAt := time.UnixMilli(toInt64(vals[2]))

	remaining := l.maxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	res := Result{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}
	if !allowed {
		res.RetryAfter = time.Duration(math.Ceil(resetAt.Sub(now).Seconds())) * time.Second
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}

	metrics.RateLimitDecisions.WithLabelValues(boolLabel(allowed)).Inc()
	if l.logger != nil && !allowed {
		l.logger.Infow("rate limit denied", "key", key, "retryAfter", res.RetryAfter)
	}
	return res, nil
}

// Status reads the current bucket state for key without mutating it.
func (l *Limiter) Status(ctx context.Context, key string) (Result, error) {
	vals, err := l.redis.HMGet(ctx, bucketKey(key), "count", "resetAt").Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: status read failed for key %q: %w", key, err)
	}
	if vals[0] == nil || vals[1] == nil {
		return Result{Allowed: true, Remaining: l.maxRequests, ResetAt: time.Now().Add(l.window)}, nil
	}
	count := toInt64FromString(vals[0])
	resetAtMs := toInt64FromString(vals[1])
	remaining := l.maxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   time.Now().UnixMilli() >= resetAtMs || int(count) < l.maxRequests,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(resetAtMs),
	}, nil
}

// Reset clears the bucket for key. Test hook only.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, bucketKey(key)).Err()
}

func bucketKey(key string) string {
	return "ratelimit:{" + key + "}"
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func toInt64FromString(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
