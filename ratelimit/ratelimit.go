// Package ratelimit enforces a per-principal requests-per-minute
// ceiling using a fixed-window counter in Redis, atomically
// incremented and bounded by a single Lua script so concurrent
// requests from the same key can never race past the limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/railgate/gateway/apierr"
)

// windowScript increments the per-window counter and sets its expiry
// only on the first increment of the window, keeping INCR and EXPIRE
// atomic relative to concurrent callers.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_sec = tonumber(ARGV[2])

local count = redis.call("INCR", key)
if count == 1 then
	redis.call("EXPIRE", key, window_sec)
end

if count > limit then
	local ttl = redis.call("TTL", key)
	return {0, count, ttl}
end
return {1, count, -1}
`)

// Limiter enforces fixed-window rate limits keyed by principal.
type Limiter struct {
	redis      *redis.Client
	windowSize time.Duration
	defaultRPM int
}

// NewLimiter constructs a Limiter. defaultRPM applies when a caller
// does not supply a per-key override (e.g. delegation mode).
func NewLimiter(rc *redis.Client, defaultRPM int) *Limiter {
	return &Limiter{redis: rc, windowSize: time.Minute, defaultRPM: defaultRPM}
}

// Result describes the outcome of an Allow check.
type Result struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// Allow checks and increments the window counter for key. rpm <= 0
// falls back to the limiter's configured default.
func (l *Limiter) Allow(ctx context.Context, key string, rpm int) (Result, error) {
	if rpm <= 0 {
		rpm = l.defaultRPM
	}
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().Unix()/int64(l.windowSize.Seconds()))

	res, err := windowScript.Run(ctx, l.redis, []string{redisKey}, rpm, int(l.windowSize.Seconds())).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return Result{}, fmt.Errorf("rate limit script: unexpected result shape")
	}
	allowed := arr[0].(int64) == 1
	count := int(arr[1].(int64))
	ttl := arr[2].(int64)

	out := Result{Allowed: allowed, Count: count}
	if !allowed {
		if ttl > 0 {
			out.RetryAfter = time.Duration(ttl) * time.Second
		} else {
			out.RetryAfter = l.windowSize
		}
	}
	return out, nil
}

// Check is a convenience wrapper returning a ready-to-send apierr.Error
// when the limit has been exceeded.
func (l *Limiter) Check(ctx context.Context, key string, rpm int) error {
	res, err := l.Allow(ctx, key, rpm)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return apierr.New(apierr.KindRateLimited, fmt.Sprintf("rate limit exceeded, retry after %s", res.RetryAfter))
	}
	return nil
}
