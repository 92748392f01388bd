// Package ratelimit bounds signing attempts per user. The Redis limiter is
// the shared, restart-safe implementation; the local limiter is a
// single-process fallback for development and tests.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether a user may perform one more signing attempt.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// tokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key, ARGV[1] = refill rate per second,
// ARGV[2] = capacity, ARGV[3] = now (unix seconds, fractional).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "refilled")
local tokens = tonumber(state[1])
local refilled = tonumber(state[2])

if not tokens or not refilled then
    tokens = capacity
    refilled = now
end

local elapsed = now - refilled
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    refilled = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "refilled", refilled)
redis.call("EXPIRE", key, 120)

return allowed
`)

// RedisLimiter implements Limiter on a shared Redis instance so limits hold
// across restarts and replicas.
type RedisLimiter struct {
	client *redis.Client
	rpm    int
	burst  int
}

// NewRedisLimiter connects to addr and allows rpm requests per minute with
// the given burst capacity.
func NewRedisLimiter(addr, password string, db, rpm, burst int) *RedisLimiter {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisLimiter{client: client, rpm: rpm, burst: burst}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	key := fmt.Sprintf("signrate:%s", userID)
	rate := float64(l.rpm) / 60.0
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key}, rate, l.burst, now).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis check: %w", err)
	}
	return res == 1, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error { return l.client.Close() }
