package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAttemptLimiter bounds purchase attempts per holder using a
// token bucket kept in Redis, so the budget is shared across all
// server instances.  The bucket state and refill are evaluated in a
// single Lua script to stay atomic under concurrent requests.
type RedisAttemptLimiter struct {
	rdb      *redis.Client
	prefix   string
	capacity int
	refill   time.Duration
	ttl      time.Duration
	script   *redis.Script
}

// NewRedisAttemptLimiter builds a limiter allowing capacity attempts
// per holder, refilling one token every refill interval.  A nil client
// is tolerated by callers treating the limiter as disabled.
func NewRedisAttemptLimiter(rdb *redis.Client, prefix string, capacity int, refill time.Duration) *RedisAttemptLimiter {
	if capacity < 1 {
		capacity = 1
	}
	if refill <= 0 {
		refill = time.Minute
	}
	return &RedisAttemptLimiter{
		rdb:      rdb,
		prefix:   prefix,
		capacity: capacity,
		refill:   refill,
		ttl:      10 * time.Duration(capacity) * refill,
		script: redis.NewScript(`
			local key = KEYS[1]
			local now_ms = tonumber(ARGV[1])
			local capacity = tonumber(ARGV[2])
			local interval_ms = tonumber(ARGV[3])
			local ttl_seconds = tonumber(ARGV[4])

			local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
			local tokens = tonumber(state[1])
			local last_refill = tonumber(state[2])

			if tokens == nil or last_refill == nil then
				tokens = capacity
				last_refill = now_ms
			end

			local elapsed = math.max(0, now_ms - last_refill)
			local intervals = math.floor(elapsed / interval_ms)
			if intervals > 0 then
				tokens = math.min(capacity, tokens + intervals)
				last_refill = last_refill + (intervals * interval_ms)
			end

			local allowed = 0
			local retry_after_ms = 0
			if tokens > 0 then
				allowed = 1
				tokens = tokens - 1
			else
				retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
			end

			redis.call('HMSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
			redis.call('EXPIRE', key, ttl_seconds)

			return { allowed, retry_after_ms }
		`),
	}
}

// Allow consumes one attempt token for the holder.  It reports whether
// the attempt may proceed and, when throttled, how long until the next
// token.
func (l *RedisAttemptLimiter) Allow(ctx context.Context, holderID uint64) (bool, time.Duration, error) {
	if l.rdb == nil {
		return true, 0, nil
	}
	key := fmt.Sprintf("%s:intent:%d", l.prefix, holderID)
	vals, err := l.script.Run(ctx, l.rdb, []string{key},
		time.Now().UnixMilli(),
		l.capacity,
		l.refill.Milliseconds(),
		int64(l.ttl/time.Second),
	).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script result %#v", vals)
	}
	allowed := asInt64(arr[0]) == 1
	retryAfter := time.Duration(asInt64(arr[1])) * time.Millisecond
	return allowed, retryAfter, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		var n int64
		_, _ = fmt.Sscan(t, &n)
		return n
	default:
		return 0
	}
}
