package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript tracks a window-start timestamp next to the counter so
// the increment and the window reset happen in one atomic eval. Returns
// {window_start, count}; Allow compares the returned count with the limit.
var slidingWindowScript = redis.NewScript(`
local window_key = KEYS[1]
local counter_key = KEYS[2]
local now = tonumber(ARGV[1])
local window_size = tonumber(ARGV[2])

local window_start = redis.call('GET', window_key)
if not window_start or (now - tonumber(window_start)) >= window_size then
    redis.call('SET', window_key, tostring(now), 'EX', window_size)
    redis.call('SET', counter_key, 1, 'EX', window_size)
    return {tostring(now), 1}
end

local count = redis.call('INCR', counter_key)
if redis.call('TTL', counter_key) == -1 then
    redis.call('EXPIRE', counter_key, window_size)
end
return {window_start, count}
`)

// RedisLimiter implements Limiter against the shared Redis store.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLimiter constructs a RedisLimiter. prefix namespaces all keys
// ("rl" by default).
func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "rl"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

// Allow atomically increments the window counter for key and compares it to
// limit. RetryAfter on denial is the window remainder.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	if window <= 0 {
		window = DefaultWindow
	}

	now := time.Now().Unix()
	windowSecs := int64(window.Seconds())

	// Hash tag keeps both keys on the same cluster node.
	tag := fmt.Sprintf("{%s:%s}", l.prefix, key)
	keys := []string{tag + ":window", tag + ":count"}

	val, err := slidingWindowScript.Run(ctx, l.client, keys, now, windowSecs).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit eval: %w", err)
	}

	pair, ok := val.([]any)
	if !ok || len(pair) != 2 {
		return Result{}, fmt.Errorf("rate limit eval: unexpected result %T", val)
	}
	windowStart := parseInt(pair[0])
	count := parseInt(pair[1])

	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}

	if count > int64(limit) {
		retryAfter := time.Duration(windowStart+windowSecs-now) * time.Second
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return Result{Allowed: false, Current: count, RetryAfter: retryAfter}, nil
	}
	return Result{Allowed: true, Current: count, Remaining: remaining}, nil
}

func parseInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	case float64:
		return int64(n)
	default:
		return 0
	}
}
