package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript gates one call. Returns 1 (allowed) or 0. Handles the
// open -> half-open transition and probe admission atomically.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local probe_limit = tonumber(ARGV[2])

local state = redis.call('HGET', key, 'state')
if not state or state == 'closed' then
    return 1
end

if state == 'open' then
    local open_until = tonumber(redis.call('HGET', key, 'open_until') or '0')
    if now < open_until then
        return 0
    end
    redis.call('HSET', key, 'state', 'half-open', 'probes', 1, 'successes', 0)
    return 1
end

-- half-open: admit up to probe_limit concurrent probes
local probes = tonumber(redis.call('HGET', key, 'probes') or '0')
if probes < probe_limit then
    redis.call('HINCRBY', key, 'probes', 1)
    return 1
end
return 0
`)

// recordScript feeds one outcome. ARGV: now, success(1/0), threshold, window,
// open_duration, max_open_duration, probe_count.
var recordScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local success = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])
local window = tonumber(ARGV[4])
local open_duration = tonumber(ARGV[5])
local max_open = tonumber(ARGV[6])
local probe_count = tonumber(ARGV[7])

local state = redis.call('HGET', key, 'state') or 'closed'

if success == 1 then
    if state == 'half-open' then
        local successes = redis.call('HINCRBY', key, 'successes', 1)
        if successes >= probe_count then
            redis.call('DEL', key)
        end
    elseif state == 'closed' then
        redis.call('HDEL', key, 'failures', 'window_start')
    end
    return redis.call('HGET', key, 'state') or 'closed'
end

-- failure
if state == 'half-open' then
    local dur = tonumber(redis.call('HGET', key, 'open_dur') or tostring(open_duration))
    dur = dur * 2
    if dur > max_open then dur = max_open end
    redis.call('HSET', key, 'state', 'open', 'open_until', now + dur, 'open_dur', dur, 'probes', 0, 'successes', 0)
    return 'open'
end

if state == 'open' then
    return 'open'
end

-- closed: count failures in the rolling window
local window_start = tonumber(redis.call('HGET', key, 'window_start') or '0')
local failures
if window_start == 0 or (now - window_start) >= window then
    redis.call('HSET', key, 'window_start', now, 'failures', 1)
    failures = 1
else
    failures = redis.call('HINCRBY', key, 'failures', 1)
end

if failures >= threshold then
    redis.call('HSET', key, 'state', 'open', 'open_until', now + open_duration, 'open_dur', open_duration, 'probes', 0, 'successes', 0)
    return 'open'
end
return 'closed'
`)

// RedisBreaker implements Breaker on the shared store.
type RedisBreaker struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
}

// NewRedisBreaker constructs a RedisBreaker.
func NewRedisBreaker(client redis.UniversalClient, cfg Config) *RedisBreaker {
	return &RedisBreaker{
		client: client,
		cfg:    cfg.withDefaults(),
		prefix: "cb",
	}
}

func (b *RedisBreaker) key(providerID uint64) string {
	return fmt.Sprintf("%s:%d", b.prefix, providerID)
}

// Allow reports whether a call may proceed, claiming a probe slot in
// half-open. A store error fails open: excluding every provider because
// Redis blinked would turn a partial outage into a full one.
func (b *RedisBreaker) Allow(ctx context.Context, providerID uint64) (bool, error) {
	val, err := allowScript.Run(ctx, b.client, []string{b.key(providerID)},
		time.Now().Unix(), b.cfg.ProbeCount).Int()
	if err != nil {
		return true, fmt.Errorf("breaker allow: %w", err)
	}
	return val == 1, nil
}

// RecordSuccess feeds a success.
func (b *RedisBreaker) RecordSuccess(ctx context.Context, providerID uint64) error {
	return b.record(ctx, providerID, true)
}

// RecordFailure feeds a breaker-tripping failure.
func (b *RedisBreaker) RecordFailure(ctx context.Context, providerID uint64) error {
	return b.record(ctx, providerID, false)
}

func (b *RedisBreaker) record(ctx context.Context, providerID uint64, success bool) error {
	flag := 0
	if success {
		flag = 1
	}
	err := recordScript.Run(ctx, b.client, []string{b.key(providerID)},
		time.Now().Unix(), flag,
		b.cfg.FailureThreshold,
		int64(b.cfg.Window.Seconds()),
		int64(b.cfg.OpenDuration.Seconds()),
		int64(b.cfg.MaxOpenDuration.Seconds()),
		b.cfg.ProbeCount,
	).Err()
	if err != nil {
		return fmt.Errorf("breaker record: %w", err)
	}
	return nil
}

// Reset forces the circuit closed.
func (b *RedisBreaker) Reset(ctx context.Context, providerID uint64) error {
	return b.client.Del(ctx, b.key(providerID)).Err()
}

// Snapshot returns the current circuit state.
func (b *RedisBreaker) Snapshot(ctx context.Context, providerID uint64) (Snapshot, error) {
	fields, err := b.client.HGetAll(ctx, b.key(providerID)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("breaker snapshot: %w", err)
	}

	snap := Snapshot{State: StateClosed}
	if s, ok := fields["state"]; ok && s != "" {
		snap.State = State(s)
	}
	if f, ok := fields["failures"]; ok {
		snap.Failures, _ = strconv.Atoi(f)
	}
	if u, ok := fields["open_until"]; ok {
		if secs, err := strconv.ParseInt(u, 10, 64); err == nil {
			snap.OpenUntil = time.Unix(secs, 0)
		}
	}
	return snap, nil
}
