package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmrelay/internal/store"
)

// UsageTracker maintains the per-upstream-key budget counters the key
// selector consults: requests per minute, tokens per minute and the daily
// request quota. Request counts are charged when the key is chosen; token
// counts are charged after the upstream call reports usage.
type UsageTracker struct {
	client redis.UniversalClient
	prefix string
}

// NewUsageTracker constructs a UsageTracker.
func NewUsageTracker(client redis.UniversalClient, prefix string) *UsageTracker {
	if prefix == "" {
		prefix = "rl:upstream"
	}
	return &UsageTracker{client: client, prefix: prefix}
}

func (t *UsageTracker) rpmKey(keyID uint64) string {
	return fmt.Sprintf("%s:%d:rpm", t.prefix, keyID)
}

func (t *UsageTracker) tpmKey(keyID uint64) string {
	return fmt.Sprintf("%s:%d:tpm", t.prefix, keyID)
}

func (t *UsageTracker) dailyKey(keyID uint64) string {
	return fmt.Sprintf("%s:%d:daily:%s", t.prefix, keyID, time.Now().UTC().Format("2006-01-02"))
}

// WithinBudget reports whether the key has headroom on every configured
// budget axis. A backend error fails open; starving the dispatch path on a
// Redis blip is worse than a briefly over-admitted key.
func (t *UsageTracker) WithinBudget(ctx context.Context, key *store.APIKey) bool {
	if t == nil || t.client == nil {
		return true
	}

	checks := []struct {
		redisKey string
		limit    int
	}{
		{t.rpmKey(key.ID), key.RPMLimit},
		{t.tpmKey(key.ID), key.TPMLimit},
		{t.dailyKey(key.ID), key.DailyQuota},
	}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		current, err := t.client.Get(ctx, c.redisKey).Int64()
		if err != nil && err != redis.Nil {
			return true
		}
		if current >= int64(c.limit) {
			return false
		}
	}
	return true
}

// ChargeRequest counts one request against the key's rpm and daily windows.
func (t *UsageTracker) ChargeRequest(ctx context.Context, keyID uint64) {
	if t == nil || t.client == nil {
		return
	}
	pipe := t.client.Pipeline()
	pipe.Incr(ctx, t.rpmKey(keyID))
	pipe.Expire(ctx, t.rpmKey(keyID), time.Minute)
	pipe.Incr(ctx, t.dailyKey(keyID))
	pipe.Expire(ctx, t.dailyKey(keyID), 48*time.Hour)
	_, _ = pipe.Exec(ctx)
}

// ChargeTokens counts reported token usage against the key's tpm window.
// Called after the upstream response; an in-flight response still completes
// even if this pushes the key over budget.
func (t *UsageTracker) ChargeTokens(ctx context.Context, keyID uint64, tokens int) {
	if t == nil || t.client == nil || tokens <= 0 {
		return
	}
	pipe := t.client.Pipeline()
	pipe.IncrBy(ctx, t.tpmKey(keyID), int64(tokens))
	pipe.Expire(ctx, t.tpmKey(keyID), time.Minute)
	_, _ = pipe.Exec(ctx)
}
