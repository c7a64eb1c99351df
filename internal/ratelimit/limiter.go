// Package ratelimit enforces the request-rate gates: a sliding-window counter
// per axis (global, per client key, per client IP) backed by the shared Redis
// store, plus the per-upstream-key budget counters the key selector consults.
// A process-local token-bucket limiter is available as an explicit opt-in for
// single-process deployments.
package ratelimit

import (
	"context"
	"time"
)

// DefaultWindow is the sliding window length.
const DefaultWindow = time.Minute

// Result describes one limiter decision.
type Result struct {
	Allowed    bool
	Current    int64
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter is a windowed counter: one call consumes one count atomically.
type Limiter interface {
	// Allow increments the counter for key and reports whether the resulting
	// count is within limit. limit <= 0 means unlimited.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// Axis names, used in limiter keys and denial messages.
const (
	AxisGlobal = "global"
	AxisKey    = "key"
	AxisIP     = "ip"
)
