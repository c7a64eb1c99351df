package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryLimiter is the process-local fallback for single-process deployments.
// It approximates the window counter with per-key token buckets; cooldown of
// idle entries bounds memory.
type MemoryLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	cleanupTTL time.Duration
}

// NewMemoryLimiter constructs a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		cleanupTTL: 10 * time.Minute,
	}
	go m.cleanupLoop()
	return m
}

// Allow consumes one token from the bucket for key.
func (m *MemoryLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	if window <= 0 {
		window = DefaultWindow
	}

	m.mu.Lock()
	lim, ok := m.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit)
		m.limiters[key] = lim
	}
	m.lastAccess[key] = time.Now()
	m.mu.Unlock()

	if lim.Allow() {
		return Result{Allowed: true, Remaining: int64(lim.Tokens())}, nil
	}

	// Next token arrives at 1/rate; that is the honest Retry-After here.
	retryAfter := time.Duration(float64(time.Second) / float64(lim.Limit()))
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return Result{Allowed: false, RetryAfter: retryAfter}, nil
}

func (m *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-m.cleanupTTL)
		m.mu.Lock()
		for key, last := range m.lastAccess {
			if last.Before(cutoff) {
				delete(m.limiters, key)
				delete(m.lastAccess, key)
			}
		}
		m.mu.Unlock()
	}
}
