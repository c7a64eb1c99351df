// Package keyselect picks one upstream credential per attempt. Eligibility
// filtering (status, local cooldown, window budgets) is followed by a
// configurable strategy. Health is tracked per process: a wrong decision in
// one process is benign, and keeping it local keeps the hot path off the
// shared store.
package keyselect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/llmrelay/internal/ratelimit"
	"github.com/blueberrycongee/llmrelay/internal/store"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
)

// Strategy selects among eligible keys.
type Strategy string

const (
	StrategyPriority   Strategy = "priority"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastUsed  Strategy = "least_used"
)

const (
	// failureThreshold is the consecutive failure count at which an auth or
	// quota failure demotes a key to failed. Timeout, network and server
	// errors add to the same count but never demote a key by themselves.
	failureThreshold = 3

	// maxCooldown bounds the Retry-After honored for a rate-limited key.
	maxCooldown = 60 * time.Second

	// keyListTTL bounds how stale the cached credential list may be.
	keyListTTL = 5 * time.Second
)

// keyHealth is the per-process ephemeral state for one credential.
type keyHealth struct {
	consecutiveFailures atomic.Int32
	openUntilNano       atomic.Int64
	evicted             atomic.Bool
	lastUsedNano        atomic.Int64

	windowStartNano atomic.Int64
	windowUsed      atomic.Int64
}

func (h *keyHealth) inCooldown(now time.Time) bool {
	return h.openUntilNano.Load() > now.UnixNano()
}

// usedThisWindow returns the per-minute usage counter, resetting it when the
// window rolls over.
func (h *keyHealth) usedThisWindow(now time.Time) int64 {
	start := h.windowStartNano.Load()
	if now.UnixNano()-start >= int64(time.Minute) {
		if h.windowStartNano.CompareAndSwap(start, now.UnixNano()) {
			h.windowUsed.Store(0)
		}
	}
	return h.windowUsed.Load()
}

// Selector picks and tracks upstream credentials.
type Selector struct {
	store    *store.Store
	usage    *ratelimit.UsageTracker
	strategy Strategy
	logger   *slog.Logger

	health sync.Map // key id -> *keyHealth

	cursorMu sync.Mutex
	cursors  map[uint64]int // provider id -> round-robin cursor

	keyCache *gocache.Cache
}

// New constructs a Selector. usage may be nil when budget tracking is
// disabled.
func New(st *store.Store, usage *ratelimit.UsageTracker, strategy Strategy, logger *slog.Logger) *Selector {
	if strategy == "" {
		strategy = StrategyPriority
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		store:    st,
		usage:    usage,
		strategy: strategy,
		logger:   logger,
		cursors:  make(map[uint64]int),
		keyCache: gocache.New(keyListTTL, 2*keyListTTL),
	}
}

func (s *Selector) healthFor(keyID uint64) *keyHealth {
	if h, ok := s.health.Load(keyID); ok {
		return h.(*keyHealth)
	}
	h, _ := s.health.LoadOrStore(keyID, &keyHealth{})
	return h.(*keyHealth)
}

func (s *Selector) activeKeys(ctx context.Context, providerID uint64) ([]store.APIKey, error) {
	cacheKey := fmt.Sprintf("%d", providerID)
	if cached, ok := s.keyCache.Get(cacheKey); ok {
		return cached.([]store.APIKey), nil
	}
	keys, err := s.store.ActiveKeys(ctx, providerID)
	if err != nil {
		return nil, err
	}
	s.keyCache.Set(cacheKey, keys, gocache.DefaultExpiration)
	return keys, nil
}

// Pick returns one eligible credential for the provider and charges one
// request against its budget window. Keys in exclude were already tried in
// this request and are skipped. Returns a no_key outcome when the pool is
// empty.
func (s *Selector) Pick(ctx context.Context, providerID uint64, exclude ...uint64) (*store.APIKey, error) {
	keys, err := s.activeKeys(ctx, providerID)
	if err != nil {
		return nil, llmerrors.NewInternal(fmt.Sprintf("load keys: %v", err))
	}

	excluded := make(map[uint64]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	now := time.Now()
	eligible := make([]store.APIKey, 0, len(keys))
	for _, key := range keys {
		if _, skip := excluded[key.ID]; skip {
			continue
		}
		h := s.healthFor(key.ID)
		if h.evicted.Load() || h.inCooldown(now) {
			continue
		}
		if s.usage != nil && !s.usage.WithinBudget(ctx, &key) {
			continue
		}
		eligible = append(eligible, key)
	}
	if len(eligible) == 0 {
		return nil, llmerrors.NewUpstream(llmerrors.OutcomeNoKey, "", "", "no eligible API key")
	}

	var chosen *store.APIKey
	switch s.strategy {
	case StrategyRoundRobin:
		chosen = s.pickRoundRobin(providerID, eligible)
	case StrategyLeastUsed:
		chosen = s.pickLeastUsed(eligible, now)
	default:
		chosen = s.pickPriority(eligible)
	}

	h := s.healthFor(chosen.ID)
	h.usedThisWindow(now)
	h.windowUsed.Add(1)
	if s.usage != nil {
		s.usage.ChargeRequest(ctx, chosen.ID)
	}
	return chosen, nil
}

// pickPriority selects the lowest priority value; ties break toward the
// least-recently-used key.
func (s *Selector) pickPriority(eligible []store.APIKey) *store.APIKey {
	best := &eligible[0]
	bestUsed := s.healthFor(best.ID).lastUsedNano.Load()
	for i := 1; i < len(eligible); i++ {
		k := &eligible[i]
		used := s.healthFor(k.ID).lastUsedNano.Load()
		if k.Priority < best.Priority || (k.Priority == best.Priority && used < bestUsed) {
			best = k
			bestUsed = used
		}
	}
	return best
}

// pickRoundRobin advances a per-provider cursor over the eligible pool. The
// cursor is taken modulo the current pool size, so it always lands on an
// eligible key; ineligible keys are already filtered out above, and the pool
// is never empty here.
func (s *Selector) pickRoundRobin(providerID uint64, eligible []store.APIKey) *store.APIKey {
	s.cursorMu.Lock()
	idx := s.cursors[providerID] % len(eligible)
	s.cursors[providerID] = idx + 1
	s.cursorMu.Unlock()
	return &eligible[idx]
}

// pickLeastUsed selects the key with the smallest usage count this window.
func (s *Selector) pickLeastUsed(eligible []store.APIKey, now time.Time) *store.APIKey {
	best := &eligible[0]
	bestUsed := s.healthFor(best.ID).usedThisWindow(now)
	for i := 1; i < len(eligible); i++ {
		k := &eligible[i]
		used := s.healthFor(k.ID).usedThisWindow(now)
		if used < bestUsed {
			best = k
			bestUsed = used
		}
	}
	return best
}

// Observe feeds the attempt outcome back into key health. tokens is the
// usage reported by the provider (0 when unknown); retryAfter is the parsed
// upstream Retry-After for rate_limited outcomes.
func (s *Selector) Observe(ctx context.Context, key *store.APIKey, outcome llmerrors.Outcome, tokens int, retryAfter time.Duration) {
	h := s.healthFor(key.ID)

	switch outcome {
	case llmerrors.OutcomeOK:
		h.consecutiveFailures.Store(0)
		h.lastUsedNano.Store(time.Now().UnixNano())
		if s.usage != nil && tokens > 0 {
			s.usage.ChargeTokens(ctx, key.ID, tokens)
		}
		if err := s.store.RecordKeySuccess(ctx, key.ID); err != nil {
			s.logger.Warn("record key success", "key_id", key.KeyID, "error", err)
		}

	case llmerrors.OutcomeAuthFailed, llmerrors.OutcomeQuotaExhausted:
		failures := h.consecutiveFailures.Add(1)
		if err := s.store.RecordKeyFailure(ctx, key.ID); err != nil {
			s.logger.Warn("record key failure", "key_id", key.KeyID, "error", err)
		}
		if failures >= failureThreshold {
			h.evicted.Store(true)
			s.keyCache.Flush()
			if err := s.store.MarkKeyFailed(ctx, key.ID); err != nil {
				s.logger.Warn("mark key failed", "key_id", key.KeyID, "error", err)
			}
			s.logger.Warn("key demoted after repeated failures",
				"key_id", key.KeyID, "outcome", outcome, "failures", failures)
		}

	case llmerrors.OutcomeRateLimited:
		cooldown := retryAfter
		if cooldown <= 0 {
			cooldown = time.Second
		}
		if cooldown > maxCooldown {
			cooldown = maxCooldown
		}
		h.openUntilNano.Store(time.Now().Add(cooldown).UnixNano())

	case llmerrors.OutcomeTimeout, llmerrors.OutcomeNetworkError, llmerrors.OutcomeServerError:
		h.consecutiveFailures.Add(1)
		if err := s.store.RecordKeyFailure(ctx, key.ID); err != nil {
			s.logger.Warn("record key failure", "key_id", key.KeyID, "error", err)
		}
	}
}

// ChargeTokens charges post-call token usage without re-touching key health.
// Used by the streaming path, where usage arrives after the attempt already
// succeeded.
func (s *Selector) ChargeTokens(ctx context.Context, keyID uint64, tokens int) {
	if s.usage != nil && tokens > 0 {
		s.usage.ChargeTokens(ctx, keyID, tokens)
	}
}

// ResetKey clears the local eviction and cooldown for a key (operator
// action, after the record itself has been re-activated).
func (s *Selector) ResetKey(keyID uint64) {
	h := s.healthFor(keyID)
	h.evicted.Store(false)
	h.consecutiveFailures.Store(0)
	h.openUntilNano.Store(0)
	s.keyCache.Flush()
}
