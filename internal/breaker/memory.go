package breaker

import (
	"context"
	"sync"
	"time"
)

// MemoryBreaker implements Breaker in process memory. Only suitable for
// single-process deployments; a fleet must use RedisBreaker so all processes
// agree on provider exclusion.
type MemoryBreaker struct {
	cfg Config

	mu       sync.Mutex
	circuits map[uint64]*circuit
}

type circuit struct {
	state       State
	failures    int
	successes   int
	probes      int
	windowStart time.Time
	openUntil   time.Time
	openDur     time.Duration
}

// NewMemoryBreaker constructs a MemoryBreaker.
func NewMemoryBreaker(cfg Config) *MemoryBreaker {
	return &MemoryBreaker{
		cfg:      cfg.withDefaults(),
		circuits: make(map[uint64]*circuit),
	}
}

func (b *MemoryBreaker) circuitFor(providerID uint64) *circuit {
	c, ok := b.circuits[providerID]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[providerID] = c
	}
	return c
}

// Allow reports whether a call may proceed.
func (b *MemoryBreaker) Allow(ctx context.Context, providerID uint64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(providerID)
	switch c.state {
	case StateClosed:
		return true, nil
	case StateOpen:
		if time.Now().Before(c.openUntil) {
			return false, nil
		}
		c.state = StateHalfOpen
		c.probes = 1
		c.successes = 0
		return true, nil
	default: // half-open
		if c.probes < b.cfg.ProbeCount {
			c.probes++
			return true, nil
		}
		return false, nil
	}
}

// RecordSuccess feeds a success.
func (b *MemoryBreaker) RecordSuccess(ctx context.Context, providerID uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(providerID)
	switch c.state {
	case StateHalfOpen:
		c.successes++
		if c.successes >= b.cfg.ProbeCount {
			delete(b.circuits, providerID)
		}
	case StateClosed:
		c.failures = 0
		c.windowStart = time.Time{}
	}
	return nil
}

// RecordFailure feeds a breaker-tripping failure.
func (b *MemoryBreaker) RecordFailure(ctx context.Context, providerID uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	c := b.circuitFor(providerID)
	switch c.state {
	case StateHalfOpen:
		dur := c.openDur * 2
		if dur == 0 {
			dur = b.cfg.OpenDuration * 2
		}
		if dur > b.cfg.MaxOpenDuration {
			dur = b.cfg.MaxOpenDuration
		}
		c.state = StateOpen
		c.openDur = dur
		c.openUntil = now.Add(dur)
		c.probes = 0
		c.successes = 0
	case StateClosed:
		if c.windowStart.IsZero() || now.Sub(c.windowStart) >= b.cfg.Window {
			c.windowStart = now
			c.failures = 1
		} else {
			c.failures++
		}
		if c.failures >= b.cfg.FailureThreshold {
			c.state = StateOpen
			c.openDur = b.cfg.OpenDuration
			c.openUntil = now.Add(b.cfg.OpenDuration)
		}
	}
	return nil
}

// Reset forces the circuit closed.
func (b *MemoryBreaker) Reset(ctx context.Context, providerID uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, providerID)
	return nil
}

// Snapshot returns the current circuit state.
func (b *MemoryBreaker) Snapshot(ctx context.Context, providerID uint64) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[providerID]
	if !ok {
		return Snapshot{State: StateClosed}, nil
	}
	return Snapshot{State: c.state, Failures: c.failures, OpenUntil: c.openUntil}, nil
}
