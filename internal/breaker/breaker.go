// Package breaker implements the per-provider circuit breaker. State lives in
// the shared Redis store so a horizontally scaled fleet agrees on whether a
// provider is excluded; all transitions run inside Lua scripts so concurrent
// processes cannot multi-count the same failure window. An in-memory variant
// exists as an explicit opt-in for single-process deployments.
package breaker

import (
	"context"
	"time"
)

// State is the circuit state for one provider.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds the breaker parameters: failure threshold F over rolling
// window W opens the circuit for D, growing up to MaxOpenDuration on failed
// recovery; ProbeCount P calls are admitted in half-open.
type Config struct {
	FailureThreshold int
	Window           time.Duration
	OpenDuration     time.Duration
	MaxOpenDuration  time.Duration
	ProbeCount       int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		OpenDuration:     30 * time.Second,
		MaxOpenDuration:  10 * time.Minute,
		ProbeCount:       3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = d.OpenDuration
	}
	if c.MaxOpenDuration < c.OpenDuration {
		c.MaxOpenDuration = d.MaxOpenDuration
	}
	if c.ProbeCount <= 0 {
		c.ProbeCount = d.ProbeCount
	}
	return c
}

// Snapshot is a read-only view of one provider's circuit.
type Snapshot struct {
	State     State
	Failures  int
	OpenUntil time.Time
}

// Breaker gates calls per provider id.
type Breaker interface {
	// Allow reports whether a call to the provider may proceed. In half-open
	// it also claims one probe slot.
	Allow(ctx context.Context, providerID uint64) (bool, error)

	// RecordSuccess feeds a successful attempt into the state machine.
	RecordSuccess(ctx context.Context, providerID uint64) error

	// RecordFailure feeds a breaker-tripping failure into the state machine.
	// Callers filter outcomes; only server_error, timeout and network_error
	// count.
	RecordFailure(ctx context.Context, providerID uint64) error

	// Reset forces the circuit closed (operator action).
	Reset(ctx context.Context, providerID uint64) error

	// Snapshot returns the current state for observability.
	Snapshot(ctx context.Context, providerID uint64) (Snapshot, error)
}
