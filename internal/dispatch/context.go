// Package dispatch drives one request through the candidate list: circuit
// gate, key selection, unsealing, the adapter call, and outcome feedback,
// advancing on recoverable failures until success or exhaustion.
package dispatch

import (
	"time"

	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
)

// Attempt records one candidate invocation for audit and telemetry.
type Attempt struct {
	Provider      string            `json:"provider"`
	ProviderID    uint64            `json:"provider_id"`
	ProviderModel string            `json:"provider_model"`
	KeyID         string            `json:"key_id,omitempty"`
	Outcome       llmerrors.Outcome `json:"outcome"`
	Message       string            `json:"message,omitempty"`
	LatencyMs     int64             `json:"latency_ms"`
}

// RequestContext is the per-call transient state threaded through the engine.
type RequestContext struct {
	RequestID string
	Principal string
	ClientIP  string
	Alias     string
	Start     time.Time

	// Attempts accumulates one entry per candidate invocation, including
	// circuit_open and no_key skips where no adapter ran.
	Attempts []Attempt
}

// NewRequestContext creates a RequestContext for one client call.
func NewRequestContext(requestID, principal, clientIP string) *RequestContext {
	return &RequestContext{
		RequestID: requestID,
		Principal: principal,
		ClientIP:  clientIP,
		Start:     time.Now(),
	}
}

func (rc *RequestContext) record(a Attempt) {
	rc.Attempts = append(rc.Attempts, a)
}

// FallbackCount returns how many attempts happened beyond the first.
func (rc *RequestContext) FallbackCount() int {
	if len(rc.Attempts) <= 1 {
		return 0
	}
	return len(rc.Attempts) - 1
}

// LastUpstreamMessage returns the most recent attempt message, for the final
// error body after exhaustion.
func (rc *RequestContext) LastUpstreamMessage() string {
	for i := len(rc.Attempts) - 1; i >= 0; i-- {
		if rc.Attempts[i].Message != "" {
			return rc.Attempts[i].Message
		}
	}
	return ""
}
