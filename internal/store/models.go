// Package store holds the persistent configuration records the dispatch core
// reads: providers, their credentials, and model mappings. The admin surface
// that mutates these rows lives outside this module; here they are
// read-mostly, refreshed on a short interval by the callers that cache them.
package store

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/datatypes"
)

// Provider status values.
const (
	ProviderEnabled  = "enabled"
	ProviderDisabled = "disabled"
)

// API key status values.
const (
	KeyActive   = "active"
	KeyDisabled = "disabled"
	KeyFailed   = "failed"
)

// Provider is a named upstream.
type Provider struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name    string `gorm:"type:varchar(100);not null;uniqueIndex"` // Unique provider name.
	Type    string `gorm:"type:varchar(50);not null"`              // openai, anthropic, ollama, mock, custom-http.
	BaseURL string `gorm:"type:text"`                              // Base URL override.

	TimeoutSeconds int `gorm:"not null;default:30"` // Per-attempt timeout.
	MaxRetries     int `gorm:"not null;default:3"`  // Same-provider retry budget.

	Status string `gorm:"type:varchar(20);not null;default:enabled;index"` // enabled or disabled.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Timeout returns the per-attempt timeout as a duration.
func (p *Provider) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// APIKey is an upstream credential owned by exactly one provider.
// Ciphertext is opaque here; only the key vault can unseal it. Masked is
// fixed at creation and is the only form that ever reaches logs.
type APIKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ProviderID uint64 `gorm:"not null;index:idx_key_provider_status;index:idx_key_provider_priority;uniqueIndex:uq_provider_key_id"` // Owning provider.
	KeyID      string `gorm:"type:varchar(100);not null;uniqueIndex:uq_provider_key_id"`                                             // Stable log handle.

	Ciphertext string `gorm:"type:text;not null"`        // Sealed secret.
	Masked     string `gorm:"type:varchar(20);not null"` // "…abcd" display form.

	Priority   int `gorm:"not null;default:100;index:idx_key_provider_priority"` // Lower is preferred.
	RPMLimit   int `gorm:"not null;default:0"`                                   // Requests per minute, 0 = unlimited.
	TPMLimit   int `gorm:"not null;default:0"`                                   // Tokens per minute, 0 = unlimited.
	DailyQuota int `gorm:"not null;default:0"`                                   // Requests per day, 0 = unlimited.

	Status              string     `gorm:"type:varchar(20);not null;default:active;index:idx_key_provider_status"` // active, disabled, failed.
	ConsecutiveFailures int        `gorm:"not null;default:0"`                                                     // Failure streak (any failure outcome); reset on success.
	LastFailedAt        *time.Time // Most recent failure.
	LastUsedAt          *time.Time // Most recent successful use.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// ModelMapping binds a client alias to one provider-native model.
// (Alias, OrderIndex) is unique; at most one mapping per alias is default.
type ModelMapping struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Alias         string `gorm:"type:varchar(200);not null;uniqueIndex:uq_alias_order;index"` // Client-visible model name.
	ProviderID    uint64 `gorm:"not null;index"`                                              // Target provider.
	ProviderModel string `gorm:"type:varchar(200);not null"`                                  // Provider-native model name.

	OrderIndex int  `gorm:"not null;default:0;uniqueIndex:uq_alias_order"` // Smaller tried first.
	IsDefault  bool `gorm:"not null;default:false"`                        // Preferred mapping for the alias.

	Override datatypes.JSON `gorm:"type:jsonb"` // Closed override schema, see Override type.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Override is the closed per-mapping config schema. Unknown keys are rejected
// at admin ingest, not at dispatch time.
type Override struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`

	// Forced makes the override win over client-supplied values. Default is
	// client-wins.
	Forced bool `json:"forced,omitempty"`
}

// DecodeOverride parses the mapping's override column. An empty column yields
// a zero Override.
func (m *ModelMapping) DecodeOverride() (Override, error) {
	var out Override
	if len(m.Override) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(m.Override, &out); err != nil {
		return out, fmt.Errorf("mapping %d: decode override: %w", m.ID, err)
	}
	return out, nil
}

// ValidateOverride rejects unknown override keys. Used on the admin ingest
// path so dispatch never sees a malformed override.
func ValidateOverride(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return fmt.Errorf("override must be a JSON object: %w", err)
	}
	for key := range keys {
		switch key {
		case "temperature", "max_tokens", "top_p", "stop", "forced":
		default:
			return fmt.Errorf("unknown override key %q", key)
		}
	}
	var out Override
	return json.Unmarshal(raw, &out)
}

// RequestAudit records one proxied request and its attempt chain.
// Rows are written asynchronously after the response is finished.
type RequestAudit struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID string `gorm:"type:varchar(100);not null;uniqueIndex"` // Request id echoed to the client.
	ClientIP  string `gorm:"type:varchar(45)"`                       // Remote address.
	Endpoint  string `gorm:"type:varchar(200);not null"`             // Client endpoint path.
	Alias     string `gorm:"type:varchar(200);index"`                // Requested model alias.

	ProviderID    uint64 `gorm:"index"`             // Winning provider, 0 if none.
	ProviderModel string `gorm:"type:varchar(200)"` // Winning provider model.
	KeyID         string `gorm:"type:varchar(100)"` // Winning key handle.

	StatusCode    int            // Client-facing status.
	LatencyMs     int            // End-to-end latency.
	PromptTokens  int            // From upstream usage.
	OutputTokens  int            // From upstream usage.
	AttemptChain  datatypes.JSON `gorm:"type:jsonb"`         // Ordered attempt outcomes.
	FallbackCount int            `gorm:"not null;default:0"` // Attempts beyond the first.
	ErrorOutcome  string         `gorm:"type:varchar(50)"`   // Final outcome when failed.
	ErrorMessage  string         `gorm:"type:text"`          // Sanitized final error.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
