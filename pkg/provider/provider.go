// Package provider defines the contract every upstream adapter implements.
// Adapters translate OpenAI-shaped requests into the upstream dialect and
// normalize responses back; the dispatch engine owns the HTTP transport and
// passes the unsealed credential in per call, so adapters stay stateless.
package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Capability names one operation an adapter may support.
type Capability string

const (
	CapabilityChat       Capability = "chat_completion"
	CapabilityCompletion Capability = "completion"
	CapabilityEmbedding  Capability = "embedding"
	CapabilityListModels Capability = "list_models"
)

// ErrUnsupported is returned by Build* methods for capabilities the adapter
// did not declare.
var ErrUnsupported = errors.New("operation not supported by provider")

// Credentials carries the unsealed secret for exactly one upstream call.
// It must not be retained by the adapter.
type Credentials struct {
	APIKey string
}

// Adapter is the provider-dialect translation layer. Build methods receive
// the request with Model already rewritten to the provider-native name.
type Adapter interface {
	// Name returns the provider type identifier (e.g. "openai", "anthropic").
	Name() string

	// Capabilities returns the operations this adapter supports.
	Capabilities() []Capability

	// BuildChatRequest creates the upstream HTTP request for a chat completion.
	BuildChatRequest(ctx context.Context, req *types.ChatRequest, creds Credentials) (*http.Request, error)

	// BuildCompletionRequest creates the upstream HTTP request for a legacy completion.
	BuildCompletionRequest(ctx context.Context, req *types.CompletionRequest, creds Credentials) (*http.Request, error)

	// BuildEmbeddingRequest creates the upstream HTTP request for an embedding.
	BuildEmbeddingRequest(ctx context.Context, req *types.EmbeddingRequest, creds Credentials) (*http.Request, error)

	// ParseChatResponse normalizes a successful upstream chat response.
	ParseChatResponse(resp *http.Response) (*types.ChatResponse, error)

	// ParseCompletionResponse normalizes a successful upstream completion response.
	ParseCompletionResponse(resp *http.Response) (*types.CompletionResponse, error)

	// ParseEmbeddingResponse normalizes a successful upstream embedding response.
	ParseEmbeddingResponse(resp *http.Response) (*types.EmbeddingResponse, error)

	// ParseStreamChunk parses one SSE data line into a normalized chunk.
	// Returns nil, nil for keep-alives and non-content events.
	ParseStreamChunk(data []byte) (*types.StreamChunk, error)

	// MapError classifies an upstream error status and body into a
	// *errors.ProxyError carrying the normalized Outcome.
	MapError(statusCode int, body []byte) error
}

// Supports reports whether the adapter declares the given capability.
func Supports(a Adapter, c Capability) bool {
	for _, have := range a.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}

// Config is the static configuration an adapter is constructed from.
// Credentials are deliberately absent; they arrive per call.
type Config struct {
	Name       string
	Type       string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Headers    map[string]string
}

// Factory creates adapter instances from configuration.
type Factory func(cfg Config) (Adapter, error)
