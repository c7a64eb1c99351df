// Package ollama provides the Ollama provider adapter. Ollama exposes an
// OpenAI-compatible surface under /v1, so the shared dialect applies; no API
// key is required for local deployments and the Authorization header is
// simply absent when the credential is empty.
package ollama

import (
	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/providers/openailike"
)

const (
	ProviderName   = "ollama"
	DefaultBaseURL = "http://localhost:11434/v1"
)

var providerInfo = openailike.Info{
	Name:           ProviderName,
	DefaultBaseURL: DefaultBaseURL,
	Capabilities: []provider.Capability{
		provider.CapabilityChat,
		provider.CapabilityCompletion,
		provider.CapabilityEmbedding,
		provider.CapabilityListModels,
	},
}

// Adapter implements the Ollama adapter.
type Adapter struct{ *openailike.Adapter }

// New creates a new Ollama adapter.
func New(opts ...openailike.Option) *Adapter {
	return &Adapter{Adapter: openailike.New(providerInfo, opts...)}
}

// NewFromConfig creates an adapter from a provider.Config.
func NewFromConfig(cfg provider.Config) (provider.Adapter, error) {
	return openailike.NewFromConfig(providerInfo, cfg)
}
