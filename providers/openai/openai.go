// Package openai provides the OpenAI provider adapter. It is the passthrough
// reference dialect: client bodies are forwarded unchanged apart from the
// model rewrite.
package openai

import (
	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/providers/openailike"
)

const (
	ProviderName   = "openai"
	DefaultBaseURL = "https://api.openai.com/v1"
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

// Adapter implements the OpenAI API dialect.
type Adapter struct{ *openailike.Adapter }

// New creates a new OpenAI adapter.
func New(opts ...openailike.Option) *Adapter {
	return &Adapter{Adapter: openailike.New(providerInfo, opts...)}
}

// NewFromConfig creates an adapter from a provider.Config.
func NewFromConfig(cfg provider.Config) (provider.Adapter, error) {
	return openailike.NewFromConfig(providerInfo, cfg)
}
