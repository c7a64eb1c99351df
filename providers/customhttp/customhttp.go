// Package customhttp provides the custom-http provider adapter: an arbitrary
// OpenAI-dialect endpoint identified only by its base URL. A base URL is
// mandatory since there is no sensible default.
package customhttp

import (
	"fmt"

	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/providers/openailike"
)

const ProviderName = "custom-http"

var providerInfo = openailike.Info{
	Name: ProviderName,
	Capabilities: []provider.Capability{
		provider.CapabilityChat,
		provider.CapabilityCompletion,
		provider.CapabilityEmbedding,
	},
}

// Adapter implements the custom-http adapter.
type Adapter struct{ *openailike.Adapter }

// New creates a new custom-http adapter pointing at baseURL.
func New(baseURL string, opts ...openailike.Option) *Adapter {
	opts = append([]openailike.Option{openailike.WithBaseURL(baseURL)}, opts...)
	return &Adapter{Adapter: openailike.New(providerInfo, opts...)}
}

// NewFromConfig creates an adapter from a provider.Config.
func NewFromConfig(cfg provider.Config) (provider.Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("custom-http provider %q: base_url is required", cfg.Name)
	}
	return openailike.NewFromConfig(providerInfo, cfg)
}
