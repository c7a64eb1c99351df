// Package providers provides a unified registry for all provider adapters.
// Adapters are created from configuration records via registered factories.
package providers

import (
	"fmt"
	"sync"

	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/providers/anthropic"
	"github.com/blueberrycongee/llmrelay/providers/customhttp"
	"github.com/blueberrycongee/llmrelay/providers/mock"
	"github.com/blueberrycongee/llmrelay/providers/ollama"
	"github.com/blueberrycongee/llmrelay/providers/openai"
)

var (
	registry     = make(map[string]provider.Factory)
	registryOnce sync.Once
	registryMu   sync.RWMutex
)

// Register registers a factory for the given provider type.
func Register(providerType string, factory provider.Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[providerType] = factory
}

// Get returns the factory for the given provider type.
func Get(providerType string) (provider.Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[providerType]
	return f, ok
}

// Create creates an adapter instance from configuration.
func Create(cfg provider.Config) (provider.Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s (available: %v)", cfg.Type, List())
	}
	return factory(cfg)
}

// List returns all registered provider type names.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// RegisterBuiltins registers the closed set of built-in provider types.
func RegisterBuiltins() {
	registryOnce.Do(func() {
		Register(openai.ProviderName, openai.NewFromConfig)
		Register(anthropic.ProviderName, anthropic.NewFromConfig)
		Register(ollama.ProviderName, ollama.NewFromConfig)
		Register(mock.ProviderName, mock.NewFromConfig)
		Register(customhttp.ProviderName, customhttp.NewFromConfig)
	})
}

func init() {
	RegisterBuiltins()
}
