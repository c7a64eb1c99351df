// Package modelrouter resolves a client model alias into the ordered list of
// candidate (provider, provider-model, override) targets the dispatch engine
// walks. Lookups are cached for a short TTL; admin mutations invalidate
// eagerly through the hooks.
package modelrouter

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/llmrelay/internal/store"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
)

// DefaultTTL bounds how long a resolved candidate list may be served without
// consulting the store.
const DefaultTTL = 5 * time.Second

// Candidate is one dispatch target for an alias.
type Candidate struct {
	Provider      store.Provider
	ProviderModel string
	Override      store.Override
	MappingID     uint64
}

// Router resolves aliases against the configuration store.
type Router struct {
	store *store.Store
	cache *gocache.Cache
}

// New constructs a Router with the default cache TTL.
func New(st *store.Store) *Router {
	return &Router{
		store: st,
		cache: gocache.New(DefaultTTL, 2*DefaultTTL),
	}
}

const aliasListKey = "\x00aliases"

// Resolve returns the fallback-ordered candidates for alias: the default
// mapping first if one exists, then order_index ascending, enabled providers
// only. An empty result is a model_not_found error.
func (r *Router) Resolve(ctx context.Context, alias string) ([]Candidate, error) {
	if cached, ok := r.cache.Get(alias); ok {
		candidates := cached.([]Candidate)
		if len(candidates) == 0 {
			return nil, llmerrors.NewModelNotFound(alias)
		}
		return candidates, nil
	}

	rows, err := r.store.MappingsForAlias(ctx, alias)
	if err != nil {
		return nil, llmerrors.NewInternal(fmt.Sprintf("resolve alias: %v", err))
	}

	candidates := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		override, err := row.Mapping.DecodeOverride()
		if err != nil {
			// A malformed override should have been rejected at ingest;
			// skip the mapping rather than failing the whole alias.
			continue
		}
		candidates = append(candidates, Candidate{
			Provider:      row.Provider,
			ProviderModel: row.Mapping.ProviderModel,
			Override:      override,
			MappingID:     row.Mapping.ID,
		})
	}

	r.cache.Set(alias, candidates, gocache.DefaultExpiration)
	if len(candidates) == 0 {
		return nil, llmerrors.NewModelNotFound(alias)
	}
	return candidates, nil
}

// Aliases returns the client-visible model aliases for /v1/models.
func (r *Router) Aliases(ctx context.Context) ([]string, error) {
	if cached, ok := r.cache.Get(aliasListKey); ok {
		return cached.([]string), nil
	}
	aliases, err := r.store.Aliases(ctx)
	if err != nil {
		return nil, err
	}
	r.cache.Set(aliasListKey, aliases, gocache.DefaultExpiration)
	return aliases, nil
}

// Invalidate drops the cached candidates for one alias.
func (r *Router) Invalidate(alias string) {
	r.cache.Delete(alias)
	r.cache.Delete(aliasListKey)
}

// InvalidateAll drops every cached lookup.
func (r *Router) InvalidateAll() {
	r.cache.Flush()
}
