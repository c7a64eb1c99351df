// Package secret resolves secret references for the proxy, most importantly
// the vault master key. A reference names its backend by scheme
// ("env://LLMRELAY_MASTER_KEY", "vault://secret/data/proxy#master_key");
// anything without a scheme is a static value. Resolved values are cached so
// the hot path of a config reload does not hammer the backend, and a cached
// entry can be forgotten when a reload changes the reference.
package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Source fetches secrets for one scheme.
type Source interface {
	// Fetch retrieves the secret at path (the part after "scheme://").
	Fetch(ctx context.Context, path string) (string, error)

	// Close releases backend resources.
	Close() error
}

// DefaultTTL is how long a resolved secret is served from cache.
const DefaultTTL = 5 * time.Minute

// Resolver routes references to mounted sources and caches what they return.
type Resolver struct {
	mu      sync.RWMutex
	sources map[string]Source
	cache   *gocache.Cache
}

// NewResolver creates a Resolver. ttl <= 0 selects DefaultTTL.
func NewResolver(ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		sources: make(map[string]Source),
		cache:   gocache.New(ttl, 2*ttl),
	}
}

// Mount attaches a source under a scheme. Mounting a scheme twice replaces
// the earlier source; the replaced source is not closed, the caller owns it.
func (r *Resolver) Mount(scheme string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[scheme] = src
}

// Resolve returns the secret a reference points at. Static references (no
// scheme) are returned as-is and never cached, so they cannot linger after a
// config reload swaps them out.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, ok := strings.Cut(ref, "://")
	if !ok {
		return ref, nil
	}

	if cached, found := r.cache.Get(ref); found {
		if val, ok := cached.(string); ok {
			return val, nil
		}
	}

	r.mu.RLock()
	src, mounted := r.sources[scheme]
	r.mu.RUnlock()
	if !mounted {
		return "", fmt.Errorf("no secret source mounted for scheme %q", scheme)
	}

	val, err := src.Fetch(ctx, path)
	if err != nil {
		return "", fmt.Errorf("resolve %s://%s: %w", scheme, path, err)
	}
	r.cache.Set(ref, val, gocache.DefaultExpiration)
	return val, nil
}

// Forget drops the cached value for a reference. Called on config reload so
// a rotated master key is re-fetched instead of served stale.
func (r *Resolver) Forget(ref string) {
	r.cache.Delete(ref)
}

// Close closes every mounted source.
func (r *Resolver) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []string
	for scheme, src := range r.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close secret sources: %s", strings.Join(errs, "; "))
	}
	return nil
}
