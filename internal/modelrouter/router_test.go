package modelrouter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/blueberrycongee/llmrelay/internal/store"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate())
	return s
}

func seedProvider(t *testing.T, s *store.Store, name, status string) *store.Provider {
	t.Helper()
	p := &store.Provider{Name: name, Type: "openai", Status: status, TimeoutSeconds: 30}
	require.NoError(t, s.DB().Create(p).Error)
	return p
}

func seedMapping(t *testing.T, s *store.Store, m *store.ModelMapping) {
	t.Helper()
	require.NoError(t, s.DB().Create(m).Error)
}

func TestResolveOrdering(t *testing.T) {
	s := newTestStore(t)
	r := New(s)
	ctx := context.Background()

	pa := seedProvider(t, s, "provider-a", store.ProviderEnabled)
	pb := seedProvider(t, s, "provider-b", store.ProviderEnabled)
	seedMapping(t, s, &store.ModelMapping{Alias: "gpt-4", ProviderID: pb.ID, ProviderModel: "claude-3-opus", OrderIndex: 1})
	seedMapping(t, s, &store.ModelMapping{Alias: "gpt-4", ProviderID: pa.ID, ProviderModel: "gpt-4-0613", OrderIndex: 0})

	candidates, err := r.Resolve(ctx, "gpt-4")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "gpt-4-0613", candidates[0].ProviderModel)
	assert.Equal(t, "provider-a", candidates[0].Provider.Name)
	assert.Equal(t, "claude-3-opus", candidates[1].ProviderModel)
}

func TestResolveUnknownAlias(t *testing.T) {
	s := newTestStore(t)
	r := New(s)

	_, err := r.Resolve(context.Background(), "missing")
	require.Error(t, err)
	perr := llmerrors.AsProxyError(err)
	assert.Equal(t, llmerrors.OutcomeModelNotFound, perr.Outcome)
	assert.Equal(t, 404, perr.HTTPStatusCode())
}

func TestResolveNegativeCache(t *testing.T) {
	s := newTestStore(t)
	r := New(s)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "late-alias")
	require.Error(t, err)

	// The mapping appears, but the negative result is cached until
	// invalidation.
	p := seedProvider(t, s, "provider-a", store.ProviderEnabled)
	seedMapping(t, s, &store.ModelMapping{Alias: "late-alias", ProviderID: p.ID, ProviderModel: "m", OrderIndex: 0})

	_, err = r.Resolve(ctx, "late-alias")
	require.Error(t, err)

	r.Invalidate("late-alias")
	candidates, err := r.Resolve(ctx, "late-alias")
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestResolveDecodesOverride(t *testing.T) {
	s := newTestStore(t)
	r := New(s)

	p := seedProvider(t, s, "provider-a", store.ProviderEnabled)
	seedMapping(t, s, &store.ModelMapping{
		Alias: "tuned", ProviderID: p.ID, ProviderModel: "m", OrderIndex: 0,
		Override: datatypes.JSON(`{"temperature":0.1,"forced":true}`),
	})

	candidates, err := r.Resolve(context.Background(), "tuned")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.NotNil(t, candidates[0].Override.Temperature)
	assert.InDelta(t, 0.1, *candidates[0].Override.Temperature, 1e-9)
	assert.True(t, candidates[0].Override.Forced)
}

func TestAliasesCached(t *testing.T) {
	s := newTestStore(t)
	r := New(s)
	ctx := context.Background()

	p := seedProvider(t, s, "provider-a", store.ProviderEnabled)
	seedMapping(t, s, &store.ModelMapping{Alias: "one", ProviderID: p.ID, ProviderModel: "m", OrderIndex: 0})

	aliases, err := r.Aliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, aliases)

	seedMapping(t, s, &store.ModelMapping{Alias: "two", ProviderID: p.ID, ProviderModel: "m2", OrderIndex: 0})
	aliases, err = r.Aliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, aliases)

	r.InvalidateAll()
	aliases, err = r.Aliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, aliases)
}
