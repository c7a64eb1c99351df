package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate())
	return s
}

func seedProvider(t *testing.T, s *Store, name, typ, status string) *Provider {
	t.Helper()
	p := &Provider{Name: name, Type: typ, Status: status, TimeoutSeconds: 30}
	require.NoError(t, s.db.Create(p).Error)
	return p
}

func TestMappingsForAliasOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pa := seedProvider(t, s, "provider-a", "openai", ProviderEnabled)
	pb := seedProvider(t, s, "provider-b", "anthropic", ProviderEnabled)

	require.NoError(t, s.db.Create(&ModelMapping{Alias: "gpt-4", ProviderID: pb.ID, ProviderModel: "claude-3", OrderIndex: 1}).Error)
	require.NoError(t, s.db.Create(&ModelMapping{Alias: "gpt-4", ProviderID: pa.ID, ProviderModel: "gpt-4-turbo", OrderIndex: 0}).Error)

	rows, err := s.MappingsForAlias(ctx, "gpt-4")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "gpt-4-turbo", rows[0].Mapping.ProviderModel)
	assert.Equal(t, "claude-3", rows[1].Mapping.ProviderModel)
}

func TestMappingsForAliasDefaultFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pa := seedProvider(t, s, "provider-a", "openai", ProviderEnabled)
	pb := seedProvider(t, s, "provider-b", "anthropic", ProviderEnabled)

	require.NoError(t, s.db.Create(&ModelMapping{Alias: "fast", ProviderID: pa.ID, ProviderModel: "gpt-3.5", OrderIndex: 0}).Error)
	require.NoError(t, s.db.Create(&ModelMapping{Alias: "fast", ProviderID: pb.ID, ProviderModel: "claude-haiku", OrderIndex: 1, IsDefault: true}).Error)

	rows, err := s.MappingsForAlias(ctx, "fast")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "claude-haiku", rows[0].Mapping.ProviderModel)
}

func TestMappingsForAliasSkipsDisabledProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pa := seedProvider(t, s, "provider-a", "openai", ProviderDisabled)
	pb := seedProvider(t, s, "provider-b", "openai", ProviderEnabled)

	require.NoError(t, s.db.Create(&ModelMapping{Alias: "gpt-4", ProviderID: pa.ID, ProviderModel: "a-model", OrderIndex: 0}).Error)
	require.NoError(t, s.db.Create(&ModelMapping{Alias: "gpt-4", ProviderID: pb.ID, ProviderModel: "b-model", OrderIndex: 1}).Error)

	rows, err := s.MappingsForAlias(ctx, "gpt-4")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b-model", rows[0].Mapping.ProviderModel)
}

func TestMappingsForAliasEmpty(t *testing.T) {
	s := newTestStore(t)
	rows, err := s.MappingsForAlias(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestActiveKeysFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedProvider(t, s, "provider-a", "openai", ProviderEnabled)
	require.NoError(t, s.db.Create(&APIKey{ProviderID: p.ID, KeyID: "k2", Ciphertext: "c2", Masked: "…2222", Priority: 2}).Error)
	require.NoError(t, s.db.Create(&APIKey{ProviderID: p.ID, KeyID: "k1", Ciphertext: "c1", Masked: "…1111", Priority: 1}).Error)
	require.NoError(t, s.db.Create(&APIKey{ProviderID: p.ID, KeyID: "k3", Ciphertext: "c3", Masked: "…3333", Priority: 0, Status: KeyFailed}).Error)

	keys, err := s.ActiveKeys(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "k1", keys[0].KeyID)
	assert.Equal(t, "k2", keys[1].KeyID)
}

func TestKeyFailureLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedProvider(t, s, "provider-a", "openai", ProviderEnabled)
	key := &APIKey{ProviderID: p.ID, KeyID: "k1", Ciphertext: "c", Masked: "…1111"}
	require.NoError(t, s.db.Create(key).Error)

	require.NoError(t, s.RecordKeyFailure(ctx, key.ID))
	require.NoError(t, s.RecordKeyFailure(ctx, key.ID))

	var got APIKey
	require.NoError(t, s.db.First(&got, key.ID).Error)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.NotNil(t, got.LastFailedAt)

	require.NoError(t, s.RecordKeySuccess(ctx, key.ID))
	require.NoError(t, s.db.First(&got, key.ID).Error)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.NotNil(t, got.LastUsedAt)

	require.NoError(t, s.MarkKeyFailed(ctx, key.ID))
	keys, err := s.ActiveKeys(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAliases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pa := seedProvider(t, s, "provider-a", "openai", ProviderEnabled)
	pb := seedProvider(t, s, "provider-b", "openai", ProviderDisabled)

	require.NoError(t, s.db.Create(&ModelMapping{Alias: "gpt-4", ProviderID: pa.ID, ProviderModel: "x", OrderIndex: 0}).Error)
	require.NoError(t, s.db.Create(&ModelMapping{Alias: "gpt-4", ProviderID: pa.ID, ProviderModel: "y", OrderIndex: 1}).Error)
	require.NoError(t, s.db.Create(&ModelMapping{Alias: "hidden", ProviderID: pb.ID, ProviderModel: "z", OrderIndex: 0}).Error)

	aliases, err := s.Aliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4"}, aliases)
}

func TestValidateOverride(t *testing.T) {
	assert.NoError(t, ValidateOverride(nil))
	assert.NoError(t, ValidateOverride([]byte(`{"temperature":0.2,"max_tokens":100,"forced":true}`)))
	assert.Error(t, ValidateOverride([]byte(`{"temprature":0.2}`)))
	assert.Error(t, ValidateOverride([]byte(`[1,2]`)))
}

func TestDecodeOverride(t *testing.T) {
	m := &ModelMapping{Override: datatypes.JSON(`{"temperature":0.3,"stop":["x"]}`)}
	ov, err := m.DecodeOverride()
	require.NoError(t, err)
	require.NotNil(t, ov.Temperature)
	assert.InDelta(t, 0.3, *ov.Temperature, 1e-9)
	assert.Equal(t, []string{"x"}, ov.Stop)
	assert.False(t, ov.Forced)

	empty := &ModelMapping{}
	ov, err = empty.DecodeOverride()
	require.NoError(t, err)
	assert.Nil(t, ov.Temperature)
}

func TestInsertAudit(t *testing.T) {
	s := newTestStore(t)
	audit := &RequestAudit{RequestID: "req-1", Endpoint: "/v1/chat/completions", Alias: "gpt-4", StatusCode: 200}
	require.NoError(t, s.InsertAudit(context.Background(), audit))

	var got RequestAudit
	require.NoError(t, s.db.First(&got, "request_id = ?", "req-1").Error)
	assert.Equal(t, "/v1/chat/completions", got.Endpoint)
}
