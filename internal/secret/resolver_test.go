package secret

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmrelay/internal/secret/env"
)

type countingSource struct {
	calls int
	value string
	fail  bool
}

func (s *countingSource) Fetch(ctx context.Context, path string) (string, error) {
	s.calls++
	if s.fail {
		return "", fmt.Errorf("backend down")
	}
	return s.value + ":" + path, nil
}

func (s *countingSource) Close() error { return nil }

func TestResolveStaticPassthrough(t *testing.T) {
	r := NewResolver(time.Minute)
	val, err := r.Resolve(context.Background(), "raw-secret-value")
	require.NoError(t, err)
	assert.Equal(t, "raw-secret-value", val)
}

func TestResolveRoutesByScheme(t *testing.T) {
	r := NewResolver(time.Minute)
	r.Mount("fake", &countingSource{value: "v"})

	val, err := r.Resolve(context.Background(), "fake://some/path")
	require.NoError(t, err)
	assert.Equal(t, "v:some/path", val)

	_, err = r.Resolve(context.Background(), "unknown://x")
	assert.Error(t, err)
}

func TestResolveEnvSource(t *testing.T) {
	t.Setenv("LLMRELAY_TEST_SECRET", "shhh")

	r := NewResolver(time.Minute)
	r.Mount("env", env.New())

	val, err := r.Resolve(context.Background(), "env://LLMRELAY_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "shhh", val)

	_, err = r.Resolve(context.Background(), "env://LLMRELAY_TEST_MISSING")
	assert.Error(t, err)
}

func TestResolveCaches(t *testing.T) {
	src := &countingSource{value: "v"}
	r := NewResolver(time.Minute)
	r.Mount("fake", src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		val, err := r.Resolve(ctx, "fake://p")
		require.NoError(t, err)
		assert.Equal(t, "v:p", val)
	}
	assert.Equal(t, 1, src.calls)
}

func TestResolveDoesNotCacheErrors(t *testing.T) {
	src := &countingSource{fail: true}
	r := NewResolver(time.Minute)
	r.Mount("fake", src)

	_, err := r.Resolve(context.Background(), "fake://p")
	require.Error(t, err)
	_, err = r.Resolve(context.Background(), "fake://p")
	require.Error(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestForgetDropsCachedValue(t *testing.T) {
	src := &countingSource{value: "v"}
	r := NewResolver(time.Minute)
	r.Mount("fake", src)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "fake://p")
	require.NoError(t, err)
	r.Forget("fake://p")
	_, err = r.Resolve(ctx, "fake://p")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}
