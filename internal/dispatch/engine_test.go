package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/blueberrycongee/llmrelay/internal/breaker"
	"github.com/blueberrycongee/llmrelay/internal/keyselect"
	"github.com/blueberrycongee/llmrelay/internal/modelrouter"
	"github.com/blueberrycongee/llmrelay/internal/store"
	"github.com/blueberrycongee/llmrelay/internal/streaming"
	"github.com/blueberrycongee/llmrelay/internal/vault"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

type testMetrics struct {
	mu        sync.Mutex
	attempts  map[string]int // provider|outcome
	fallbacks map[string]int // alias|reason
}

func newTestMetrics() *testMetrics {
	return &testMetrics{attempts: make(map[string]int), fallbacks: make(map[string]int)}
}

func (m *testMetrics) RecordAttempt(provider, model, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[provider+"|"+outcome]++
}

func (m *testMetrics) RecordFallback(alias, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks[alias+"|"+reason]++
}

func (m *testMetrics) fallbackCount(alias, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbacks[alias+"|"+reason]
}

type harness struct {
	store    *store.Store
	vault    *vault.Vault
	engine   *Engine
	selector *keyselect.Selector
	router   *modelrouter.Router
	breaker  breaker.Breaker
	metrics  *testMetrics
}

func newHarness(t *testing.T, breakerCfg breaker.Config) *harness {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.AutoMigrate())

	v, err := vault.New(bytes.Repeat([]byte{7}, vault.KeySize))
	require.NoError(t, err)

	b := breaker.NewMemoryBreaker(breakerCfg)
	sel := keyselect.New(st, nil, keyselect.StrategyPriority, nil)
	router := modelrouter.New(st)
	m := newTestMetrics()

	engine := New(Config{
		Router:         router,
		Selector:       sel,
		Breaker:        b,
		Vault:          v,
		DefaultTimeout: 5 * time.Second,
		Metrics:        m,
	})

	return &harness{store: st, vault: v, engine: engine, selector: sel, router: router, breaker: b, metrics: m}
}

func (h *harness) addProvider(t *testing.T, name, baseURL string) *store.Provider {
	t.Helper()
	p := &store.Provider{Name: name, Type: "openai", BaseURL: baseURL, Status: store.ProviderEnabled, TimeoutSeconds: 5}
	require.NoError(t, h.store.DB().Create(p).Error)
	return p
}

func (h *harness) addKey(t *testing.T, providerID uint64, keyID, secret string, priority int) *store.APIKey {
	t.Helper()
	ct, err := h.vault.Seal(secret)
	require.NoError(t, err)
	k := &store.APIKey{ProviderID: providerID, KeyID: keyID, Ciphertext: ct, Masked: vault.Mask(secret), Priority: priority}
	require.NoError(t, h.store.DB().Create(k).Error)
	return k
}

func (h *harness) addMapping(t *testing.T, alias string, providerID uint64, model string, order int, override string) {
	t.Helper()
	m := &store.ModelMapping{Alias: alias, ProviderID: providerID, ProviderModel: model, OrderIndex: order}
	if override != "" {
		m.Override = datatypes.JSON(override)
	}
	require.NoError(t, h.store.DB().Create(m).Error)
}

func newTestForwarder(t *testing.T, sr *StreamResult) *streaming.Forwarder {
	t.Helper()
	return streaming.NewForwarder(context.Background(), sr.Response, sr.Adapter)
}

func chatRequest(model string) *types.ChatRequest {
	return &types.ChatRequest{
		Model:    model,
		Messages: []types.ChatMessage{{Role: "user", Content: json.RawMessage(`"Hi"`)}},
	}
}

// chatOK writes a well-formed chat completion for the requested model.
func chatOK(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	resp := types.ChatResponse{
		ID:     "chatcmpl-1",
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      types.ChatMessage{Role: "assistant", Content: json.RawMessage(`"Hello!"`)},
			FinishReason: "stop",
		}},
		Usage: &types.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func upstreamError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"server_error"}}`, message)
}

func TestHappyPathUnary(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-a", r.Header.Get("Authorization"))
		chatOK(w, r)
	}))
	defer ts.Close()

	h := newHarness(t, breaker.DefaultConfig())
	p := h.addProvider(t, "provider-a", ts.URL)
	h.addKey(t, p.ID, "key-a", "sk-a", 1)
	h.addMapping(t, "gpt-3.5-turbo", p.ID, "gpt-3.5-turbo", 0, "")

	rc := NewRequestContext("req-1", "client", "1.2.3.4")
	resp, err := h.engine.ChatCompletion(context.Background(), rc, chatRequest("gpt-3.5-turbo"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), hits.Load())
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	require.Len(t, rc.Attempts, 1)
	assert.Equal(t, llmerrors.OutcomeOK, rc.Attempts[0].Outcome)
	assert.Equal(t, "key-a", rc.Attempts[0].KeyID)
}

func TestKeyFailover(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer sk-bad" {
			upstreamError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		chatOK(w, r)
	}))
	defer ts.Close()

	h := newHarness(t, breaker.DefaultConfig())
	p := h.addProvider(t, "provider-a", ts.URL)
	bad := h.addKey(t, p.ID, "key-1", "sk-bad", 1)
	h.addKey(t, p.ID, "key-2", "sk-good", 2)
	h.addMapping(t, "gpt-4", p.ID, "gpt-4", 0, "")

	// Three requests each burn one auth failure on key-1 before falling over
	// to key-2 within the request.
	for i := 0; i < 3; i++ {
		rc := NewRequestContext(fmt.Sprintf("req-%d", i), "client", "")
		resp, err := h.engine.ChatCompletion(context.Background(), rc, chatRequest("gpt-4"))
		require.NoError(t, err, "request %d", i)
		require.NotNil(t, resp)
		assert.Equal(t, "key-1", rc.Attempts[0].KeyID)
		assert.Equal(t, llmerrors.OutcomeAuthFailed, rc.Attempts[0].Outcome)
	}

	// key-1 is now demoted to failed; the fourth request must not touch it.
	var got store.APIKey
	require.NoError(t, h.store.DB().First(&got, bad.ID).Error)
	assert.Equal(t, store.KeyFailed, got.Status)

	rc := NewRequestContext("req-4", "client", "")
	resp, err := h.engine.ChatCompletion(context.Background(), rc, chatRequest("gpt-4"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, rc.Attempts, 1)
	assert.Equal(t, "key-2", rc.Attempts[0].KeyID)
}

func TestProviderFailover(t *testing.T) {
	var hitsA, hitsB atomic.Int32
	tsA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsA.Add(1)
		upstreamError(w, http.StatusInternalServerError, "boom")
	}))
	defer tsA.Close()
	tsB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsB.Add(1)
		chatOK(w, r)
	}))
	defer tsB.Close()

	h := newHarness(t, breaker.DefaultConfig())
	pa := h.addProvider(t, "provider-a", tsA.URL)
	pb := h.addProvider(t, "provider-b", tsB.URL)
	h.addKey(t, pa.ID, "key-a", "sk-a", 1)
	h.addKey(t, pb.ID, "key-b", "sk-b", 1)
	h.addMapping(t, "gpt-4", pa.ID, "gpt-4", 0, "")
	h.addMapping(t, "gpt-4", pb.ID, "gpt-4-equivalent", 1, "")

	rc := NewRequestContext("req-1", "client", "")
	resp, err := h.engine.ChatCompletion(context.Background(), rc, chatRequest("gpt-4"))
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, int32(1), hitsA.Load())
	assert.Equal(t, int32(1), hitsB.Load())
	require.Len(t, rc.Attempts, 2)
	assert.Equal(t, llmerrors.OutcomeServerError, rc.Attempts[0].Outcome)
	assert.Equal(t, llmerrors.OutcomeOK, rc.Attempts[1].Outcome)
	assert.Equal(t, 1, h.metrics.fallbackCount("gpt-4", "server_error"))
}

func TestCircuitOpenShortCircuits(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		upstreamError(w, http.StatusInternalServerError, "down")
	}))
	defer ts.Close()

	h := newHarness(t, breaker.Config{FailureThreshold: 3, Window: time.Minute, OpenDuration: 30 * time.Second})
	p := h.addProvider(t, "provider-a", ts.URL)
	h.addKey(t, p.ID, "key-a", "sk-a", 1)
	h.addMapping(t, "gpt-4", p.ID, "gpt-4", 0, "")

	for i := 0; i < 3; i++ {
		rc := NewRequestContext(fmt.Sprintf("req-%d", i), "client", "")
		_, err := h.engine.ChatCompletion(context.Background(), rc, chatRequest("gpt-4"))
		require.Error(t, err)
	}
	require.Equal(t, int32(3), hits.Load())

	// Fourth request is short-circuited: no adapter call at all.
	rc := NewRequestContext("req-4", "client", "")
	_, err := h.engine.ChatCompletion(context.Background(), rc, chatRequest("gpt-4"))
	require.Error(t, err)
	perr := llmerrors.AsProxyError(err)
	assert.Equal(t, llmerrors.OutcomeUpstreamUnavailable, perr.Outcome)
	assert.Equal(t, int32(3), hits.Load())
	require.Len(t, rc.Attempts, 1)
	assert.Equal(t, llmerrors.OutcomeCircuitOpen, rc.Attempts[0].Outcome)

	snap, err := h.breaker.Snapshot(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, breaker.StateOpen, snap.State)
}

func TestBadRequestIsTerminal(t *testing.T) {
	var hitsB atomic.Int32
	tsA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamError(w, http.StatusBadRequest, "max_tokens too large")
	}))
	defer tsA.Close()
	tsB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsB.Add(1)
		chatOK(w, r)
	}))
	defer tsB.Close()

	h := newHarness(t, breaker.DefaultConfig())
	pa := h.addProvider(t, "provider-a", tsA.URL)
	pb := h.addProvider(t, "provider-b", tsB.URL)
	h.addKey(t, pa.ID, "key-a", "sk-a", 1)
	h.addKey(t, pb.ID, "key-b", "sk-b", 1)
	h.addMapping(t, "gpt-4", pa.ID, "gpt-4", 0, "")
	h.addMapping(t, "gpt-4", pb.ID, "gpt-4", 1, "")

	rc := NewRequestContext("req-1", "client", "")
	_, err := h.engine.ChatCompletion(context.Background(), rc, chatRequest("gpt-4"))
	require.Error(t, err)

	perr := llmerrors.AsProxyError(err)
	assert.Equal(t, 400, perr.HTTPStatusCode())
	assert.Contains(t, perr.Message, "max_tokens too large")
	assert.Equal(t, int32(0), hitsB.Load())
}

func TestNoKeysAnywhere(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	h := newHarness(t, breaker.DefaultConfig())
	pa := h.addProvider(t, "provider-a", ts.URL)
	pb := h.addProvider(t, "provider-b", ts.URL)
	h.addMapping(t, "gpt-4", pa.ID, "gpt-4", 0, "")
	h.addMapping(t, "gpt-4", pb.ID, "gpt-4", 1, "")

	rc := NewRequestContext("req-1", "client", "")
	_, err := h.engine.ChatCompletion(context.Background(), rc, chatRequest("gpt-4"))
	require.Error(t, err)

	perr := llmerrors.AsProxyError(err)
	assert.Equal(t, llmerrors.OutcomeUpstreamUnavailable, perr.Outcome)
	assert.Equal(t, 502, perr.HTTPStatusCode())
	assert.Equal(t, int32(0), hits.Load())

	require.Len(t, rc.Attempts, 2)
	for _, a := range rc.Attempts {
		assert.Equal(t, llmerrors.OutcomeNoKey, a.Outcome)
	}
}

func TestExpiredDeadlineMakesNoUpstreamCall(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		chatOK(w, r)
	}))
	defer ts.Close()

	h := newHarness(t, breaker.DefaultConfig())
	p := h.addProvider(t, "provider-a", ts.URL)
	h.addKey(t, p.ID, "key-a", "sk-a", 1)
	h.addMapping(t, "gpt-4", p.ID, "gpt-4", 0, "")

	ctx, cancel := context.WithDeadline(context.Background(), time.Now())
	defer cancel()

	rc := NewRequestContext("req-1", "client", "")
	_, err := h.engine.ChatCompletion(ctx, rc, chatRequest("gpt-4"))
	require.Error(t, err)

	perr := llmerrors.AsProxyError(err)
	assert.Equal(t, llmerrors.OutcomeTimeout, perr.Outcome)
	assert.Equal(t, int32(0), hits.Load())
}

func TestRetryAfterBeyondDeadlineExhaustsProvider(t *testing.T) {
	tsA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		upstreamError(w, http.StatusTooManyRequests, "slow down")
	}))
	defer tsA.Close()
	tsB := httptest.NewServer(http.HandlerFunc(chatOK))
	defer tsB.Close()

	h := newHarness(t, breaker.DefaultConfig())
	pa := h.addProvider(t, "provider-a", tsA.URL)
	pb := h.addProvider(t, "provider-b", tsB.URL)
	h.addKey(t, pa.ID, "key-a", "sk-a", 1)
	h.addKey(t, pb.ID, "key-b", "sk-b", 1)
	h.addMapping(t, "gpt-4", pa.ID, "gpt-4", 0, "")
	h.addMapping(t, "gpt-4", pb.ID, "gpt-4", 1, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rc := NewRequestContext("req-1", "client", "")
	resp, err := h.engine.ChatCompletion(ctx, rc, chatRequest("gpt-4"))
	require.NoError(t, err)
	require.NotNil(t, resp)

	require.Len(t, rc.Attempts, 2)
	assert.Equal(t, llmerrors.OutcomeRateLimited, rc.Attempts[0].Outcome)
	assert.Equal(t, llmerrors.OutcomeOK, rc.Attempts[1].Outcome)
}

func TestOverrideMergeClientWins(t *testing.T) {
	var received types.ChatRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		chatOK(w, r)
	}))
	defer ts.Close()

	h := newHarness(t, breaker.DefaultConfig())
	p := h.addProvider(t, "provider-a", ts.URL)
	h.addKey(t, p.ID, "key-a", "sk-a", 1)
	h.addMapping(t, "gpt-4", p.ID, "gpt-4-real", 0, `{"temperature":0.1,"max_tokens":256}`)

	clientTemp := 0.9
	req := chatRequest("gpt-4")
	req.Temperature = &clientTemp

	rc := NewRequestContext("req-1", "client", "")
	_, err := h.engine.ChatCompletion(context.Background(), rc, req)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4-real", received.Model)
	require.NotNil(t, received.Temperature)
	assert.InDelta(t, 0.9, *received.Temperature, 1e-9) // client wins
	assert.Equal(t, 256, received.MaxTokens)            // gap filled by override
}

func TestOverrideMergeForced(t *testing.T) {
	var received types.ChatRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		chatOK(w, r)
	}))
	defer ts.Close()

	h := newHarness(t, breaker.DefaultConfig())
	p := h.addProvider(t, "provider-a", ts.URL)
	h.addKey(t, p.ID, "key-a", "sk-a", 1)
	h.addMapping(t, "gpt-4", p.ID, "gpt-4", 0, `{"temperature":0.1,"forced":true}`)

	clientTemp := 0.9
	req := chatRequest("gpt-4")
	req.Temperature = &clientTemp

	rc := NewRequestContext("req-1", "client", "")
	_, err := h.engine.ChatCompletion(context.Background(), rc, req)
	require.NoError(t, err)

	require.NotNil(t, received.Temperature)
	assert.InDelta(t, 0.1, *received.Temperature, 1e-9)
}

func TestSecretNeverAppearsInAttempts(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Echo the credential back in the error, as a hostile upstream might.
		upstreamError(w, http.StatusInternalServerError, "bad key "+r.Header.Get("Authorization"))
	}))
	defer ts.Close()

	h := newHarness(t, breaker.DefaultConfig())
	p := h.addProvider(t, "provider-a", ts.URL)
	h.addKey(t, p.ID, "key-a", "sk-super-secret-9999", 1)
	h.addMapping(t, "gpt-4", p.ID, "gpt-4", 0, "")

	rc := NewRequestContext("req-1", "client", "")
	_, err := h.engine.ChatCompletion(context.Background(), rc, chatRequest("gpt-4"))
	require.Error(t, err)

	perr := llmerrors.AsProxyError(err)
	assert.NotContains(t, perr.Message, "sk-super-secret-9999")
	for _, a := range rc.Attempts {
		assert.NotContains(t, a.Message, "sk-super-secret-9999")
	}
}

func TestStreamingNoMidStreamFallback(t *testing.T) {
	var hitsB atomic.Int32
	tsA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, word := range []string{"Hello", " world"} {
			fmt.Fprintf(w, "data: {\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", word)
			flusher.Flush()
		}
		// Connection closes without [DONE].
	}))
	defer tsA.Close()
	tsB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsB.Add(1)
	}))
	defer tsB.Close()

	h := newHarness(t, breaker.DefaultConfig())
	pa := h.addProvider(t, "provider-a", tsA.URL)
	pb := h.addProvider(t, "provider-b", tsB.URL)
	h.addKey(t, pa.ID, "key-a", "sk-a", 1)
	h.addKey(t, pb.ID, "key-b", "sk-b", 1)
	h.addMapping(t, "gpt-4", pa.ID, "gpt-4", 0, "")
	h.addMapping(t, "gpt-4", pb.ID, "gpt-4", 1, "")

	req := chatRequest("gpt-4")
	req.Stream = true

	rc := NewRequestContext("req-1", "client", "")
	sr, err := h.engine.ChatCompletionStream(context.Background(), rc, req)
	require.NoError(t, err)
	defer sr.Close()

	rec := httptest.NewRecorder()
	forwarder := newTestForwarder(t, sr)
	ferr := forwarder.Forward(rec)
	require.Error(t, ferr)

	body := rec.Body.String()
	assert.Equal(t, 2, bytes.Count([]byte(body), []byte(`"content"`)))
	assert.Contains(t, body, `"error"`)
	assert.NotContains(t, body, "[DONE]")
	assert.Equal(t, int32(0), hitsB.Load())
}

func TestStreamingHappyPath(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hi\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer ts.Close()

	h := newHarness(t, breaker.DefaultConfig())
	p := h.addProvider(t, "provider-a", ts.URL)
	h.addKey(t, p.ID, "key-a", "sk-a", 1)
	h.addMapping(t, "gpt-4", p.ID, "gpt-4", 0, "")

	req := chatRequest("gpt-4")
	req.Stream = true

	rc := NewRequestContext("req-1", "client", "")
	sr, err := h.engine.ChatCompletionStream(context.Background(), rc, req)
	require.NoError(t, err)
	defer sr.Close()

	rec := httptest.NewRecorder()
	require.NoError(t, newTestForwarder(t, sr).Forward(rec))

	body := rec.Body.String()
	assert.Contains(t, body, `"content":"Hi"`)
	assert.Contains(t, body, "data: [DONE]")
}

func TestDeterministicOutcomeForSameFailures(t *testing.T) {
	tsA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamError(w, http.StatusInternalServerError, "always down")
	}))
	defer tsA.Close()

	h := newHarness(t, breaker.Config{FailureThreshold: 100, Window: time.Minute, OpenDuration: time.Minute})
	p := h.addProvider(t, "provider-a", tsA.URL)
	h.addKey(t, p.ID, "key-a", "sk-a", 1)
	h.addMapping(t, "gpt-4", p.ID, "gpt-4", 0, "")

	for i := 0; i < 3; i++ {
		rc := NewRequestContext(fmt.Sprintf("req-%d", i), "client", "")
		_, err := h.engine.ChatCompletion(context.Background(), rc, chatRequest("gpt-4"))
		require.Error(t, err)
		perr := llmerrors.AsProxyError(err)
		assert.Equal(t, llmerrors.OutcomeUpstreamUnavailable, perr.Outcome)
		assert.Contains(t, perr.Message, "always down")
	}
}
