package openailike

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

var testInfo = Info{
	Name:           "testprov",
	DefaultBaseURL: "https://api.example.com/v1",
	Capabilities: []provider.Capability{
		provider.CapabilityChat,
		provider.CapabilityCompletion,
		provider.CapabilityEmbedding,
	},
}

func TestBuildChatRequest(t *testing.T) {
	a := New(testInfo, WithHeaders(map[string]string{"X-Extra": "1"}))

	req := &types.ChatRequest{
		Model:    "gpt-4",
		Messages: []types.ChatMessage{{Role: "user", Content: json.RawMessage(`"Hi"`)}},
		Extra:    map[string]json.RawMessage{"seed": json.RawMessage("42")},
	}

	httpReq, err := a.BuildChatRequest(context.Background(), req, provider.Credentials{APIKey: "sk-x"})
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/v1/chat/completions", httpReq.URL.String())
	assert.Equal(t, "Bearer sk-x", httpReq.Header.Get("Authorization"))
	assert.Equal(t, "application/json", httpReq.Header.Get("Content-Type"))
	assert.Equal(t, "1", httpReq.Header.Get("X-Extra"))

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"seed":42`)
}

func TestBuildChatRequestNoCredential(t *testing.T) {
	a := New(testInfo)
	req := &types.ChatRequest{Model: "m", Messages: []types.ChatMessage{{Role: "user", Content: json.RawMessage(`"x"`)}}}

	httpReq, err := a.BuildChatRequest(context.Background(), req, provider.Credentials{})
	require.NoError(t, err)
	assert.Empty(t, httpReq.Header.Get("Authorization"))
}

func TestUnsupportedCapability(t *testing.T) {
	limited := New(Info{Name: "chat-only", DefaultBaseURL: "http://x", Capabilities: []provider.Capability{provider.CapabilityChat}})

	_, err := limited.BuildEmbeddingRequest(context.Background(), &types.EmbeddingRequest{Model: "m"}, provider.Credentials{})
	assert.ErrorIs(t, err, provider.ErrUnsupported)

	_, err = limited.BuildCompletionRequest(context.Background(), &types.CompletionRequest{Model: "m"}, provider.Credentials{})
	assert.ErrorIs(t, err, provider.ErrUnsupported)
}

func TestParseChatResponse(t *testing.T) {
	a := New(testInfo)
	body := `{"id":"c1","object":"chat.completion","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`

	resp, err := a.ParseChatResponse(&http.Response{Body: io.NopCloser(strings.NewReader(body))})
	require.NoError(t, err)
	assert.Equal(t, "c1", resp.ID)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, 3, resp.Usage.TotalTokens)
}

func TestParseStreamChunk(t *testing.T) {
	a := New(testInfo)

	chunk, err := a.ParseStreamChunk([]byte(`data: {"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Hi"}}]}`))
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Equal(t, "Hi", chunk.Choices[0].Delta.Content)

	chunk, err = a.ParseStreamChunk([]byte("data: [DONE]"))
	require.NoError(t, err)
	assert.Nil(t, chunk)

	chunk, err = a.ParseStreamChunk([]byte("  "))
	require.NoError(t, err)
	assert.Nil(t, chunk)
}

func TestMapErrorClassification(t *testing.T) {
	a := New(testInfo)

	cases := []struct {
		status  int
		body    string
		outcome llmerrors.Outcome
	}{
		{401, `{"error":{"message":"bad key"}}`, llmerrors.OutcomeAuthFailed},
		{429, `{"error":{"message":"slow down"}}`, llmerrors.OutcomeRateLimited},
		{429, `{"error":{"message":"quota","code":"insufficient_quota"}}`, llmerrors.OutcomeQuotaExhausted},
		{400, `{"error":{"message":"bad req"}}`, llmerrors.OutcomeBadRequest},
		{500, `{"error":{"message":"boom"}}`, llmerrors.OutcomeServerError},
		{504, ``, llmerrors.OutcomeTimeout},
	}

	for _, tc := range cases {
		err := a.MapError(tc.status, []byte(tc.body))
		perr := llmerrors.AsProxyError(err)
		assert.Equal(t, tc.outcome, perr.Outcome, "status %d", tc.status)
		assert.Equal(t, "testprov", perr.Provider)
	}
}

func TestMapErrorPreservesUpstreamMessage(t *testing.T) {
	a := New(testInfo)
	perr := llmerrors.AsProxyError(a.MapError(400, []byte(`{"error":{"message":"max_tokens is too large"}}`)))
	assert.Equal(t, "max_tokens is too large", perr.Message)

	perr = llmerrors.AsProxyError(a.MapError(500, []byte("not json")))
	assert.Contains(t, perr.Message, "500")
}
