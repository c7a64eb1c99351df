package streaming

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmrelay/pkg/types"
	"github.com/blueberrycongee/llmrelay/providers/openai"
)

func upstreamResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestForwardCompleteStream(t *testing.T) {
	body := "data: {\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
		"data: {\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\" world\"}}]}\n\n" +
		"data: [DONE]\n\n"

	f := NewForwarder(context.Background(), upstreamResponse(body), openai.New())
	rec := httptest.NewRecorder()
	require.NoError(t, f.Forward(rec))

	out := rec.Body.String()
	assert.Contains(t, out, `"content":"Hello"`)
	assert.Contains(t, out, `"content":" world"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]"))
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestForwardTruncatedStreamEmitsErrorEvent(t *testing.T) {
	body := "data: {\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hello\"}}]}\n\n"

	f := NewForwarder(context.Background(), upstreamResponse(body), openai.New())
	rec := httptest.NewRecorder()
	err := f.Forward(rec)
	require.Error(t, err)

	out := rec.Body.String()
	assert.Contains(t, out, `"content":"Hello"`)
	assert.Contains(t, out, `"error"`)
	assert.NotContains(t, out, "[DONE]")
}

func TestForwardSkipsKeepAlives(t *testing.T) {
	body := "\n\n: keep-alive comment is not data\n" +
		"data: {\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n" +
		"data: [DONE]\n\n"

	f := NewForwarder(context.Background(), upstreamResponse(body), openai.New())
	rec := httptest.NewRecorder()
	require.NoError(t, f.Forward(rec))
	assert.Contains(t, rec.Body.String(), `"content":"x"`)
}

func TestForwardObservesUsageChunk(t *testing.T) {
	body := "data: {\"object\":\"chat.completion.chunk\",\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":3,\"total_tokens\":10}}\n\n" +
		"data: [DONE]\n\n"

	f := NewForwarder(context.Background(), upstreamResponse(body), openai.New())
	total := 0
	f.OnChunk = func(chunk *types.StreamChunk) {
		if chunk.Usage != nil {
			total = chunk.Usage.TotalTokens
		}
	}
	rec := httptest.NewRecorder()
	require.NoError(t, f.Forward(rec))
	assert.Equal(t, 10, total)
}

func TestForwardClientCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	body := "data: {\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n"
	f := NewForwarder(ctx, upstreamResponse(body), openai.New())
	rec := httptest.NewRecorder()
	err := f.Forward(rec)
	assert.ErrorIs(t, err, context.Canceled)
	// No error event for a client-initiated cancel.
	assert.NotContains(t, rec.Body.String(), `"error"`)
}
