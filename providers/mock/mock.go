// Package mock provides a deterministic in-process provider used in tests and
// local development. It speaks the OpenAI dialect through the shared adapter
// but ships its own http.RoundTripper, so no network ever happens: responses
// are fabricated from the request content.
package mock

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/pkg/types"
	"github.com/blueberrycongee/llmrelay/providers/openailike"
)

const (
	ProviderName   = "mock"
	DefaultBaseURL = "http://mock.invalid/v1"

	embeddingDimensions = 16
)

var providerInfo = openailike.Info{
	Name:           ProviderName,
	DefaultBaseURL: DefaultBaseURL,
	Capabilities: []provider.Capability{
		provider.CapabilityChat,
		provider.CapabilityCompletion,
		provider.CapabilityEmbedding,
	},
}

// Adapter implements the mock provider.
type Adapter struct {
	*openailike.Adapter
	transport http.RoundTripper
}

// New creates a new mock adapter.
func New(opts ...openailike.Option) *Adapter {
	return &Adapter{
		Adapter:   openailike.New(providerInfo, opts...),
		transport: &Transport{},
	}
}

// NewFromConfig creates an adapter from a provider.Config.
func NewFromConfig(cfg provider.Config) (provider.Adapter, error) {
	return New(openailike.WithBaseURL(cfg.BaseURL), openailike.WithHeaders(cfg.Headers)), nil
}

// Transport returns the in-process round tripper the dispatch engine should
// use instead of a real HTTP client.
func (a *Adapter) Transport() http.RoundTripper {
	return a.transport
}

// Transport fabricates OpenAI-shaped responses without touching the network.
type Transport struct{}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
	}

	switch {
	case strings.HasSuffix(req.URL.Path, "/chat/completions"):
		return t.chat(body)
	case strings.HasSuffix(req.URL.Path, "/completions"):
		return t.completion(body)
	case strings.HasSuffix(req.URL.Path, "/embeddings"):
		return t.embedding(body)
	default:
		return jsonResponse(http.StatusNotFound, map[string]any{
			"error": map[string]any{"message": "unknown endpoint", "type": "invalid_request_error"},
		})
	}
}

func (t *Transport) chat(body []byte) (*http.Response, error) {
	var req types.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return jsonResponse(http.StatusBadRequest, errorBody("invalid JSON"))
	}

	content := "This is a mock response."
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			var text string
			if json.Unmarshal(req.Messages[i].Content, &text) == nil && text != "" {
				content = "Mock reply to: " + text
			}
			break
		}
	}

	if req.Stream {
		return streamResponse(req.Model, content)
	}

	raw, _ := json.Marshal(content)
	resp := types.ChatResponse{
		ID:     mockID("chatcmpl", body),
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      types.ChatMessage{Role: "assistant", Content: raw},
			FinishReason: "stop",
		}},
		Usage: &types.Usage{PromptTokens: 8, CompletionTokens: 6, TotalTokens: 14},
	}
	return jsonResponse(http.StatusOK, resp)
}

func (t *Transport) completion(body []byte) (*http.Response, error) {
	var req types.CompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return jsonResponse(http.StatusBadRequest, errorBody("invalid JSON"))
	}

	resp := types.CompletionResponse{
		ID:     mockID("cmpl", body),
		Object: "text_completion",
		Model:  req.Model,
		Choices: []types.CompletionChoice{{
			Index:        0,
			Text:         "mock completion",
			FinishReason: "stop",
		}},
		Usage: &types.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
	}
	return jsonResponse(http.StatusOK, resp)
}

func (t *Transport) embedding(body []byte) (*http.Response, error) {
	var req types.EmbeddingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return jsonResponse(http.StatusBadRequest, errorBody("invalid JSON"))
	}

	inputs := []string{""}
	if req.Input != nil {
		if req.Input.Text != nil {
			inputs = []string{*req.Input.Text}
		} else if req.Input.Texts != nil {
			inputs = req.Input.Texts
		}
	}

	data := make([]types.EmbeddingObject, len(inputs))
	for i, in := range inputs {
		data[i] = types.EmbeddingObject{
			Object:    "embedding",
			Embedding: pseudoVector(in),
			Index:     i,
		}
	}

	resp := types.EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  req.Model,
		Usage:  types.Usage{PromptTokens: 4 * len(inputs), TotalTokens: 4 * len(inputs)},
	}
	return jsonResponse(http.StatusOK, resp)
}

// pseudoVector derives a stable unit-scale vector from the input text so the
// same input always embeds identically.
func pseudoVector(input string) []float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	seed := h.Sum64()

	vec := make([]float64, embeddingDimensions)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float64(int64(seed>>11))/float64(1<<52) - 1
	}
	return vec
}

func streamResponse(model, content string) (*http.Response, error) {
	var buf bytes.Buffer
	writeChunk := func(chunk types.StreamChunk) {
		data, _ := json.Marshal(chunk)
		buf.WriteString("data: ")
		buf.Write(data)
		buf.WriteString("\n\n")
	}

	writeChunk(types.StreamChunk{
		Object:  "chat.completion.chunk",
		Model:   model,
		Choices: []types.StreamChoice{{Index: 0, Delta: types.StreamDelta{Role: "assistant"}}},
	})
	for _, word := range strings.SplitAfter(content, " ") {
		writeChunk(types.StreamChunk{
			Object:  "chat.completion.chunk",
			Model:   model,
			Choices: []types.StreamChoice{{Index: 0, Delta: types.StreamDelta{Content: word}}},
		})
	}
	writeChunk(types.StreamChunk{
		Object:  "chat.completion.chunk",
		Model:   model,
		Choices: []types.StreamChoice{{Index: 0, FinishReason: "stop"}},
	})
	buf.WriteString("data: [DONE]\n\n")

	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(&buf),
	}, nil
}

func mockID(prefix string, body []byte) string {
	h := fnv.New32a()
	_, _ = h.Write(body)
	return fmt.Sprintf("%s-mock-%08x", prefix, h.Sum32())
}

func errorBody(message string) map[string]any {
	return map[string]any{
		"error": map[string]any{"message": message, "type": "invalid_request_error"},
	}
}

func jsonResponse(status int, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(data)),
	}, nil
}
