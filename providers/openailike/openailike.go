// Package openailike implements the shared adapter for providers that speak
// the OpenAI wire dialect. Concrete providers (openai, ollama, custom-http)
// wrap it with their own defaults.
package openailike

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Info describes one openai-dialect provider variant.
type Info struct {
	Name           string
	DefaultBaseURL string
	Capabilities   []provider.Capability
}

// Adapter is a stateless OpenAI-dialect adapter.
type Adapter struct {
	info    Info
	baseURL string
	headers map[string]string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the provider base URL.
func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		if url != "" {
			a.baseURL = url
		}
	}
}

// WithHeaders sets extra headers applied to every upstream request.
func WithHeaders(headers map[string]string) Option {
	return func(a *Adapter) {
		for k, v := range headers {
			a.headers[k] = v
		}
	}
}

// New creates an adapter for the given variant.
func New(info Info, opts ...Option) *Adapter {
	a := &Adapter{
		info:    info,
		baseURL: info.DefaultBaseURL,
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewFromConfig creates an adapter from a provider.Config.
func NewFromConfig(info Info, cfg provider.Config) (provider.Adapter, error) {
	return New(info, WithBaseURL(cfg.BaseURL), WithHeaders(cfg.Headers)), nil
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return a.info.Name
}

// Capabilities returns the operations this adapter supports.
func (a *Adapter) Capabilities() []provider.Capability {
	return a.info.Capabilities
}

func (a *Adapter) endpoint(path string) string {
	return strings.TrimSuffix(a.baseURL, "/") + path
}

func (a *Adapter) newRequest(ctx context.Context, url string, payload any, creds provider.Credentials) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if creds.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+creds.APIKey)
	}
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// BuildChatRequest creates the upstream chat completion request. The body is
// the client body re-serialized, including passthrough Extra fields.
func (a *Adapter) BuildChatRequest(ctx context.Context, req *types.ChatRequest, creds provider.Credentials) (*http.Request, error) {
	if !provider.Supports(a, provider.CapabilityChat) {
		return nil, provider.ErrUnsupported
	}
	return a.newRequest(ctx, a.endpoint("/chat/completions"), req, creds)
}

// BuildCompletionRequest creates the upstream legacy completion request.
func (a *Adapter) BuildCompletionRequest(ctx context.Context, req *types.CompletionRequest, creds provider.Credentials) (*http.Request, error) {
	if !provider.Supports(a, provider.CapabilityCompletion) {
		return nil, provider.ErrUnsupported
	}
	return a.newRequest(ctx, a.endpoint("/completions"), req, creds)
}

// BuildEmbeddingRequest creates the upstream embedding request.
func (a *Adapter) BuildEmbeddingRequest(ctx context.Context, req *types.EmbeddingRequest, creds provider.Credentials) (*http.Request, error) {
	if !provider.Supports(a, provider.CapabilityEmbedding) {
		return nil, provider.ErrUnsupported
	}
	return a.newRequest(ctx, a.endpoint("/embeddings"), req, creds)
}

// ParseChatResponse decodes an upstream chat response.
func (a *Adapter) ParseChatResponse(resp *http.Response) (*types.ChatResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var chatResp types.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &chatResp, nil
}

// ParseCompletionResponse decodes an upstream completion response.
func (a *Adapter) ParseCompletionResponse(resp *http.Response) (*types.CompletionResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var out types.CompletionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &out, nil
}

// ParseEmbeddingResponse decodes an upstream embedding response.
func (a *Adapter) ParseEmbeddingResponse(resp *http.Response) (*types.EmbeddingResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var out types.EmbeddingResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &out, nil
}

// ParseStreamChunk parses a single SSE data line from the upstream.
func (a *Adapter) ParseStreamChunk(data []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] == ':' {
		return nil, nil
	}
	trimmed = bytes.TrimPrefix(trimmed, []byte("data: "))
	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, nil
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil, fmt.Errorf("unmarshal chunk: %w", err)
	}
	return &chunk, nil
}

// MapError classifies an upstream error response.
func (a *Adapter) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := fmt.Sprintf("upstream returned status %d", statusCode)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	outcome := llmerrors.ClassifyStatus(statusCode)
	// OpenAI reports exhausted quota as a 429 with a distinct code.
	if outcome == llmerrors.OutcomeRateLimited && errResp.Error.Code == "insufficient_quota" {
		outcome = llmerrors.OutcomeQuotaExhausted
	}
	return llmerrors.NewUpstream(outcome, a.info.Name, "", message)
}
