// Package anthropic provides the Anthropic provider adapter. It translates
// between the OpenAI chat shape and Anthropic's Messages API, including the
// event-typed SSE stream.
package anthropic

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

const (
	ProviderName   = "anthropic"
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the anthropic-version header value.
	DefaultAPIVersion = "2023-06-01"

	// DefaultMaxTokens applies when the client omits max_tokens, which the
	// Messages API requires.
	DefaultMaxTokens = 4096
)

// Adapter implements the Anthropic Messages API dialect.
type Adapter struct {
	baseURL    string
	apiVersion string
	headers    map[string]string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		if url != "" {
			a.baseURL = url
		}
	}
}

// WithAPIVersion overrides the anthropic-version header.
func WithAPIVersion(v string) Option {
	return func(a *Adapter) {
		if v != "" {
			a.apiVersion = v
		}
	}
}

// New creates a new Anthropic adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		headers:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewFromConfig creates an adapter from a provider.Config.
func NewFromConfig(cfg provider.Config) (provider.Adapter, error) {
	a := New(WithBaseURL(cfg.BaseURL))
	for k, v := range cfg.Headers {
		a.headers[k] = v
	}
	return a, nil
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return ProviderName
}

// Capabilities returns the operations this adapter supports.
func (a *Adapter) Capabilities() []provider.Capability {
	return []provider.Capability{provider.CapabilityChat}
}

// anthropicRequest is the Messages API request shape.
type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Metadata      *metadata          `json:"metadata,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// anthropicResponse is the Messages API response shape.
type anthropicResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []contentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// BuildChatRequest creates the upstream Messages API request.
func (a *Adapter) BuildChatRequest(ctx context.Context, req *types.ChatRequest, creds provider.Credentials) (*http.Request, error) {
	anthropicReq, err := a.transformRequest(req)
	if err != nil {
		return nil, fmt.Errorf("transform request: %w", err)
	}

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(a.baseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", creds.APIKey)
	httpReq.Header.Set("anthropic-version", a.apiVersion)
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// BuildCompletionRequest is not supported; the Messages API has no legacy
// completion surface.
func (a *Adapter) BuildCompletionRequest(ctx context.Context, req *types.CompletionRequest, creds provider.Credentials) (*http.Request, error) {
	return nil, provider.ErrUnsupported
}

// BuildEmbeddingRequest is not supported.
func (a *Adapter) BuildEmbeddingRequest(ctx context.Context, req *types.EmbeddingRequest, creds provider.Credentials) (*http.Request, error) {
	return nil, provider.ErrUnsupported
}

func (a *Adapter) transformRequest(req *types.ChatRequest) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:     req.Model,
		MaxTokens: DefaultMaxTokens,
		Stream:    req.Stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = req.Temperature
	}
	if req.TopP != nil {
		out.TopP = req.TopP
	}
	if len(req.Stop) > 0 {
		out.StopSequences = req.Stop
	}
	if req.User != "" {
		out.Metadata = &metadata{UserID: req.User}
	}

	messages, systemPrompt, err := transformMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	out.Messages = messages
	out.System = systemPrompt
	return out, nil
}

func transformMessages(messages []types.ChatMessage) ([]anthropicMessage, string, error) {
	var result []anthropicMessage
	var systemPrompt string

	for _, msg := range messages {
		text, blocks, err := decodeContent(msg.Content)
		if err != nil {
			return nil, "", err
		}

		if msg.Role == "system" {
			if text != "" {
				systemPrompt += text
			}
			for _, b := range blocks {
				systemPrompt += b.Text
			}
			continue
		}

		if blocks != nil {
			result = append(result, anthropicMessage{Role: msg.Role, Content: blocks})
		} else {
			result = append(result, anthropicMessage{Role: msg.Role, Content: text})
		}
	}
	return result, systemPrompt, nil
}

// decodeContent accepts either a plain string or an array of content parts.
func decodeContent(raw json.RawMessage) (string, []contentBlock, error) {
	if len(raw) == 0 {
		return "", nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil, nil
	}

	var parts []map[string]any
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, fmt.Errorf("invalid message content format")
	}
	var blocks []contentBlock
	for _, part := range parts {
		if part["type"] == "text" {
			if t, ok := part["text"].(string); ok {
				blocks = append(blocks, contentBlock{Type: "text", Text: t})
			}
		}
	}
	return "", blocks, nil
}

// ParseChatResponse normalizes a Messages API response.
func (a *Adapter) ParseChatResponse(resp *http.Response) (*types.ChatResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var ar anthropicResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var textContent strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			textContent.WriteString(block.Text)
		}
	}

	content, err := json.Marshal(textContent.String())
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	return &types.ChatResponse{
		ID:     ar.ID,
		Object: "chat.completion",
		Model:  ar.Model,
		Choices: []types.Choice{{
			Index: 0,
			Message: types.ChatMessage{
				Role:    "assistant",
				Content: content,
			},
			FinishReason: mapStopReason(ar.StopReason),
		}},
		Usage: &types.Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
	}, nil
}

// ParseCompletionResponse is not supported.
func (a *Adapter) ParseCompletionResponse(resp *http.Response) (*types.CompletionResponse, error) {
	return nil, provider.ErrUnsupported
}

// ParseEmbeddingResponse is not supported.
func (a *Adapter) ParseEmbeddingResponse(resp *http.Response) (*types.EmbeddingResponse, error) {
	return nil, provider.ErrUnsupported
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// ParseStreamChunk converts one Anthropic SSE event into an OpenAI chunk.
func (a *Adapter) ParseStreamChunk(data []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.HasPrefix(trimmed, []byte("event:")) {
		return nil, nil
	}
	trimmed = bytes.TrimPrefix(trimmed, []byte("data: "))
	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, nil
	}

	var event map[string]any
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, nil
	}
	eventType, _ := event["type"].(string)

	switch eventType {
	case "message_start":
		msg, ok := event["message"].(map[string]any)
		if !ok {
			return nil, nil
		}
		id, _ := msg["id"].(string)
		model, _ := msg["model"].(string)
		return &types.StreamChunk{
			ID:     id,
			Object: "chat.completion.chunk",
			Model:  model,
			Choices: []types.StreamChoice{{
				Index: 0,
				Delta: types.StreamDelta{Role: "assistant"},
			}},
		}, nil

	case "content_block_delta":
		delta, ok := event["delta"].(map[string]any)
		if !ok || delta["type"] != "text_delta" {
			return nil, nil
		}
		text, ok := delta["text"].(string)
		if !ok {
			return nil, nil
		}
		return &types.StreamChunk{
			Object: "chat.completion.chunk",
			Choices: []types.StreamChoice{{
				Index: 0,
				Delta: types.StreamDelta{Content: text},
			}},
		}, nil

	case "message_delta":
		delta, ok := event["delta"].(map[string]any)
		if !ok {
			return nil, nil
		}
		stopReason, _ := delta["stop_reason"].(string)
		if stopReason == "" {
			return nil, nil
		}
		return &types.StreamChunk{
			Object: "chat.completion.chunk",
			Choices: []types.StreamChoice{{
				Index:        0,
				FinishReason: mapStopReason(stopReason),
			}},
		}, nil
	}
	return nil, nil
}

// MapError classifies an Anthropic error response.
func (a *Adapter) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := fmt.Sprintf("upstream returned status %d", statusCode)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	outcome := llmerrors.ClassifyStatus(statusCode)
	if errResp.Error.Type == "overloaded_error" {
		outcome = llmerrors.OutcomeServerError
	}
	return llmerrors.NewUpstream(outcome, ProviderName, "", message)
}
