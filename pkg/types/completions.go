package types

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// CompletionPrompt is the prompt for a legacy completion request.
// OpenAI accepts either a single string or an array of strings.
type CompletionPrompt struct {
	Text  *string
	Texts []string
}

// UnmarshalJSON implements custom JSON unmarshaling.
func (p *CompletionPrompt) UnmarshalJSON(data []byte) error {
	p.Text = nil
	p.Texts = nil

	if bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("prompt cannot be null")
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p.Text = &s
		return nil
	}

	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		p.Texts = ss
		return nil
	}

	return fmt.Errorf("prompt must be string or []string")
}

// MarshalJSON implements custom JSON marshaling.
func (p *CompletionPrompt) MarshalJSON() ([]byte, error) {
	if p.Text != nil {
		return json.Marshal(*p.Text)
	}
	if p.Texts != nil {
		return json.Marshal(p.Texts)
	}
	return nil, fmt.Errorf("prompt is empty")
}

// Validate checks whether the prompt is non-empty.
func (p *CompletionPrompt) Validate() error {
	if p.Text != nil {
		if *p.Text == "" {
			return fmt.Errorf("prompt cannot be empty")
		}
		return nil
	}
	if len(p.Texts) == 0 {
		return fmt.Errorf("prompt list cannot be empty")
	}
	for i, s := range p.Texts {
		if s == "" {
			return fmt.Errorf("prompt list contains empty string at index %d", i)
		}
	}
	return nil
}

// CompletionRequest is an OpenAI-compatible legacy completion request.
type CompletionRequest struct {
	Model            string            `json:"model"`
	Prompt           *CompletionPrompt `json:"prompt"`
	MaxTokens        int               `json:"max_tokens,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	TopP             *float64          `json:"top_p,omitempty"`
	N                int               `json:"n,omitempty"`
	Stop             []string          `json:"stop,omitempty"`
	PresencePenalty  *float64          `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64          `json:"frequency_penalty,omitempty"`
	Stream           bool              `json:"stream,omitempty"`
	User             string            `json:"user,omitempty"`
}

// Clone returns a copy safe for per-candidate mutation.
func (r *CompletionRequest) Clone() *CompletionRequest {
	dup := *r
	dup.Stop = append([]string(nil), r.Stop...)
	return &dup
}

// CompletionResponse is an OpenAI-compatible legacy completion response.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

// CompletionChoice represents a single completion choice.
type CompletionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}
