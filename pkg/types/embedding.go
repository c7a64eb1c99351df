package types

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// EmbeddingInput is the input for an embedding request: a single string or an
// array of strings, per OpenAI's API.
type EmbeddingInput struct {
	Text  *string
	Texts []string
}

// UnmarshalJSON infers the input type from the JSON shape.
func (e *EmbeddingInput) UnmarshalJSON(data []byte) error {
	e.Text = nil
	e.Texts = nil

	if bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("input cannot be null")
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Text = &s
		return nil
	}

	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		e.Texts = ss
		return nil
	}

	return fmt.Errorf("input must be string or []string")
}

// MarshalJSON implements custom JSON marshaling.
func (e *EmbeddingInput) MarshalJSON() ([]byte, error) {
	if e.Text != nil {
		return json.Marshal(*e.Text)
	}
	if e.Texts != nil {
		return json.Marshal(e.Texts)
	}
	return nil, fmt.Errorf("embedding input is empty")
}

// Validate checks if the embedding input is non-empty.
func (e *EmbeddingInput) Validate() error {
	if e.Text != nil {
		if *e.Text == "" {
			return fmt.Errorf("input string cannot be empty")
		}
		return nil
	}
	if e.Texts != nil {
		if len(e.Texts) == 0 {
			return fmt.Errorf("input array cannot be empty")
		}
		for i, s := range e.Texts {
			if s == "" {
				return fmt.Errorf("input array contains empty string at index %d", i)
			}
		}
		return nil
	}
	return fmt.Errorf("input cannot be nil")
}

// IsEmpty returns true if no input is set.
func (e *EmbeddingInput) IsEmpty() bool {
	return e == nil || (e.Text == nil && e.Texts == nil)
}

// EmbeddingRequest is an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          *EmbeddingInput `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
	Dimensions     int             `json:"dimensions,omitempty"`
}

// Clone returns a copy safe for per-candidate mutation.
func (r *EmbeddingRequest) Clone() *EmbeddingRequest {
	dup := *r
	if r.Input != nil {
		in := *r.Input
		dup.Input = &in
	}
	return &dup
}

// EmbeddingResponse is an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string            `json:"object"`
	Data   []EmbeddingObject `json:"data"`
	Model  string            `json:"model"`
	Usage  Usage             `json:"usage"`
}

// EmbeddingObject is a single embedding vector with its input index.
type EmbeddingObject struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}
