package dispatch

import (
	"context"
	"net/http"

	"github.com/blueberrycongee/llmrelay/internal/modelrouter"
	"github.com/blueberrycongee/llmrelay/internal/store"
	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// applyChatOverride merges the mapping override into the request.
// Client-supplied values win unless the override is marked forced.
func applyChatOverride(req *types.ChatRequest, ov store.Override) {
	if ov.Temperature != nil && (req.Temperature == nil || ov.Forced) {
		t := *ov.Temperature
		req.Temperature = &t
	}
	if ov.MaxTokens != nil && (req.MaxTokens == 0 || ov.Forced) {
		req.MaxTokens = *ov.MaxTokens
	}
	if ov.TopP != nil && (req.TopP == nil || ov.Forced) {
		p := *ov.TopP
		req.TopP = &p
	}
	if len(ov.Stop) > 0 && (len(req.Stop) == 0 || ov.Forced) {
		req.Stop = append([]string(nil), ov.Stop...)
	}
}

func applyCompletionOverride(req *types.CompletionRequest, ov store.Override) {
	if ov.Temperature != nil && (req.Temperature == nil || ov.Forced) {
		t := *ov.Temperature
		req.Temperature = &t
	}
	if ov.MaxTokens != nil && (req.MaxTokens == 0 || ov.Forced) {
		req.MaxTokens = *ov.MaxTokens
	}
	if ov.TopP != nil && (req.TopP == nil || ov.Forced) {
		p := *ov.TopP
		req.TopP = &p
	}
	if len(ov.Stop) > 0 && (len(req.Stop) == 0 || ov.Forced) {
		req.Stop = append([]string(nil), ov.Stop...)
	}
}

// ChatCompletion dispatches a unary chat completion.
func (e *Engine) ChatCompletion(ctx context.Context, rc *RequestContext, req *types.ChatRequest) (*types.ChatResponse, error) {
	rc.Alias = req.Model

	build := func(ctx context.Context, adapter provider.Adapter, cand modelrouter.Candidate, creds provider.Credentials) (*http.Request, error) {
		r := req.Clone()
		r.Model = cand.ProviderModel
		r.Stream = false
		applyChatOverride(r, cand.Override)
		return adapter.BuildChatRequest(ctx, r, creds)
	}
	parse := func(adapter provider.Adapter, resp *http.Response) (any, int, error) {
		out, err := adapter.ParseChatResponse(resp)
		if err != nil {
			return nil, 0, err
		}
		tokens := 0
		if out.Usage != nil {
			tokens = out.Usage.TotalTokens
		}
		return out, tokens, nil
	}

	result, err := e.run(ctx, rc, provider.CapabilityChat, false, build, parse)
	if err != nil {
		return nil, err
	}
	return result.(*types.ChatResponse), nil
}

// ChatCompletionStream dispatches a streaming chat completion. Fallback is
// possible until the upstream accepts the request; after that the returned
// StreamResult is pinned to its upstream.
func (e *Engine) ChatCompletionStream(ctx context.Context, rc *RequestContext, req *types.ChatRequest) (*StreamResult, error) {
	rc.Alias = req.Model

	build := func(ctx context.Context, adapter provider.Adapter, cand modelrouter.Candidate, creds provider.Credentials) (*http.Request, error) {
		r := req.Clone()
		r.Model = cand.ProviderModel
		r.Stream = true
		applyChatOverride(r, cand.Override)
		return adapter.BuildChatRequest(ctx, r, creds)
	}

	result, err := e.run(ctx, rc, provider.CapabilityChat, true, build, nil)
	if err != nil {
		return nil, err
	}
	return result.(*StreamResult), nil
}

// Completion dispatches a legacy completion.
func (e *Engine) Completion(ctx context.Context, rc *RequestContext, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	rc.Alias = req.Model

	build := func(ctx context.Context, adapter provider.Adapter, cand modelrouter.Candidate, creds provider.Credentials) (*http.Request, error) {
		r := req.Clone()
		r.Model = cand.ProviderModel
		r.Stream = false
		applyCompletionOverride(r, cand.Override)
		return adapter.BuildCompletionRequest(ctx, r, creds)
	}
	parse := func(adapter provider.Adapter, resp *http.Response) (any, int, error) {
		out, err := adapter.ParseCompletionResponse(resp)
		if err != nil {
			return nil, 0, err
		}
		tokens := 0
		if out.Usage != nil {
			tokens = out.Usage.TotalTokens
		}
		return out, tokens, nil
	}

	result, err := e.run(ctx, rc, provider.CapabilityCompletion, false, build, parse)
	if err != nil {
		return nil, err
	}
	return result.(*types.CompletionResponse), nil
}

// Embedding dispatches an embedding request.
func (e *Engine) Embedding(ctx context.Context, rc *RequestContext, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	rc.Alias = req.Model

	build := func(ctx context.Context, adapter provider.Adapter, cand modelrouter.Candidate, creds provider.Credentials) (*http.Request, error) {
		r := req.Clone()
		r.Model = cand.ProviderModel
		return adapter.BuildEmbeddingRequest(ctx, r, creds)
	}
	parse := func(adapter provider.Adapter, resp *http.Response) (any, int, error) {
		out, err := adapter.ParseEmbeddingResponse(resp)
		if err != nil {
			return nil, 0, err
		}
		return out, out.Usage.TotalTokens, nil
	}

	result, err := e.run(ctx, rc, provider.CapabilityEmbedding, false, build, parse)
	if err != nil {
		return nil, err
	}
	return result.(*types.EmbeddingResponse), nil
}
