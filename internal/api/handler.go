package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmrelay/internal/dispatch"
	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/modelrouter"
	"github.com/blueberrycongee/llmrelay/internal/store"
	"github.com/blueberrycongee/llmrelay/internal/streaming"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// DefaultMaxBodySize bounds client request bodies.
const DefaultMaxBodySize = 10 << 20

// Handler serves the OpenAI-compatible client endpoints.
type Handler struct {
	engine         *dispatch.Engine
	router         *modelrouter.Router
	store          *store.Store
	logger         *slog.Logger
	maxBodySize    int64
	requestTimeout time.Duration
}

// HandlerConfig wires a Handler. Store may be nil to disable audit rows.
type HandlerConfig struct {
	Engine         *dispatch.Engine
	Router         *modelrouter.Router
	Store          *store.Store
	Logger         *slog.Logger
	MaxBodySize    int64
	RequestTimeout time.Duration
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Handler{
		engine:         cfg.Engine,
		router:         cfg.Router,
		store:          cfg.Store,
		logger:         cfg.Logger,
		maxBodySize:    cfg.MaxBodySize,
		requestTimeout: cfg.RequestTimeout,
	}
}

// readBody reads and bounds the request body.
func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
	if err != nil {
		return nil, llmerrors.NewBadRequest("", "", "failed to read request body")
	}
	defer func() { _ = r.Body.Close() }()
	if int64(len(body)) > h.maxBodySize {
		return nil, llmerrors.NewBadRequest("", "", "request body too large")
	}
	return body, nil
}

func (h *Handler) requestContext(r *http.Request) (*dispatch.RequestContext, context.Context, context.CancelFunc) {
	rc := dispatch.NewRequestContext(RequestID(r.Context()), Principal(r.Context()), ClientIP(r.Context()))
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	return rc, ctx, cancel
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/v1/chat/completions"
	start := time.Now()

	body, err := h.readBody(r)
	if err != nil {
		h.finish(w, r, endpoint, nil, start, err)
		return
	}

	var req types.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.finish(w, r, endpoint, nil, start, llmerrors.NewBadRequest("", "", "invalid JSON: "+err.Error()))
		return
	}
	if err := types.ValidateModelName(req.Model); err != nil {
		h.finish(w, r, endpoint, nil, start, llmerrors.NewBadRequest("", req.Model, err.Error()))
		return
	}
	if len(req.Messages) == 0 {
		h.finish(w, r, endpoint, nil, start, llmerrors.NewBadRequest("", req.Model, "messages is required"))
		return
	}

	rc, ctx, cancel := h.requestContext(r)
	defer cancel()

	if req.Stream {
		h.streamChat(w, r, rc, ctx, &req, endpoint, start)
		return
	}

	resp, err := h.engine.ChatCompletion(ctx, rc, &req)
	if err != nil {
		h.finish(w, r, endpoint, rc, start, err)
		return
	}

	h.writeJSON(w, resp)
	h.finish(w, r, endpoint, rc, start, nil)
	h.audit(rc, endpoint, http.StatusOK, start, resp.Usage)
}

func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, rc *dispatch.RequestContext, ctx context.Context, req *types.ChatRequest, endpoint string, start time.Time) {
	// Ask the upstream for the trailing usage chunk so token budgets can be
	// charged after the stream finishes.
	if req.StreamOptions == nil {
		req.StreamOptions = &types.StreamOptions{IncludeUsage: true}
	} else {
		req.StreamOptions.IncludeUsage = true
	}

	sr, err := h.engine.ChatCompletionStream(ctx, rc, req)
	if err != nil {
		h.finish(w, r, endpoint, rc, start, err)
		return
	}
	defer sr.Close()

	var finalUsage *types.Usage
	forwarder := streaming.NewForwarder(r.Context(), sr.Response, sr.Adapter)
	forwarder.OnChunk = func(chunk *types.StreamChunk) {
		if chunk.Usage != nil {
			finalUsage = chunk.Usage
		}
	}

	if err := forwarder.Forward(w); err != nil {
		if r.Context().Err() != nil {
			h.logger.Debug("client disconnected during stream", "request_id", rc.RequestID)
		} else {
			h.logger.Error("stream terminated", "request_id", rc.RequestID, "error", err)
		}
	}
	sr.ObserveUsage(finalUsage)

	metrics.RecordRequest(endpoint, strconv.Itoa(http.StatusOK), time.Since(start))
	h.audit(rc, endpoint, http.StatusOK, start, finalUsage)
}

// Completions handles POST /v1/completions.
func (h *Handler) Completions(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/v1/completions"
	start := time.Now()

	body, err := h.readBody(r)
	if err != nil {
		h.finish(w, r, endpoint, nil, start, err)
		return
	}

	var req types.CompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.finish(w, r, endpoint, nil, start, llmerrors.NewBadRequest("", "", "invalid JSON: "+err.Error()))
		return
	}
	if err := types.ValidateModelName(req.Model); err != nil {
		h.finish(w, r, endpoint, nil, start, llmerrors.NewBadRequest("", req.Model, err.Error()))
		return
	}
	if req.Prompt == nil || req.Prompt.Validate() != nil {
		h.finish(w, r, endpoint, nil, start, llmerrors.NewBadRequest("", req.Model, "prompt is required"))
		return
	}

	rc, ctx, cancel := h.requestContext(r)
	defer cancel()

	resp, err := h.engine.Completion(ctx, rc, &req)
	if err != nil {
		h.finish(w, r, endpoint, rc, start, err)
		return
	}

	h.writeJSON(w, resp)
	h.finish(w, r, endpoint, rc, start, nil)
	h.audit(rc, endpoint, http.StatusOK, start, resp.Usage)
}

// Embeddings handles POST /v1/embeddings.
func (h *Handler) Embeddings(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/v1/embeddings"
	start := time.Now()

	body, err := h.readBody(r)
	if err != nil {
		h.finish(w, r, endpoint, nil, start, err)
		return
	}

	var req types.EmbeddingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.finish(w, r, endpoint, nil, start, llmerrors.NewBadRequest("", "", "invalid JSON: "+err.Error()))
		return
	}
	if err := types.ValidateModelName(req.Model); err != nil {
		h.finish(w, r, endpoint, nil, start, llmerrors.NewBadRequest("", req.Model, err.Error()))
		return
	}
	if req.Input.IsEmpty() {
		h.finish(w, r, endpoint, nil, start, llmerrors.NewBadRequest("", req.Model, "input is required"))
		return
	}
	if err := req.Input.Validate(); err != nil {
		h.finish(w, r, endpoint, nil, start, llmerrors.NewBadRequest("", req.Model, err.Error()))
		return
	}

	rc, ctx, cancel := h.requestContext(r)
	defer cancel()

	resp, err := h.engine.Embedding(ctx, rc, &req)
	if err != nil {
		h.finish(w, r, endpoint, rc, start, err)
		return
	}

	h.writeJSON(w, resp)
	h.finish(w, r, endpoint, rc, start, nil)
	h.audit(rc, endpoint, http.StatusOK, start, &resp.Usage)
}

// ListModels handles GET /v1/models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/v1/models"
	start := time.Now()

	aliases, err := h.router.Aliases(r.Context())
	if err != nil {
		h.finish(w, r, endpoint, nil, start, llmerrors.NewInternal("failed to list models"))
		return
	}

	models := make([]types.Model, 0, len(aliases))
	for _, alias := range aliases {
		models = append(models, types.Model{ID: alias, Object: "model", OwnedBy: "llmrelay"})
	}
	h.writeJSON(w, types.ModelList{Object: "list", Data: models})
	metrics.RecordRequest(endpoint, strconv.Itoa(http.StatusOK), time.Since(start))
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// finish writes the error (when set) and records request metrics.
func (h *Handler) finish(w http.ResponseWriter, r *http.Request, endpoint string, rc *dispatch.RequestContext, start time.Time, err error) {
	status := http.StatusOK
	if err != nil {
		perr := llmerrors.AsProxyError(err)
		status = perr.HTTPStatusCode()
		writeError(w, perr)
		h.logger.Warn("request failed",
			"endpoint", endpoint,
			"request_id", RequestID(r.Context()),
			"outcome", perr.Outcome,
			"status", status,
			"attempts", attemptCount(rc),
		)
		h.auditError(rc, endpoint, status, start, perr)
	}
	metrics.RecordRequest(endpoint, strconv.Itoa(status), time.Since(start))
}

func attemptCount(rc *dispatch.RequestContext) int {
	if rc == nil {
		return 0
	}
	return len(rc.Attempts)
}

// audit persists the request audit row off the request path.
func (h *Handler) audit(rc *dispatch.RequestContext, endpoint string, status int, start time.Time, usage *types.Usage) {
	if h.store == nil || rc == nil {
		return
	}

	row := &store.RequestAudit{
		RequestID:     rc.RequestID,
		ClientIP:      rc.ClientIP,
		Endpoint:      endpoint,
		Alias:         rc.Alias,
		StatusCode:    status,
		LatencyMs:     int(time.Since(start).Milliseconds()),
		FallbackCount: rc.FallbackCount(),
	}
	if usage != nil {
		row.PromptTokens = usage.PromptTokens
		row.OutputTokens = usage.CompletionTokens
	}
	if chain, err := json.Marshal(rc.Attempts); err == nil {
		row.AttemptChain = chain
	}
	for i := len(rc.Attempts) - 1; i >= 0; i-- {
		if rc.Attempts[i].Outcome == llmerrors.OutcomeOK {
			row.ProviderID = rc.Attempts[i].ProviderID
			row.ProviderModel = rc.Attempts[i].ProviderModel
			row.KeyID = rc.Attempts[i].KeyID
			break
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.InsertAudit(ctx, row); err != nil {
			h.logger.Warn("failed to write audit row", "request_id", row.RequestID, "error", err)
		}
	}()
}

func (h *Handler) auditError(rc *dispatch.RequestContext, endpoint string, status int, start time.Time, perr *llmerrors.ProxyError) {
	if h.store == nil || rc == nil {
		return
	}

	row := &store.RequestAudit{
		RequestID:     rc.RequestID,
		ClientIP:      rc.ClientIP,
		Endpoint:      endpoint,
		Alias:         rc.Alias,
		StatusCode:    status,
		LatencyMs:     int(time.Since(start).Milliseconds()),
		FallbackCount: rc.FallbackCount(),
		ErrorOutcome:  string(perr.Outcome),
		ErrorMessage:  perr.Message,
	}
	if chain, err := json.Marshal(rc.Attempts); err == nil {
		row.AttemptChain = chain
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.InsertAudit(ctx, row); err != nil {
			h.logger.Warn("failed to write audit row", "request_id", row.RequestID, "error", err)
		}
	}()
}
