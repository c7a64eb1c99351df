package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/blueberrycongee/llmrelay/internal/breaker"
	"github.com/blueberrycongee/llmrelay/internal/keyselect"
	"github.com/blueberrycongee/llmrelay/internal/modelrouter"
	"github.com/blueberrycongee/llmrelay/internal/store"
	"github.com/blueberrycongee/llmrelay/internal/vault"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/provider"
	"github.com/blueberrycongee/llmrelay/providers"
)

// maxKeyAttempts bounds how many different keys are tried on one candidate
// before advancing to the next provider.
const maxKeyAttempts = 3

// errorBodyLimit bounds how much of an upstream error body is read.
const errorBodyLimit = 64 * 1024

// transportProvider is implemented by adapters that ship their own transport
// (the mock provider); the engine uses it instead of a network client.
type transportProvider interface {
	Transport() http.RoundTripper
}

// Engine walks the candidate list for each request.
type Engine struct {
	router         *modelrouter.Router
	selector       *keyselect.Selector
	breaker        breaker.Breaker
	vault          *vault.Vault
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        Metrics

	mu       sync.Mutex
	adapters map[uint64]*adapterEntry
}

// Metrics decouples the engine from the Prometheus package; increments are
// fire-and-forget.
type Metrics interface {
	RecordAttempt(provider, model, outcome string)
	RecordFallback(alias, reason string)
}

type nopMetrics struct{}

func (nopMetrics) RecordAttempt(string, string, string) {}
func (nopMetrics) RecordFallback(string, string)        {}

type adapterEntry struct {
	adapter   provider.Adapter
	client    *http.Client
	updatedAt time.Time
}

// Config wires an Engine.
type Config struct {
	Router         *modelrouter.Router
	Selector       *keyselect.Selector
	Breaker        breaker.Breaker
	Vault          *vault.Vault
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	Metrics        Metrics
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	return &Engine{
		router:         cfg.Router,
		selector:       cfg.Selector,
		breaker:        cfg.Breaker,
		vault:          cfg.Vault,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		adapters:       make(map[uint64]*adapterEntry),
	}
}

// adapterFor returns the cached adapter and HTTP client for a provider
// record, rebuilding them when the record changed.
func (e *Engine) adapterFor(prov store.Provider) (provider.Adapter, *http.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if entry, ok := e.adapters[prov.ID]; ok && entry.updatedAt.Equal(prov.UpdatedAt) {
		return entry.adapter, entry.client, nil
	}

	adapter, err := providers.Create(provider.Config{
		Name:       prov.Name,
		Type:       prov.Type,
		BaseURL:    prov.BaseURL,
		Timeout:    prov.Timeout(),
		MaxRetries: prov.MaxRetries,
	})
	if err != nil {
		return nil, nil, err
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	if tp, ok := adapter.(transportProvider); ok {
		client = &http.Client{Transport: tp.Transport()}
	}

	e.adapters[prov.ID] = &adapterEntry{adapter: adapter, client: client, updatedAt: prov.UpdatedAt}
	return adapter, client, nil
}

// buildFunc creates the upstream request for one operation.
type buildFunc func(ctx context.Context, adapter provider.Adapter, cand modelrouter.Candidate, creds provider.Credentials) (*http.Request, error)

// parseFunc consumes a successful upstream response. usageTokens reports the
// total tokens for post-call charging (0 when unknown).
type parseFunc func(adapter provider.Adapter, resp *http.Response) (result any, usageTokens int, err error)

// run walks the candidate list for one request. streaming selects the
// accepted-response path: the upstream body is handed back unread.
func (e *Engine) run(ctx context.Context, rc *RequestContext, capability provider.Capability, streaming bool, build buildFunc, parse parseFunc) (any, error) {
	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}

	candidates, err := e.router.Resolve(ctx, rc.Alias)
	if err != nil {
		return nil, err
	}

	var prevProviderID uint64
	sameProviderRetries := 0

	for _, cand := range candidates {
		if err := checkDeadline(ctx); err != nil {
			break
		}

		// Backoff applies between attempts on the same provider only.
		if cand.Provider.ID == prevProviderID && prevProviderID != 0 {
			if err := sleep(ctx, backoffDelay(sameProviderRetries)); err != nil {
				break
			}
			sameProviderRetries++
		} else {
			sameProviderRetries = 0
		}
		prevProviderID = cand.Provider.ID

		adapter, client, err := e.adapterFor(cand.Provider)
		if err != nil {
			rc.record(Attempt{
				Provider: cand.Provider.Name, ProviderID: cand.Provider.ID,
				ProviderModel: cand.ProviderModel,
				Outcome:       llmerrors.OutcomeInternal, Message: err.Error(),
			})
			continue
		}
		if !provider.Supports(adapter, capability) {
			rc.record(Attempt{
				Provider: cand.Provider.Name, ProviderID: cand.Provider.ID,
				ProviderModel: cand.ProviderModel,
				Outcome:       llmerrors.OutcomeBadRequest,
				Message:       fmt.Sprintf("provider %s does not support %s", cand.Provider.Name, capability),
			})
			e.fallback(rc.Alias, string(llmerrors.OutcomeBadRequest))
			continue
		}

		allowed, err := e.breaker.Allow(ctx, cand.Provider.ID)
		if err != nil {
			e.logger.Warn("circuit breaker check failed", "provider", cand.Provider.Name, "error", err)
		}
		if !allowed {
			rc.record(Attempt{
				Provider: cand.Provider.Name, ProviderID: cand.Provider.ID,
				ProviderModel: cand.ProviderModel,
				Outcome:       llmerrors.OutcomeCircuitOpen, Message: "circuit open",
			})
			e.metrics.RecordAttempt(cand.Provider.Name, cand.ProviderModel, string(llmerrors.OutcomeCircuitOpen))
			e.fallback(rc.Alias, string(llmerrors.OutcomeCircuitOpen))
			continue
		}

		result, perr := e.attemptCandidate(ctx, rc, cand, adapter, client, streaming, build, parse)
		if perr == nil {
			return result, nil
		}
		if !perr.Retryable() {
			return nil, e.clientError(perr, cand, rc)
		}
		if perr.Outcome == llmerrors.OutcomeRateLimited && !retryAfterFits(ctx, perr.RetryAfter) {
			// Retry-After exceeds the remaining deadline: this provider is
			// exhausted for the request, move on.
			e.fallback(rc.Alias, string(perr.Outcome))
			continue
		}
		e.fallback(rc.Alias, string(perr.Outcome))
	}

	return nil, llmerrors.NewUpstreamUnavailable(rc.Alias, rc.LastUpstreamMessage())
}

// attemptCandidate tries one candidate, cycling through up to maxKeyAttempts
// keys when failures are key-scoped (auth, quota).
func (e *Engine) attemptCandidate(
	ctx context.Context,
	rc *RequestContext,
	cand modelrouter.Candidate,
	adapter provider.Adapter,
	client *http.Client,
	streaming bool,
	build buildFunc,
	parse parseFunc,
) (any, *llmerrors.ProxyError) {
	var lastErr *llmerrors.ProxyError
	var tried []uint64

	for keyAttempt := 0; keyAttempt < maxKeyAttempts; keyAttempt++ {
		if keyAttempt > 0 {
			if err := sleep(ctx, backoffDelay(keyAttempt-1)); err != nil {
				return nil, llmerrors.NewUpstream(llmerrors.OutcomeTimeout, cand.Provider.Name, cand.ProviderModel, "deadline exceeded during backoff")
			}
		}

		key, err := e.selector.Pick(ctx, cand.Provider.ID, tried...)
		if err != nil {
			perr := llmerrors.AsProxyError(err)
			rc.record(Attempt{
				Provider: cand.Provider.Name, ProviderID: cand.Provider.ID,
				ProviderModel: cand.ProviderModel,
				Outcome:       perr.Outcome, Message: perr.Message,
			})
			e.metrics.RecordAttempt(cand.Provider.Name, cand.ProviderModel, string(perr.Outcome))
			return nil, perr
		}
		tried = append(tried, key.ID)

		result, perr := e.attemptOnce(ctx, rc, cand, adapter, client, key, streaming, build, parse)
		if perr == nil {
			return result, nil
		}
		lastErr = perr

		// Only key-scoped failures justify another key on the same provider.
		switch perr.Outcome {
		case llmerrors.OutcomeAuthFailed, llmerrors.OutcomeQuotaExhausted:
			continue
		default:
			return nil, perr
		}
	}
	return nil, lastErr
}

// attemptOnce executes exactly one adapter call with one unsealed key.
func (e *Engine) attemptOnce(
	ctx context.Context,
	rc *RequestContext,
	cand modelrouter.Candidate,
	adapter provider.Adapter,
	client *http.Client,
	key *store.APIKey,
	streaming bool,
	build buildFunc,
	parse parseFunc,
) (any, *llmerrors.ProxyError) {
	start := time.Now()

	finish := func(outcome llmerrors.Outcome, message string, tokens int, retryAfter time.Duration) *llmerrors.ProxyError {
		message = vault.Sanitize(message, key.Ciphertext)
		rc.record(Attempt{
			Provider: cand.Provider.Name, ProviderID: cand.Provider.ID,
			ProviderModel: cand.ProviderModel, KeyID: key.KeyID,
			Outcome: outcome, Message: message,
			LatencyMs: time.Since(start).Milliseconds(),
		})
		e.metrics.RecordAttempt(cand.Provider.Name, cand.ProviderModel, string(outcome))
		e.selector.Observe(ctx, key, outcome, tokens, retryAfter)
		e.observeBreaker(ctx, cand.Provider.ID, outcome)
		if outcome == llmerrors.OutcomeOK {
			return nil
		}
		perr := llmerrors.NewUpstream(outcome, cand.Provider.Name, cand.ProviderModel, message)
		perr.RetryAfter = retryAfter
		return perr
	}

	cleartext, err := e.vault.Unseal(key.Ciphertext)
	if err != nil {
		e.logger.Error("unseal failed", "key_id", key.KeyID, "error", err)
		return nil, finish(llmerrors.OutcomeInternal, "credential unseal failed", 0, 0)
	}
	creds := provider.Credentials{APIKey: cleartext}

	attemptCtx, cancel, release := e.attemptContext(ctx, cand.Provider.Timeout(), streaming)

	httpReq, err := build(attemptCtx, adapter, cand, creds)
	if err != nil {
		cancel()
		if errors.Is(err, provider.ErrUnsupported) {
			return nil, finish(llmerrors.OutcomeBadRequest, err.Error(), 0, 0)
		}
		return nil, finish(llmerrors.OutcomeInternal, vault.Sanitize(err.Error(), cleartext), 0, 0)
	}

	resp, err := client.Do(httpReq)
	release()
	if err != nil {
		cancel()
		outcome := llmerrors.OutcomeNetworkError
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() != nil {
			outcome = llmerrors.OutcomeTimeout
		}
		return nil, finish(outcome, vault.Sanitize(err.Error(), cleartext), 0, 0)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		_ = resp.Body.Close()
		cancel()

		perr := llmerrors.AsProxyError(adapter.MapError(resp.StatusCode, body))
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, finish(perr.Outcome, vault.Sanitize(perr.Message, cleartext), 0, retryAfter)
	}

	if streaming {
		// Hand the accepted response back unread; from here on a failure
		// terminates the client stream instead of falling back.
		_ = finish(llmerrors.OutcomeOK, "", 0, 0)
		return &StreamResult{
			Response: resp,
			Adapter:  adapter,
			cancel:   cancel,
			observeTokens: func(tokens int) {
				e.selector.ChargeTokens(context.WithoutCancel(ctx), key.ID, tokens)
			},
		}, nil
	}

	result, tokens, err := parse(adapter, resp)
	_ = resp.Body.Close()
	cancel()
	if err != nil {
		return nil, finish(llmerrors.OutcomeServerError, vault.Sanitize(err.Error(), cleartext), 0, 0)
	}

	_ = finish(llmerrors.OutcomeOK, "", tokens, 0)
	return result, nil
}

// attemptContext derives the per-attempt context. Unary attempts get the
// smaller of the remaining deadline and the provider timeout. Streaming
// attempts must outlive the per-attempt timeout once the response is
// accepted, so the timeout only arms until release is called.
func (e *Engine) attemptContext(ctx context.Context, providerTimeout time.Duration, streaming bool) (attemptCtx context.Context, cancel context.CancelFunc, release func()) {
	timeout := providerTimeout
	if timeout <= 0 || timeout > e.defaultTimeout {
		timeout = e.defaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	if !streaming {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		return attemptCtx, cancel, func() {}
	}

	attemptCtx, cancel = context.WithCancel(ctx)
	timer := time.AfterFunc(timeout, cancel)
	return attemptCtx, cancel, func() { timer.Stop() }
}

func (e *Engine) observeBreaker(ctx context.Context, providerID uint64, outcome llmerrors.Outcome) {
	var err error
	switch {
	case outcome == llmerrors.OutcomeOK:
		err = e.breaker.RecordSuccess(ctx, providerID)
	case outcome.TripsBreaker():
		err = e.breaker.RecordFailure(ctx, providerID)
	}
	if err != nil {
		e.logger.Warn("circuit breaker update failed", "provider_id", providerID, "error", err)
	}
}

func (e *Engine) fallback(alias, reason string) {
	e.metrics.RecordFallback(alias, reason)
}

// clientError re-wraps a terminal attempt error with its client-facing
// status.
func (e *Engine) clientError(perr *llmerrors.ProxyError, cand modelrouter.Candidate, rc *RequestContext) error {
	switch perr.Outcome {
	case llmerrors.OutcomeBadRequest:
		return llmerrors.NewBadRequest(cand.Provider.Name, rc.Alias, perr.Message)
	case llmerrors.OutcomeInternal:
		return perr
	default:
		return llmerrors.NewUpstreamUnavailable(rc.Alias, perr.Message)
	}
}

func checkDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return llmerrors.NewGatewayTimeout("deadline exceeded before dispatch")
		}
		return llmerrors.NewInternal("request cancelled")
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return llmerrors.NewGatewayTimeout("deadline exceeded before dispatch")
	}
	return nil
}

func retryAfterFits(ctx context.Context, retryAfter time.Duration) bool {
	if retryAfter <= 0 {
		return true
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) > retryAfter
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(header, "%d", &secs); err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
