// Package main is the entry point for the llmrelay proxy server.
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmrelay/internal/api"
	"github.com/blueberrycongee/llmrelay/internal/breaker"
	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/dispatch"
	"github.com/blueberrycongee/llmrelay/internal/keyselect"
	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/modelrouter"
	"github.com/blueberrycongee/llmrelay/internal/ratelimit"
	"github.com/blueberrycongee/llmrelay/internal/secret"
	secretenv "github.com/blueberrycongee/llmrelay/internal/secret/env"
	secretvault "github.com/blueberrycongee/llmrelay/internal/secret/vault"
	"github.com/blueberrycongee/llmrelay/internal/store"
	"github.com/blueberrycongee/llmrelay/internal/vault"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (optional)")
	flag.Parse()

	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var cfg *config.Config
	var cfgManager *config.Manager
	var err error
	if *configPath != "" {
		cfgManager, err = config.NewManager(*configPath, bootstrapLogger)
		if err != nil {
			bootstrapLogger.Error("failed to load configuration", "error", err)
			os.Exit(1)
		}
		cfg = cfgManager.Get()
	} else {
		cfg, err = config.LoadFromEnv()
		if err != nil {
			bootstrapLogger.Error("failed to load configuration", "error", err)
			os.Exit(1)
		}
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting llmrelay", "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Configuration store.
	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	if err := st.AutoMigrate(); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	// Master key for the credential vault.
	secrets := secret.NewResolver(secret.DefaultTTL)
	secrets.Mount("env", secretenv.New())
	if cfg.Vault.VaultAddr != "" {
		src, err := secretvault.New(secretvault.Config{Address: cfg.Vault.VaultAddr, Token: cfg.Vault.VaultToken})
		if err != nil {
			logger.Error("failed to init vault secret source", "error", err)
			os.Exit(1)
		}
		secrets.Mount("vault", src)
	}
	defer secrets.Close()

	keyVault, err := unsealVault(ctx, secrets, cfg.Vault.MasterKeyRef)
	if err != nil {
		logger.Error("failed to init key vault", "error", err)
		os.Exit(1)
	}

	// Shared store, rate limiter and circuit breaker. Memory mode is the
	// explicit single-process opt-in.
	var limiter ratelimit.Limiter
	var circuits breaker.Breaker
	var usage *ratelimit.UsageTracker
	breakerCfg := breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           time.Duration(cfg.Breaker.WindowSeconds) * time.Second,
		OpenDuration:     time.Duration(cfg.Breaker.OpenSeconds) * time.Second,
		MaxOpenDuration:  time.Duration(cfg.Breaker.MaxOpenSeconds) * time.Second,
		ProbeCount:       cfg.Breaker.ProbeCount,
	}

	if cfg.Redis.Mode == "memory" {
		logger.Warn("running with process-local rate limits and circuit state; do not scale horizontally")
		limiter = ratelimit.NewMemoryLimiter()
		circuits = breaker.NewMemoryBreaker(breakerCfg)
	} else {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()

		limiter = ratelimit.NewRedisLimiter(rdb, "rl")
		circuits = breaker.NewRedisBreaker(rdb, breakerCfg)
		usage = ratelimit.NewUsageTracker(rdb, "rl:upstream")
	}

	gate := ratelimit.NewGate(limiter, ratelimit.GateConfig{
		GlobalRPM: cfg.RateLimit.GlobalRPM,
		PerKeyRPM: cfg.RateLimit.PerKeyRPM,
		PerIPRPM:  cfg.RateLimit.PerIPRPM,
		Window:    cfg.RateLimit.Window(),
	})

	router := modelrouter.New(st)
	selector := keyselect.New(st, usage, keyselect.Strategy(cfg.Routing.KeyStrategy), logger)

	engine := dispatch.New(dispatch.Config{
		Router:         router,
		Selector:       selector,
		Breaker:        circuits,
		Vault:          keyVault,
		DefaultTimeout: cfg.Routing.RequestTimeout,
		Logger:         logger,
		Metrics:        prometheusMetrics{},
	})

	handler := api.NewHandler(api.HandlerConfig{
		Engine:         engine,
		Router:         router,
		Store:          st,
		Logger:         logger,
		RequestTimeout: cfg.Routing.RequestTimeout,
	})

	// Hot reload: re-seed the running components the new snapshot affects.
	if cfgManager != nil {
		cfgManager.Subscribe(func(ch config.Change) {
			if ch.MasterKeyChanged() {
				secrets.Forget(ch.Old.Vault.MasterKeyRef)
				secrets.Forget(ch.New.Vault.MasterKeyRef)
				if err := rekeyVault(ctx, keyVault, secrets, ch.New.Vault.MasterKeyRef); err != nil {
					logger.Error("master key reload failed, keeping previous key", "error", err)
				}
			}
			if ch.RateLimitChanged() {
				gate.SetConfig(ratelimit.GateConfig{
					GlobalRPM: ch.New.RateLimit.GlobalRPM,
					PerKeyRPM: ch.New.RateLimit.PerKeyRPM,
					PerIPRPM:  ch.New.RateLimit.PerIPRPM,
					Window:    ch.New.RateLimit.Window(),
				})
			}
			if ch.RoutingChanged() {
				router.InvalidateAll()
			}
			if ch.LoggingChanged() {
				slog.SetDefault(newLogger(ch.New.Logging))
			}
			if ch.RestartRequired() {
				logger.Warn("config change requires a restart to take effect",
					"sections", "server/database/redis/circuit_breaker")
			}
		})
		if err := cfgManager.Watch(ctx); err != nil {
			logger.Warn("config hot-reload disabled", "error", err)
		}
	}

	authenticate := api.StaticKeyAuthenticator(clientKeysFromEnv())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", handler.ChatCompletions)
	mux.HandleFunc("POST /v1/completions", handler.Completions)
	mux.HandleFunc("POST /v1/embeddings", handler.Embeddings)
	mux.HandleFunc("GET /v1/models", handler.ListModels)

	clientAPI := api.Middleware(mux, authenticate, gate)

	root := http.NewServeMux()
	root.Handle("/v1/", clientAPI)
	root.HandleFunc("GET /health", handler.HealthCheck)
	if cfg.Metrics.Enabled {
		root.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

// prometheusMetrics adapts the metrics package to the engine's interface.
type prometheusMetrics struct{}

func (prometheusMetrics) RecordAttempt(provider, model, outcome string) {
	metrics.RecordAttempt(provider, model, outcome)
}

func (prometheusMetrics) RecordFallback(alias, reason string) {
	metrics.RecordFallback(alias, reason)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// unsealVault resolves the master-key reference and builds the key vault.
func unsealVault(ctx context.Context, secrets *secret.Resolver, ref string) (*vault.Vault, error) {
	raw, err := secrets.Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve master key: %w", err)
	}
	key, err := decodeMasterKey(raw)
	if err != nil {
		return nil, err
	}
	return vault.New(key)
}

// rekeyVault re-resolves the master-key reference into an existing vault,
// used on config reload.
func rekeyVault(ctx context.Context, v *vault.Vault, secrets *secret.Resolver, ref string) error {
	raw, err := secrets.Resolve(ctx, ref)
	if err != nil {
		return fmt.Errorf("resolve master key: %w", err)
	}
	key, err := decodeMasterKey(raw)
	if err != nil {
		return err
	}
	return v.Rekey(key)
}

// decodeMasterKey accepts a base64, hex, or raw 32-byte master key.
func decodeMasterKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == vault.KeySize {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == vault.KeySize {
		return decoded, nil
	}
	if len(raw) == vault.KeySize {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("master key must be %d bytes (raw, base64 or hex)", vault.KeySize)
}

// clientKeysFromEnv reads the accepted client API keys. Empty means any
// non-empty bearer token is accepted (auth is delegated to the edge).
func clientKeysFromEnv() []string {
	raw := os.Getenv("LLMRELAY_CLIENT_KEYS")
	if raw == "" {
		return nil
	}
	keys := strings.Split(raw, ",")
	for i := range keys {
		keys[i] = strings.TrimSpace(keys[i])
	}
	return keys
}
