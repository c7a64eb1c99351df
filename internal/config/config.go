// Package config provides configuration loading with hot-reload support.
// Settings come from a YAML file with ${VAR} expansion; the recognized
// environment variables override their file counterparts so containerized
// deployments work without a file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Vault     VaultConfig     `yaml:"vault"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Routing   RoutingConfig   `yaml:"routing"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig locates the provider/key/mapping records.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig locates the shared key-value store. Mode "memory" opts into
// the process-local fallback for single-process deployments.
type RedisConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"` // redis (default) or memory
}

// VaultConfig configures credential unsealing. MasterKeyRef is a secret
// reference ("env://VAR", "vault://path#field", or a raw base64 key) that
// must resolve to 32 bytes.
type VaultConfig struct {
	MasterKeyRef string `yaml:"master_key"`
	VaultAddr    string `yaml:"vault_addr"`
	VaultToken   string `yaml:"vault_token"`
}

// RateLimitConfig holds the request-rate defaults per axis, requests per
// window. Zero disables an axis.
type RateLimitConfig struct {
	GlobalRPM     int `yaml:"global_rpm"`
	PerKeyRPM     int `yaml:"per_key_rpm"`
	PerIPRPM      int `yaml:"per_ip_rpm"`
	WindowSeconds int `yaml:"window_seconds"`
}

// Window returns the limiter window.
func (c RateLimitConfig) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

// BreakerConfig holds the circuit-breaker parameters.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	WindowSeconds    int `yaml:"window_seconds"`
	OpenSeconds      int `yaml:"open_seconds"`
	MaxOpenSeconds   int `yaml:"max_open_seconds"`
	ProbeCount       int `yaml:"probe_count"`
}

// RoutingConfig holds dispatch settings.
type RoutingConfig struct {
	KeyStrategy    string        `yaml:"key_strategy"` // priority, round_robin, least_used
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{URL: "llmrelay.db"},
		Redis:    RedisConfig{URL: "redis://localhost:6379/0", Mode: "redis"},
		Vault:    VaultConfig{MasterKeyRef: "env://LLMRELAY_MASTER_KEY"},
		RateLimit: RateLimitConfig{
			GlobalRPM:     0,
			PerKeyRPM:     60,
			PerIPRPM:      120,
			WindowSeconds: 60,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			WindowSeconds:    60,
			OpenSeconds:      30,
			MaxOpenSeconds:   600,
			ProbeCount:       3,
		},
		Routing: RoutingConfig{
			KeyStrategy:    "priority",
			RequestTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// LoadFromFile reads and parses a YAML configuration file. ${VAR} references
// are expanded, then recognized environment variables are applied on top.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv builds a configuration without a file.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("LLMRELAY_MASTER_KEY_REF"); v != "" {
		c.Vault.MasterKeyRef = v
	}
	if v := os.Getenv("LLMRELAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	applyEnvInt("LLMRELAY_GLOBAL_RPM", &c.RateLimit.GlobalRPM)
	applyEnvInt("LLMRELAY_PER_KEY_RPM", &c.RateLimit.PerKeyRPM)
	applyEnvInt("LLMRELAY_PER_IP_RPM", &c.RateLimit.PerIPRPM)
	applyEnvInt("LLMRELAY_CB_FAILURE_THRESHOLD", &c.Breaker.FailureThreshold)
	applyEnvInt("LLMRELAY_CB_WINDOW_SECONDS", &c.Breaker.WindowSeconds)
	applyEnvInt("LLMRELAY_CB_OPEN_SECONDS", &c.Breaker.OpenSeconds)
	if v := os.Getenv("LLMRELAY_REQUEST_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Routing.RequestTimeout = time.Duration(secs) * time.Second
		}
	}
}

func applyEnvInt(name string, target *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Redis.Mode != "redis" && c.Redis.Mode != "memory" {
		return fmt.Errorf("redis.mode must be redis or memory, got %q", c.Redis.Mode)
	}
	if c.Redis.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required unless redis.mode is memory")
	}
	if c.Vault.MasterKeyRef == "" {
		return fmt.Errorf("vault.master_key is required")
	}
	switch c.Routing.KeyStrategy {
	case "priority", "round_robin", "least_used":
	default:
		return fmt.Errorf("routing.key_strategy must be priority, round_robin or least_used")
	}
	if c.Routing.RequestTimeout <= 0 {
		return fmt.Errorf("routing.request_timeout must be positive")
	}
	return nil
}
