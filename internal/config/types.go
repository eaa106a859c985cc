package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Stripe         StripeConfig         `yaml:"stripe"`
	Reconcile      ReconcileConfig      `yaml:"reconcile"`
	Resolver       ResolverConfig       `yaml:"resolver"`
	DeepLink       DeepLinkConfig       `yaml:"deeplink"`
	Interceptor    InterceptorConfig    `yaml:"interceptor"`
	Storage        StorageConfig        `yaml:"storage"`
	Callbacks      CallbacksConfig      `yaml:"callbacks"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	APIKeys        APIKeysConfig        `yaml:"api_keys"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`
	MetricsAPIKey      string   `yaml:"metrics_api_key"` // empty leaves /metrics open
	WaitTimeout        Duration `yaml:"wait_timeout"`    // upper bound for GET /payments/{id}/wait
	IdempotencyTTL     Duration `yaml:"idempotency_ttl"` // replay window for POST /payments Idempotency-Key
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`  // debug, info, warn, error
	Format      string `yaml:"format"` // json, console
	Environment string `yaml:"environment"`
}

// GatewayConfig describes how the backend exposes the payment gateway.
type GatewayConfig struct {
	Provider    string            `yaml:"provider"` // "backend" or "stripe"
	BaseURL     string            `yaml:"base_url"`
	StatusPath  string            `yaml:"status_path"`
	SessionPath string            `yaml:"session_path"`
	Timeout     Duration          `yaml:"timeout"`
	Headers     map[string]string `yaml:"headers"`
}

// StripeConfig holds Stripe Checkout settings for the stripe provider.
type StripeConfig struct {
	SecretKey  string `yaml:"secret_key"`
	SuccessURL string `yaml:"success_url"`
	CancelURL  string `yaml:"cancel_url"`
	Mode       string `yaml:"mode"` // live | test
}

// ReconcileConfig tunes the poller and the reconciliation engine.
type ReconcileConfig struct {
	PollInterval     Duration `yaml:"poll_interval"`
	MaxAttempts      int      `yaml:"max_attempts"`
	MinCheckInterval Duration `yaml:"min_check_interval"` // skip triggers arriving this soon after a completed query
	BackgroundGrace  Duration `yaml:"background_grace"`
	EndedRetention   Duration `yaml:"ended_retention"` // how long an ended poller stays visible
	RequestBuffer    int      `yaml:"request_buffer"`
	RecoverOnStart   bool     `yaml:"recover_on_start"`
}

// ResolverConfig controls external reference resolution.
type ResolverConfig struct {
	ParamNames       []string `yaml:"param_names"` // priority order
	DegradedFallback bool     `yaml:"degraded_fallback"`
}

// DeepLinkConfig describes the app-scheme return URLs.
type DeepLinkConfig struct {
	Scheme        string   `yaml:"scheme"`
	Host          string   `yaml:"host"`
	SuccessPaths  []string `yaml:"success_paths"`
	FailurePaths  []string `yaml:"failure_paths"`
	LocalIDParams []string `yaml:"local_id_params"`
}

// InterceptorConfig describes the hosted payment page signals.
type InterceptorConfig struct {
	SuccessURLPatterns []string `yaml:"success_url_patterns"`
	FailureURLPatterns []string `yaml:"failure_url_patterns"`
	MessageTypes       []string `yaml:"message_types"` // posted messages that trigger an attempt
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"` // "memory", "file", "postgres" or "mongodb"
	PostgresURL     string             `yaml:"postgres_url"`
	MongoDBURL      string             `yaml:"mongodb_url"`
	MongoDBDatabase string             `yaml:"mongodb_database"`
	FilePath        string             `yaml:"file_path"`
	TableName       string             `yaml:"table_name"` // table or collection for sessions
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`
}

// CallbacksConfig holds the terminal-status webhook configuration.
type CallbacksConfig struct {
	StatusURL    string            `yaml:"status_url"`
	Headers      map[string]string `yaml:"headers"`
	BodyTemplate string            `yaml:"body_template"`
	Timeout      Duration          `yaml:"timeout"`
	Retry        RetryConfig       `yaml:"retry"`
	DLQEnabled   bool              `yaml:"dlq_enabled"`
	DLQPath      string            `yaml:"dlq_path"`
}

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	Multiplier      float64  `yaml:"multiplier"`
}

// RateLimitConfig holds rate limiting configuration for the relay API.
type RateLimitConfig struct {
	GlobalEnabled     bool     `yaml:"global_enabled"`
	GlobalLimit       int      `yaml:"global_limit"`
	GlobalWindow      Duration `yaml:"global_window"`
	PerIPEnabled      bool     `yaml:"per_ip_enabled"`
	PerIPLimit        int      `yaml:"per_ip_limit"`
	PerIPWindow       Duration `yaml:"per_ip_window"`
	PerSessionEnabled bool     `yaml:"per_session_enabled"`
	PerSessionLimit   int      `yaml:"per_session_limit"`
	PerSessionWindow  Duration `yaml:"per_session_window"`
}

// APIKeysConfig maps API keys to roles ("clinic" or "admin").
type APIKeysConfig struct {
	Enabled bool              `yaml:"enabled"`
	Keys    map[string]string `yaml:"keys"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled bool                 `yaml:"enabled"`
	Gateway BreakerServiceConfig `yaml:"gateway"`
	Webhook BreakerServiceConfig `yaml:"webhook"`
}

// BreakerServiceConfig configures a single circuit breaker.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}
