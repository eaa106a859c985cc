package config

import (
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the PAYRECON_ prefix.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "PAYRECON_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "PAYRECON_ROUTE_PREFIX")
	setIfEnv(&c.Server.MetricsAPIKey, "PAYRECON_METRICS_API_KEY")
	setDurationIfEnv(&c.Server.WaitTimeout, "PAYRECON_WAIT_TIMEOUT")
	setDurationIfEnv(&c.Server.IdempotencyTTL, "PAYRECON_IDEMPOTENCY_TTL")
	if v := os.Getenv("PAYRECON_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitList(v)
	}

	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging
	setIfEnv(&c.Logging.Level, "PAYRECON_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "PAYRECON_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "PAYRECON_ENVIRONMENT")

	// Gateway
	setIfEnv(&c.Gateway.Provider, "PAYRECON_GATEWAY_PROVIDER")
	setIfEnv(&c.Gateway.BaseURL, "PAYRECON_GATEWAY_BASE_URL")
	setIfEnv(&c.Gateway.StatusPath, "PAYRECON_GATEWAY_STATUS_PATH")
	setIfEnv(&c.Gateway.SessionPath, "PAYRECON_GATEWAY_SESSION_PATH")
	setDurationIfEnv(&c.Gateway.Timeout, "PAYRECON_GATEWAY_TIMEOUT")
	loadHeaders(&c.Gateway.Headers, "PAYRECON_GATEWAY_HEADER_")

	// Stripe
	setIfEnv(&c.Stripe.SecretKey, "PAYRECON_STRIPE_SECRET_KEY")
	setIfEnv(&c.Stripe.SuccessURL, "PAYRECON_STRIPE_SUCCESS_URL")
	setIfEnv(&c.Stripe.CancelURL, "PAYRECON_STRIPE_CANCEL_URL")
	setIfEnv(&c.Stripe.Mode, "PAYRECON_STRIPE_MODE")

	// Reconcile
	setDurationIfEnv(&c.Reconcile.PollInterval, "PAYRECON_POLL_INTERVAL")
	setIntIfEnv(&c.Reconcile.MaxAttempts, "PAYRECON_MAX_ATTEMPTS")
	setDurationIfEnv(&c.Reconcile.MinCheckInterval, "PAYRECON_MIN_CHECK_INTERVAL")
	setDurationIfEnv(&c.Reconcile.BackgroundGrace, "PAYRECON_BACKGROUND_GRACE")
	setDurationIfEnv(&c.Reconcile.EndedRetention, "PAYRECON_ENDED_RETENTION")
	setBoolIfEnv(&c.Reconcile.RecoverOnStart, "PAYRECON_RECOVER_ON_START")

	// Resolver
	if v := os.Getenv("PAYRECON_RESOLVER_PARAM_NAMES"); v != "" {
		c.Resolver.ParamNames = splitList(v)
	}
	setBoolIfEnv(&c.Resolver.DegradedFallback, "PAYRECON_RESOLVER_DEGRADED_FALLBACK")

	// Deep links
	setIfEnv(&c.DeepLink.Scheme, "PAYRECON_DEEPLINK_SCHEME")
	setIfEnv(&c.DeepLink.Host, "PAYRECON_DEEPLINK_HOST")

	// Storage
	setIfEnv(&c.Storage.Backend, "PAYRECON_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "PAYRECON_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "PAYRECON_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "PAYRECON_MONGODB_DATABASE")
	setIfEnv(&c.Storage.FilePath, "PAYRECON_STORAGE_FILE_PATH")
	setIfEnv(&c.Storage.TableName, "PAYRECON_STORAGE_TABLE")

	// Callbacks
	setIfEnv(&c.Callbacks.StatusURL, "PAYRECON_CALLBACK_STATUS_URL")
	setDurationIfEnv(&c.Callbacks.Timeout, "PAYRECON_CALLBACK_TIMEOUT")
	setBoolIfEnv(&c.Callbacks.DLQEnabled, "PAYRECON_CALLBACK_DLQ_ENABLED")
	setIfEnv(&c.Callbacks.DLQPath, "PAYRECON_CALLBACK_DLQ_PATH")
	loadHeaders(&c.Callbacks.Headers, "PAYRECON_CALLBACK_HEADER_")

	// Circuit breaker
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "PAYRECON_CIRCUIT_BREAKER_ENABLED")

	// API keys
	setBoolIfEnv(&c.APIKeys.Enabled, "PAYRECON_API_KEYS_ENABLED")
	addKeyIfEnv(&c.APIKeys, "PAYRECON_ADMIN_API_KEY", "admin")
	addKeyIfEnv(&c.APIKeys, "PAYRECON_CLINIC_API_KEY", "clinic")
}

// addKeyIfEnv registers a single key for role and turns key checking on.
func addKeyIfEnv(target *APIKeysConfig, key, role string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if target.Keys == nil {
		target.Keys = make(map[string]string)
	}
	target.Keys[v] = role
	target.Enabled = true
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setIntIfEnv sets an int pointer from an environment variable, ignoring unparsable values.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

// loadHeaders collects PREFIX_X_API_KEY=value variables into canonical header names (X-Api-Key).
func loadHeaders(target *map[string]string, prefix string) {
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], prefix)
		if name == "" {
			continue
		}
		if *target == nil {
			*target = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		(*target)[headerName] = parts[1]
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
