package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dentiq/payrecon/internal/apikey"
	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// SessionParam is the chi URL parameter the per-session limiter keys on.
const SessionParam = "localId"

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all clients)
	GlobalEnabled bool
	GlobalLimit   int           // requests per window
	GlobalWindow  time.Duration // time window

	// Per-IP rate limiting
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Per-session rate limiting, keyed by the payment's local id. Guards the
	// navigation, message and retry endpoints against a chatty client.
	PerSessionEnabled bool
	PerSessionLimit   int
	PerSessionWindow  time.Duration

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// rateLimitResponse represents the JSON error response for rate limit exceeded.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   240,
		PerIPWindow:  1 * time.Minute,

		PerSessionEnabled: true,
		PerSessionLimit:   60,
		PerSessionWindow:  1 * time.Minute,
	}
}

// FromConfig converts the rate_limit config section.
func FromConfig(cfg config.RateLimitConfig, m *metrics.Metrics) Config {
	return Config{
		GlobalEnabled:     cfg.GlobalEnabled,
		GlobalLimit:       cfg.GlobalLimit,
		GlobalWindow:      cfg.GlobalWindow.Duration,
		PerIPEnabled:      cfg.PerIPEnabled,
		PerIPLimit:        cfg.PerIPLimit,
		PerIPWindow:       cfg.PerIPWindow.Duration,
		PerSessionEnabled: cfg.PerSessionEnabled,
		PerSessionLimit:   cfg.PerSessionLimit,
		PerSessionWindow:  cfg.PerSessionWindow.Duration,
		Metrics:           m,
	}
}

func createRateLimitHandler(limitType string, window time.Duration, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	seconds := int(window.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return func(w http.ResponseWriter, r *http.Request) {
		m.ObserveRateLimit(limitType)

		var message string
		switch limitType {
		case "global":
			message = "Global rate limit exceeded. Please try again later."
		case "per_session":
			if id := chi.URLParam(r, SessionParam); id != "" {
				message = fmt.Sprintf("Too many requests for payment %s. Please try again later.", id)
			} else {
				message = "Rate limit exceeded. Please try again later."
			}
		case "per_ip":
			message = "IP rate limit exceeded. Please try again later."
		default:
			message = "Rate limit exceeded. Please try again later."
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           message,
			RetryAfterSeconds: seconds,
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// exempt skips limiter for requests that skip reports true.
func exempt(limiter func(http.Handler) http.Handler, skip func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip(r) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

// GlobalLimiter creates a global rate limiter middleware. Admin keys bypass it.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled || cfg.GlobalLimit <= 0 {
		return passthrough
	}
	limiter := httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "global", nil }),
		httprate.WithLimitHandler(createRateLimitHandler("global", cfg.GlobalWindow, cfg.Metrics)),
	)
	return exempt(limiter, apikey.ShouldBypassGlobalLimit)
}

// IPLimiter creates a per-IP rate limiter middleware. Clinic and admin keys
// are exempt.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled || cfg.PerIPLimit <= 0 {
		return passthrough
	}
	limiter := httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(createRateLimitHandler("per_ip", cfg.PerIPWindow, cfg.Metrics)),
	)
	return exempt(limiter, apikey.IsExemptFromRateLimits)
}

// SessionLimiter limits requests per payment session. It must be mounted
// below a route that declares the {localId} parameter.
func SessionLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerSessionEnabled || cfg.PerSessionLimit <= 0 {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerSessionLimit,
		cfg.PerSessionWindow,
		httprate.WithKeyFuncs(sessionKey),
		httprate.WithLimitHandler(createRateLimitHandler("per_session", cfg.PerSessionWindow, cfg.Metrics)),
	)
}

// sessionKey falls back to the client IP when the route carries no session.
func sessionKey(r *http.Request) (string, error) {
	if id := chi.URLParam(r, SessionParam); id != "" {
		return "session:" + id, nil
	}
	return httprate.KeyByIP(r)
}
