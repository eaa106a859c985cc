package circuitbreaker

import (
	"time"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ServiceType identifies different external services for circuit breaker isolation.
type ServiceType string

const (
	ServiceGateway ServiceType = "payment_gateway"
	ServiceWebhook ServiceType = "status_webhook"
)

// Manager holds one circuit breaker per external service so a failing webhook
// receiver cannot starve status queries and vice versa.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
	logger   zerolog.Logger
}

// Config holds circuit breaker configuration for all services.
type Config struct {
	Enabled bool
	Gateway BreakerConfig
	Webhook BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval is the cyclic period in closed state to clear the internal counts. 0 never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration

	// Trip after this many consecutive failures, or when FailureRatio is reached over at least MinRequests.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32

	// IsSuccessful classifies errors that must not count as failures
	// (e.g. a well-formed 4xx rejection from a healthy backend). Nil counts every error.
	IsSuccessful func(err error) bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for state transitions.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
// classifiers lets callers attach IsSuccessful functions per service.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig, classifiers map[ServiceType]func(error) bool, opts ...Option) *Manager {
	return NewManager(Config{
		Enabled: cfg.Enabled,
		Gateway: fromServiceConfig(cfg.Gateway, classifiers[ServiceGateway]),
		Webhook: fromServiceConfig(cfg.Webhook, classifiers[ServiceWebhook]),
	}, opts...)
}

func fromServiceConfig(cfg config.BreakerServiceConfig, isSuccessful func(error) bool) BreakerConfig {
	return BreakerConfig{
		MaxRequests:         cfg.MaxRequests,
		Interval:            cfg.Interval.Duration,
		Timeout:             cfg.Timeout.Duration,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
		FailureRatio:        cfg.FailureRatio,
		MinRequests:         cfg.MinRequests,
		IsSuccessful:        isSuccessful,
	}
}

// NewManager creates a circuit breaker manager with the given configuration.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if !cfg.Enabled {
		return m
	}

	m.breakers[ServiceGateway] = gobreaker.NewCircuitBreaker(m.toGobreakerSettings(string(ServiceGateway), cfg.Gateway))
	m.breakers[ServiceWebhook] = gobreaker.NewCircuitBreaker(m.toGobreakerSettings(string(ServiceWebhook), cfg.Webhook))

	return m
}

// Execute wraps a function call with circuit breaker protection.
// If circuit breakers are disabled or the service has none, fn runs directly.
// An open breaker returns gobreaker.ErrOpenState or gobreaker.ErrTooManyRequests without calling fn.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if m == nil || !m.config.Enabled {
		return fn()
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}

	return breaker.Execute(fn)
}

// State returns the current state of a circuit breaker.
// Returns "disabled" if circuit breakers are not enabled.
func (m *Manager) State(service ServiceType) string {
	if m == nil || !m.config.Enabled {
		return "disabled"
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}

	return breaker.State().String()
}

// Counts returns the current counts for a circuit breaker.
func (m *Manager) Counts(service ServiceType) Counts {
	if m == nil || !m.config.Enabled {
		return Counts{}
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return Counts{}
	}

	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}

// toGobreakerSettings converts our config to gobreaker.Settings.
func (m *Manager) toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:         name,
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		IsSuccessful: cfg.IsSuccessful,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
				if counts.Requests >= cfg.MinRequests {
					failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
					if failureRate >= cfg.FailureRatio {
						return true
					}
				}
			}

			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_change")
		},
	}
}

// DefaultConfig returns defaults for circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Gateway: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
		Webhook: BreakerConfig{
			MaxRequests:         5,
			Interval:            60 * time.Second,
			Timeout:             60 * time.Second, // receivers recover slower than the gateway
			ConsecutiveFailures: 10,
			FailureRatio:        0.7,
			MinRequests:         20,
		},
	}
}
