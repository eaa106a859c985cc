// Package gateway talks to the external payment gateway, either through the
// clinic backend's REST endpoints or directly through Stripe Checkout.
//
// A status query is a single call with a fixed timeout. Clients never retry:
// retry policy belongs to the poller. Failures are classified as
// payment.TransientError (network, timeout, 5xx, open breaker) or
// payment.PermanentError (well-formed 4xx rejection).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dentiq/payrecon/internal/circuitbreaker"
	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Gateway is the remote side of reconciliation.
type Gateway interface {
	// Query returns the gateway's current status for externalRef.
	Query(ctx context.Context, externalRef string) (payment.RawStatus, error)
	// CreateSession starts a payment at the gateway.
	CreateSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResult, error)
	// Name identifies the provider in logs and metrics.
	Name() string
}

// CreateSessionRequest describes a payment to start.
type CreateSessionRequest struct {
	LocalID     string
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReturnURL   string
	Metadata    map[string]string
}

// CreateSessionResult is what the gateway hands back. ExternalRef may be empty
// when the gateway assigns it lazily.
type CreateSessionResult struct {
	ExternalRef string `json:"externalRef,omitempty"`
	RedirectURL string `json:"redirectUrl"`
	LocalID     string `json:"localId"`
}

const (
	opQuery  = "query"
	opCreate = "create_session"
)

// Options shared by every provider.
type options struct {
	breaker *circuitbreaker.Manager
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Option configures a gateway client.
type Option func(*options)

// WithBreaker routes calls through the gateway circuit breaker.
func WithBreaker(m *circuitbreaker.Manager) Option {
	return func(o *options) {
		o.breaker = m
	}
}

// WithMetrics records call latency and outcome.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds the provider selected by cfg.Gateway.Provider.
func New(cfg *config.Config, opts ...Option) (Gateway, error) {
	switch strings.ToLower(cfg.Gateway.Provider) {
	case "", "backend":
		return NewClient(cfg.Gateway, opts...)
	case "stripe":
		return NewStripeGateway(cfg.Stripe, opts...)
	default:
		return nil, fmt.Errorf("gateway: unsupported provider %q", cfg.Gateway.Provider)
	}
}

// BreakerSuccess tells the circuit breaker which errors come from a healthy
// gateway. Permanent rejections must not trip the breaker.
func BreakerSuccess(err error) bool {
	return err == nil || payment.IsPermanent(err)
}

// callResult classifies err for metrics.
func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case payment.IsPermanent(err):
		return "permanent"
	case errors.Is(err, errBreakerOpen):
		return "breaker_open"
	default:
		return "transient"
	}
}

var errBreakerOpen = errors.New("gateway: circuit breaker open")

// guarded runs fn through the breaker and maps a refused call to a TransientError.
func guarded[T any](o options, op string, fn func() (T, error)) (T, error) {
	var zero T
	res, err := o.breaker.Execute(circuitbreaker.ServiceGateway, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if circuitbreaker.IsOpen(err) {
			return zero, payment.NewTransientError(op, fmt.Errorf("%w: %v", errBreakerOpen, err))
		}
		return zero, err
	}
	out, _ := res.(T)
	return out, nil
}
