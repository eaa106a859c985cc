package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the reconciliation service.
type Metrics struct {
	// Reconciliation
	AttemptsTotal            *prometheus.CounterVec
	GuardDropsTotal          *prometheus.CounterVec
	TerminalTransitionsTotal *prometheus.CounterVec
	TimeToTerminal           *prometheus.HistogramVec
	ResolutionsTotal         *prometheus.CounterVec

	// Poller
	PollersActive  prometheus.Gauge
	PollerEndTotal *prometheus.CounterVec

	// Signal sources
	NavigationsTotal *prometheus.CounterVec
	MessagesTotal    *prometheus.CounterVec
	DeepLinksTotal   *prometheus.CounterVec

	// Gateway
	GatewayCallsTotal   *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhooksTotal       *prometheus.CounterVec
	WebhookRetriesTotal *prometheus.CounterVec
	WebhookDLQTotal     *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payrecon_reconcile_attempts_total",
				Help: "Reconciliation triggers by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		GuardDropsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payrecon_guard_drops_total",
				Help: "Triggers dropped because an attempt for the same session was in flight",
			},
			[]string{"source"},
		),
		TerminalTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payrecon_terminal_transitions_total",
				Help: "Sessions committed to a terminal status",
			},
			[]string{"status", "source"},
		),
		TimeToTerminal: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payrecon_time_to_terminal_seconds",
				Help:    "Time from session creation to terminal commit",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		ResolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payrecon_resolutions_total",
				Help: "External reference resolutions by winning strategy",
			},
			[]string{"strategy"},
		),

		PollersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "payrecon_pollers_active",
				Help: "Pollers currently in the polling state",
			},
		),
		PollerEndTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payrecon_poller_end_total",
				Help: "Pollers that stopped, by final state",
			},
			[]string{"state"},
		),

		NavigationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payrecon_embedded_navigations_total",
				Help: "Embedded browser navigations by classification",
			},
			[]string{"kind"},
		),
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payrecon_embedded_messages_total",
				Help: "Posted messages from the hosted payment page by outcome",
			},
			[]string{"outcome"},
		),
		DeepLinksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payrecon_deeplinks_total",
				Help: "App-scheme deep links by routing outcome",
			},
			[]string{"outcome"},
		),

		GatewayCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payrecon_gateway_calls_total",
				Help: "Calls to the payment gateway by operation and result",
			},
			[]string{"provider", "operation", "result"},
		),
		GatewayCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payrecon_gateway_call_duration_seconds",
				Help:    "Duration of payment gateway calls",
				Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider", "operation"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payrecon_webhooks_total",
				Help: "Total number of status webhooks sent",
			},
			[]string{"event_type", "status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payrecon_webhook_retries_total",
				Help: "Total number of webhook retry attempts",
			},
			[]string{"event_type", "attempt"},
		),
		WebhookDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payrecon_webhook_dlq_total",
				Help: "Total number of webhooks sent to dead letter queue",
			},
			[]string{"event_type"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payrecon_webhook_duration_seconds",
				Help:    "Time taken to deliver webhook",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"event_type"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payrecon_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payrecon_db_query_duration_seconds",
				Help:    "Database query duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObserveAttempt records how a reconciliation trigger ended.
func (m *Metrics) ObserveAttempt(source, outcome string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveGuardDrop records a trigger rejected by the in-flight guard.
func (m *Metrics) ObserveGuardDrop(source string) {
	if m == nil {
		return
	}
	m.GuardDropsTotal.WithLabelValues(source).Inc()
}

// ObserveTerminal records a terminal commit and how long the session took to get there.
func (m *Metrics) ObserveTerminal(status, source string, sinceCreated time.Duration) {
	if m == nil {
		return
	}
	m.TerminalTransitionsTotal.WithLabelValues(status, source).Inc()
	m.TimeToTerminal.WithLabelValues(status).Observe(sinceCreated.Seconds())
}

// ObserveResolution records which resolver strategy produced the reference.
func (m *Metrics) ObserveResolution(strategy string) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(strategy).Inc()
}

// PollerStarted increments the active poller gauge.
func (m *Metrics) PollerStarted() {
	if m == nil {
		return
	}
	m.PollersActive.Inc()
}

// PollerStopped decrements the active gauge and records the end state.
func (m *Metrics) PollerStopped(state string) {
	if m == nil {
		return
	}
	m.PollersActive.Dec()
	m.PollerEndTotal.WithLabelValues(state).Inc()
}

// ObserveNavigation records an embedded browser navigation.
func (m *Metrics) ObserveNavigation(kind string) {
	if m == nil {
		return
	}
	m.NavigationsTotal.WithLabelValues(kind).Inc()
}

// ObserveMessage records a posted message.
func (m *Metrics) ObserveMessage(outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveDeepLink records a deep link delivery.
func (m *Metrics) ObserveDeepLink(outcome string) {
	if m == nil {
		return
	}
	m.DeepLinksTotal.WithLabelValues(outcome).Inc()
}

// ObserveGatewayCall records a gateway call. result is "ok", "transient", "permanent" or "breaker_open".
func (m *Metrics) ObserveGatewayCall(provider, operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GatewayCallsTotal.WithLabelValues(provider, operation, result).Inc()
	m.GatewayCallDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// ObserveWebhook records webhook delivery.
func (m *Metrics) ObserveWebhook(eventType, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())

	if attempt > 1 {
		m.WebhookRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}

	if sentToDLQ {
		m.WebhookDLQTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return strconv.Itoa(attempt)
	}
	return "5+"
}
