package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/dentiq/payrecon/internal/circuitbreaker"
	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/httputil"
	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	MaxAttempts     int           // Maximum attempts (default: 5)
	InitialInterval time.Duration // Initial backoff interval (default: 1s)
	MaxInterval     time.Duration // Maximum backoff interval (default: 5m)
	Multiplier      float64       // Backoff multiplier (default: 2.0)
	Timeout         time.Duration // Per-attempt timeout (default: 10s)
}

// DefaultRetryConfig returns the default webhook retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Timeout:         10 * time.Second,
	}
}

// RetryConfigFrom builds the retry policy from the callbacks config section,
// keeping defaults for unset fields.
func RetryConfigFrom(cfg config.CallbacksConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.Retry.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialInterval.Duration > 0 {
		rc.InitialInterval = cfg.Retry.InitialInterval.Duration
	}
	if cfg.Retry.MaxInterval.Duration > 0 {
		rc.MaxInterval = cfg.Retry.MaxInterval.Duration
	}
	if cfg.Retry.Multiplier >= 1 {
		rc.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Timeout.Duration > 0 {
		rc.Timeout = cfg.Timeout.Duration
	}
	return rc
}

// RetryableClient posts status events with exponential backoff.
type RetryableClient struct {
	cfg        config.CallbacksConfig
	retryCfg   RetryConfig
	httpClient *http.Client
	logger     zerolog.Logger
	tmpl       *template.Template
	dlqStore   DLQStore
	metrics    *metrics.Metrics
	breaker    *circuitbreaker.Manager

	stop      chan struct{}
	closeOnce sync.Once
	inflight  sync.WaitGroup
}

// DLQStore persists webhooks that exhausted their retries.
type DLQStore interface {
	SaveFailedWebhook(ctx context.Context, webhook FailedWebhook) error
	ListFailedWebhooks(ctx context.Context, limit int) ([]FailedWebhook, error)
	DeleteFailedWebhook(ctx context.Context, id string) error
}

// FailedWebhook is a webhook that exhausted all retry attempts.
type FailedWebhook struct {
	ID          string            `json:"id"`
	EventID     string            `json:"eventId"`
	LocalID     string            `json:"localId"`
	URL         string            `json:"url"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers"`
	EventType   string            `json:"eventType"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"lastError"`
	LastAttempt time.Time         `json:"lastAttempt"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// RetryOption customizes the retry client.
type RetryOption func(*RetryableClient)

// WithRetryLogger sets the logger.
func WithRetryLogger(logger zerolog.Logger) RetryOption {
	return func(c *RetryableClient) {
		c.logger = logger
	}
}

// WithDLQStore enables the dead letter queue.
func WithDLQStore(store DLQStore) RetryOption {
	return func(c *RetryableClient) {
		c.dlqStore = store
	}
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg RetryConfig) RetryOption {
	return func(c *RetryableClient) {
		c.retryCfg = cfg
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) RetryOption {
	return func(c *RetryableClient) {
		c.metrics = m
	}
}

// WithBreaker routes deliveries through the webhook circuit breaker.
func WithBreaker(b *circuitbreaker.Manager) RetryOption {
	return func(c *RetryableClient) {
		c.breaker = b
	}
}

// NewRetryableClient constructs the webhook notifier. Without a status URL it
// returns a NoopNotifier.
func NewRetryableClient(cfg config.CallbacksConfig, opts ...RetryOption) Notifier {
	if cfg.StatusURL == "" {
		return NoopNotifier{}
	}

	client := &RetryableClient{
		cfg:      cfg,
		retryCfg: RetryConfigFrom(cfg),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(client)
	}
	client.httpClient = httputil.NewClient(client.retryCfg.Timeout, userAgent)
	client.stop = make(chan struct{})

	if cfg.BodyTemplate != "" {
		tmpl, err := template.New("callback").Parse(cfg.BodyTemplate)
		if err != nil {
			client.logger.Error().Err(err).Msg("callbacks.template_invalid")
		} else {
			client.tmpl = tmpl
		}
	}
	return client
}

// StatusChanged dispatches event asynchronously with retries.
func (c *RetryableClient) StatusChanged(ctx context.Context, event StatusEvent) {
	if c == nil || c.cfg.StatusURL == "" {
		return
	}
	PrepareStatusEvent(&event)
	// Deliveries outlive the request or reconcile attempt that produced them.
	ctx = context.WithoutCancel(ctx)

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()

		payload, err := c.serialize(event)
		if err != nil {
			c.logger.Error().Err(err).Str("event_id", event.EventID).Msg("callbacks.serialize_failed")
			return
		}

		attempts, err := c.sendWithRetry(ctx, payload, event.EventType)
		if err != nil {
			c.logger.Error().
				Err(err).
				Str("event_id", event.EventID).
				Str("local_id", event.LocalID).
				Msg("callbacks.delivery_failed")
			if c.dlqStore != nil {
				c.saveToDLQ(ctx, event, payload, attempts, err)
			}
		}
	}()
}

// Close cuts short backoff waits and waits for deliveries in progress.
// Attempts already started run to completion; an event whose retries are
// cut short goes to the DLQ.
func (c *RetryableClient) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	c.inflight.Wait()
	return nil
}

// flush blocks until every dispatched event was delivered or dead-lettered.
func (c *RetryableClient) flush() {
	c.inflight.Wait()
}

func (c *RetryableClient) serialize(event StatusEvent) ([]byte, error) {
	if c.tmpl != nil {
		var buf bytes.Buffer
		if err := c.tmpl.Execute(&buf, event); err != nil {
			return nil, fmt.Errorf("execute template: %w", err)
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(event)
}

// sendWithRetry returns the number of attempts made.
func (c *RetryableClient) sendWithRetry(ctx context.Context, payload []byte, eventType string) (int, error) {
	maxAttempts := c.retryCfg.MaxAttempts
	if !c.cfg.Retry.Enabled || maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	interval := c.retryCfg.InitialInterval
	start := time.Now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.attempt(ctx, payload)
		if err == nil {
			c.metrics.ObserveWebhook(eventType, "success", time.Since(start), attempt, false)
			if attempt > 1 {
				c.logger.Info().
					Int("attempt", attempt).
					Str("event_type", eventType).
					Msg("callbacks.delivered_after_retry")
			}
			return attempt, nil
		}

		lastErr = err
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Str("event_type", eventType).
			Dur("next_retry", interval).
			Msg("callbacks.attempt_failed")

		if attempt == maxAttempts {
			break
		}
		select {
		case <-c.stop:
			c.metrics.ObserveWebhook(eventType, "failed", time.Since(start), attempt, false)
			return attempt, fmt.Errorf("webhook abandoned after %d attempts: %w", attempt, lastErr)
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * c.retryCfg.Multiplier)
		if interval > c.retryCfg.MaxInterval {
			interval = c.retryCfg.MaxInterval
		}
	}

	c.metrics.ObserveWebhook(eventType, "failed", time.Since(start), maxAttempts, false)
	return maxAttempts, fmt.Errorf("webhook failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *RetryableClient) attempt(ctx context.Context, payload []byte) error {
	_, err := c.breaker.Execute(circuitbreaker.ServiceWebhook, func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.retryCfg.Timeout)
		defer cancel()
		return nil, post(reqCtx, c.httpClient, c.cfg, payload)
	})
	return err
}

func (c *RetryableClient) saveToDLQ(ctx context.Context, event StatusEvent, payload []byte, attempts int, lastErr error) {
	now := time.Now().UTC()
	webhook := FailedWebhook{
		ID:          "webhook_" + uuid.NewString(),
		EventID:     event.EventID,
		LocalID:     event.LocalID,
		URL:         c.cfg.StatusURL,
		Payload:     json.RawMessage(payload),
		Headers:     c.cfg.Headers,
		EventType:   event.EventType,
		Attempts:    attempts,
		LastError:   lastErr.Error(),
		LastAttempt: now,
		CreatedAt:   event.EventTimestamp,
	}

	if err := c.dlqStore.SaveFailedWebhook(ctx, webhook); err != nil {
		c.logger.Error().Err(err).Str("webhook_id", webhook.ID).Msg("callbacks.dlq_save_failed")
		return
	}
	c.metrics.ObserveWebhook(event.EventType, "dlq", now.Sub(event.EventTimestamp), attempts, true)
	c.logger.Info().
		Str("webhook_id", webhook.ID).
		Str("event_id", event.EventID).
		Int("attempts", attempts).
		Msg("callbacks.saved_to_dlq")
}
