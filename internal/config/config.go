package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultParamNames is the priority order of query parameters that have carried
// the gateway identifier on return URLs over time.
var DefaultParamNames = []string{
	"paymentId",
	"payment_id",
	"externalRef",
	"external_ref",
	"transactionId",
	"transaction_id",
	"invoiceId",
	"InvId",
	"orderId",
	"order_id",
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    Duration{Duration: 15 * time.Second},
			WriteTimeout:   Duration{Duration: 60 * time.Second},
			IdleTimeout:    Duration{Duration: 60 * time.Second},
			WaitTimeout:    Duration{Duration: 30 * time.Second},
			IdempotencyTTL: Duration{Duration: 24 * time.Hour},
		},
		Gateway: GatewayConfig{
			Provider:    "backend",
			StatusPath:  "/payments/status",
			SessionPath: "/payments/sessions",
			Timeout:     Duration{Duration: 10 * time.Second},
			Headers:     make(map[string]string),
		},
		Stripe: StripeConfig{
			Mode:       "test",
			SuccessURL: "app://payment/success?paymentId={CHECKOUT_SESSION_ID}",
			CancelURL:  "app://payment/fail?paymentId={CHECKOUT_SESSION_ID}",
		},
		Reconcile: ReconcileConfig{
			PollInterval:     Duration{Duration: 5 * time.Second},
			MaxAttempts:      24,
			MinCheckInterval: Duration{Duration: 500 * time.Millisecond},
			BackgroundGrace:  Duration{Duration: 2 * time.Minute},
			EndedRetention:   Duration{Duration: 30 * time.Minute},
			RequestBuffer:    64,
			RecoverOnStart:   true,
		},
		Resolver: ResolverConfig{
			ParamNames:       append([]string(nil), DefaultParamNames...),
			DegradedFallback: true,
		},
		DeepLink: DeepLinkConfig{
			Scheme:        "app",
			Host:          "payment",
			SuccessPaths:  []string{"/success"},
			FailurePaths:  []string{"/fail", "/failure", "/cancel"},
			LocalIDParams: []string{"localId", "local_id", "appPaymentId"},
		},
		Interceptor: InterceptorConfig{
			SuccessURLPatterns: []string{"/success", "/payment/success", "status=success"},
			FailureURLPatterns: []string{"/fail", "/payment/fail", "/declined", "status=fail"},
			MessageTypes:       []string{"payment_button_click", "payment_form_submit", "pay"},
		},
		Storage: StorageConfig{
			Backend:   "memory",
			FilePath:  "./data/payrecon.json",
			TableName: "payment_sessions",
		},
		Callbacks: CallbacksConfig{
			Headers: make(map[string]string),
			Timeout: Duration{Duration: 3 * time.Second},
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
			DLQPath: "./data/status-webhook-dlq.json",
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:     true,
			GlobalLimit:       1000,
			GlobalWindow:      Duration{Duration: 1 * time.Minute},
			PerIPEnabled:      true,
			PerIPLimit:        240,
			PerIPWindow:       Duration{Duration: 1 * time.Minute},
			PerSessionEnabled: true,
			PerSessionLimit:   60,
			PerSessionWindow:  Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Gateway: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Webhook: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
