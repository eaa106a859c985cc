package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Stripe.Mode == "" {
		c.Stripe.Mode = "test"
	}

	c.Gateway.Provider = strings.ToLower(strings.TrimSpace(c.Gateway.Provider))
	if c.Gateway.Provider == "" {
		c.Gateway.Provider = "backend"
	}
	if c.Gateway.Timeout.Duration <= 0 {
		c.Gateway.Timeout = Duration{Duration: 10 * time.Second}
	}
	if c.Gateway.Headers == nil {
		c.Gateway.Headers = make(map[string]string)
	}

	// An empty priority list would silently disable URL-parameter resolution.
	if len(c.Resolver.ParamNames) == 0 {
		c.Resolver.ParamNames = append([]string(nil), DefaultParamNames...)
	}
	if c.Reconcile.RequestBuffer <= 0 {
		c.Reconcile.RequestBuffer = 64
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.TableName == "" {
		c.Storage.TableName = "payment_sessions"
	}

	if c.Callbacks.Timeout.Duration == 0 {
		c.Callbacks.Timeout = Duration{Duration: 3 * time.Second}
	}
	if c.Callbacks.Headers == nil {
		c.Callbacks.Headers = make(map[string]string)
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Gateway.Provider {
	case "backend":
		if c.Gateway.BaseURL == "" {
			errs = append(errs, "gateway.base_url is required when gateway.provider is 'backend'")
		} else if err := validateHTTPURL(c.Gateway.BaseURL); err != nil {
			errs = append(errs, fmt.Sprintf("gateway.base_url: %v", err))
		}
	case "stripe":
		if c.Stripe.SecretKey == "" {
			errs = append(errs, "stripe.secret_key is required when gateway.provider is 'stripe'")
		}
	default:
		errs = append(errs, fmt.Sprintf("gateway.provider %q is not supported (backend, stripe)", c.Gateway.Provider))
	}

	if c.Reconcile.PollInterval.Duration <= 0 {
		errs = append(errs, "reconcile.poll_interval must be positive")
	}
	if c.Reconcile.MaxAttempts <= 0 {
		errs = append(errs, "reconcile.max_attempts must be positive")
	}
	if c.Reconcile.EndedRetention.Duration < 0 {
		errs = append(errs, "reconcile.ended_retention must not be negative")
	}
	if c.Reconcile.MinCheckInterval.Duration < 0 {
		errs = append(errs, "reconcile.min_check_interval must not be negative")
	}
	if c.Reconcile.MinCheckInterval.Duration >= c.Reconcile.PollInterval.Duration && c.Reconcile.PollInterval.Duration > 0 {
		errs = append(errs, "reconcile.min_check_interval must be shorter than reconcile.poll_interval")
	}

	if c.DeepLink.Scheme == "" {
		errs = append(errs, "deeplink.scheme is required")
	}
	if len(c.DeepLink.SuccessPaths) == 0 && len(c.DeepLink.FailurePaths) == 0 {
		errs = append(errs, "deeplink must define success_paths or failure_paths")
	}

	switch c.Storage.Backend {
	case "memory":
	case "file":
		if c.Storage.FilePath == "" {
			errs = append(errs, "storage.file_path is required when storage.backend is 'file'")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when storage.backend is 'mongodb'")
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, "storage.mongodb_database is required when storage.backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, file, postgres, mongodb)", c.Storage.Backend))
	}

	if c.Callbacks.StatusURL != "" {
		if err := validateHTTPURL(c.Callbacks.StatusURL); err != nil {
			errs = append(errs, fmt.Sprintf("callbacks.status_url: %v", err))
		}
	}
	if c.Callbacks.DLQEnabled && c.Callbacks.DLQPath == "" {
		errs = append(errs, "callbacks.dlq_path is required when callbacks.dlq_enabled is true")
	}

	for key, role := range c.APIKeys.Keys {
		switch strings.ToLower(strings.TrimSpace(role)) {
		case "clinic", "admin":
		default:
			errs = append(errs, fmt.Sprintf("api_keys.keys: role %q for key %s... is not supported (clinic, admin)", role, keyPrefix(key)))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// keyPrefix keeps secrets out of error messages.
func keyPrefix(key string) string {
	if len(key) > 4 {
		return key[:4]
	}
	return key
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
	case "":
		return errors.New("missing scheme")
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
