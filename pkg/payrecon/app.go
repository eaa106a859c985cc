// Package payrecon assembles the reconciliation service for embedding or
// standalone serving.
package payrecon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dentiq/payrecon/internal/callbacks"
	"github.com/dentiq/payrecon/internal/circuitbreaker"
	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/dbpool"
	"github.com/dentiq/payrecon/internal/deeplink"
	"github.com/dentiq/payrecon/internal/gateway"
	"github.com/dentiq/payrecon/internal/httpserver"
	"github.com/dentiq/payrecon/internal/idempotency"
	"github.com/dentiq/payrecon/internal/interceptor"
	"github.com/dentiq/payrecon/internal/lifecycle"
	"github.com/dentiq/payrecon/internal/logger"
	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/dentiq/payrecon/internal/poller"
	"github.com/dentiq/payrecon/internal/reconcile"
	"github.com/dentiq/payrecon/internal/resolver"
	"github.com/dentiq/payrecon/internal/storage"
)

// App wires the reconciliation components.
type App struct {
	Config      *config.Config
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Breakers    *circuitbreaker.Manager
	Store       storage.Store
	Gateway     gateway.Gateway
	Resolver    *resolver.Resolver
	Bus         *reconcile.Bus
	Reconciler  *reconcile.Reconciler
	Engine      *reconcile.Engine
	Pollers     *poller.Manager
	Interceptor *interceptor.Interceptor
	DeepLinks   *deeplink.Router
	Notifier    callbacks.Notifier
	Idempotency idempotency.Store
	// DLQ holds webhooks that exhausted their retries; nil when disabled.
	DLQ         callbacks.DLQStore

	router          chi.Router
	gatherer        prometheus.Gatherer
	storagePing     func(context.Context) error
	resourceManager *lifecycle.Manager
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store    storage.Store
	gateway  gateway.Gateway
	notifier callbacks.Notifier
	router   chi.Router
	registry *prometheus.Registry
	logger   *zerolog.Logger
}

// WithStore sets a custom storage backend.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithGateway injects a gateway client instead of the configured provider.
func WithGateway(gw gateway.Gateway) Option {
	return func(o *options) {
		o.gateway = gw
	}
}

// WithNotifier injects a status notifier instead of the webhook client.
func WithNotifier(notifier callbacks.Notifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithRegistry registers metrics on registry instead of the default one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithLogger replaces the logger built from the logging config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// NewApp assembles the service. Polling for stored non-terminal sessions is
// resumed when reconcile.recover_on_start is set.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("payrecon: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "payrecon",
		Environment: cfg.Logging.Environment,
	})
	if optState.logger != nil {
		appLogger = *optState.logger
	}

	app := &App{
		Config:          cfg,
		Logger:          appLogger,
		resourceManager: lifecycle.NewManager(appLogger),
	}
	fail := func(err error) (*App, error) {
		_ = app.resourceManager.Close()
		return nil, err
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	app.gatherer = prometheus.DefaultGatherer
	if optState.registry != nil {
		registerer = optState.registry
		app.gatherer = optState.registry
	}
	app.Metrics = metrics.New(registerer)

	app.Breakers = circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, map[circuitbreaker.ServiceType]func(error) bool{
		circuitbreaker.ServiceGateway: gateway.BreakerSuccess,
	}, circuitbreaker.WithLogger(appLogger))

	if optState.store != nil {
		app.Store = optState.store
	} else {
		store, err := app.openStore()
		if err != nil {
			return fail(err)
		}
		app.Store = store
	}

	if optState.gateway != nil {
		app.Gateway = optState.gateway
	} else {
		gw, err := gateway.New(cfg,
			gateway.WithBreaker(app.Breakers),
			gateway.WithMetrics(app.Metrics),
			gateway.WithLogger(appLogger),
		)
		if err != nil {
			return fail(fmt.Errorf("init gateway: %w", err))
		}
		app.Gateway = gw
	}

	app.Resolver = resolver.NewFromConfig(cfg.Resolver,
		resolver.WithMetrics(app.Metrics),
		resolver.WithLogger(appLogger),
	)
	app.Bus = reconcile.NewBus(appLogger)
	app.Reconciler = reconcile.NewReconciler(app.Store, app.Bus, app.Metrics, appLogger)

	// The notifier closes after the engine so outcomes of drained attempts
	// still reach the webhook.
	if optState.notifier != nil {
		app.Notifier = optState.notifier
	} else {
		notifier, err := app.newNotifier()
		if err != nil {
			return fail(err)
		}
		app.Notifier = notifier
	}
	if closer, ok := app.Notifier.(io.Closer); ok {
		app.resourceManager.Register("callbacks", closer)
	}
	callbacks.Subscribe(app.Bus, app.Notifier)

	app.Engine = reconcile.NewEngine(app.Store, app.Resolver, app.Gateway, app.Reconciler, reconcile.Config{
		MinCheckInterval: cfg.Reconcile.MinCheckInterval.Duration,
		Buffer:           cfg.Reconcile.RequestBuffer,
	}, app.Metrics, appLogger)
	app.Engine.Start()
	app.resourceManager.Register("engine", app.Engine)

	app.Pollers = poller.NewManager(app.Engine, app.Reconciler, poller.ConfigFrom(cfg.Reconcile), app.Metrics, appLogger)
	app.resourceManager.Register("pollers", app.Pollers)

	app.Interceptor = interceptor.New(app.Engine, app.Bus, cfg.Interceptor, app.Metrics, appLogger)
	app.DeepLinks = deeplink.NewRouter(cfg.DeepLink, app.Resolver, app.Store, app.Pollers, app.Engine, app.Metrics, appLogger)

	replays := idempotency.NewMemoryStore()
	app.resourceManager.Register("idempotency", replays)
	app.Idempotency = replays

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}
	RegisterRoutes(app.router, app)

	if cfg.Reconcile.RecoverOnStart {
		if _, err := app.Recover(context.Background()); err != nil {
			return fail(fmt.Errorf("recover sessions: %w", err))
		}
	}

	return app, nil
}

// openStore builds the configured backend. PostgreSQL goes through the shared
// pool so the health check can ping it.
func (a *App) openStore() (storage.Store, error) {
	cfg := a.Config.Storage
	storeCfg := storage.StoreConfig{
		Backend:         cfg.Backend,
		PostgresURL:     cfg.PostgresURL,
		MongoDBURL:      cfg.MongoDBURL,
		MongoDBDatabase: cfg.MongoDBDatabase,
		FilePath:        cfg.FilePath,
		PostgresPool:    cfg.PostgresPool,
		TableName:       cfg.TableName,
	}

	var (
		inner storage.Store
		err   error
	)
	if cfg.Backend == "postgres" {
		pool, poolErr := dbpool.NewSharedPool(cfg.PostgresURL, cfg.PostgresPool)
		if poolErr != nil {
			return nil, fmt.Errorf("init postgres pool: %w", poolErr)
		}
		a.resourceManager.Register("postgres-pool", pool)
		a.storagePing = pool.Ping
		inner, err = storage.NewStoreWithDB(storeCfg, pool.DB())
	} else {
		inner, err = storage.NewStore(storeCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	a.resourceManager.Register("storage", inner)

	backend := cfg.Backend
	if backend == "" {
		backend = "memory"
		a.Logger.Warn().Msg("payrecon: defaulting to in-memory store; sessions are lost on restart")
	}
	return storage.NewInstrumentedStore(inner, backend, a.Metrics), nil
}

func (a *App) newNotifier() (callbacks.Notifier, error) {
	dlq, err := callbacks.NewDLQStore(a.Config.Callbacks)
	if err != nil {
		return nil, fmt.Errorf("init DLQ store: %w", err)
	}
	opts := []callbacks.RetryOption{
		callbacks.WithRetryLogger(a.Logger),
		callbacks.WithMetrics(a.Metrics),
		callbacks.WithBreaker(a.Breakers),
	}
	if dlq != nil {
		if closer, ok := dlq.(io.Closer); ok {
			a.resourceManager.Register("dlq", closer)
		}
		a.DLQ = dlq
		opts = append(opts, callbacks.WithDLQStore(dlq))
	}
	return callbacks.NewRetryableClient(a.Config.Callbacks, opts...), nil
}

// Recover restarts polling for every non-terminal session in storage and
// returns how many were resumed.
func (a *App) Recover(ctx context.Context) (int, error) {
	sessions, err := a.Store.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, s := range sessions {
		if s.BudgetExhausted() {
			continue
		}
		if _, err := a.Pollers.Start(s.LocalID); err != nil {
			return resumed, err
		}
		resumed++
	}
	a.Logger.Info().
		Int("active", len(sessions)).
		Int("resumed", resumed).
		Msg("payrecon.recovered")
	return resumed, nil
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close stops polling, drains the engine and releases storage.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// RegisterRoutes attaches the relay API to the provided router using an existing App.
func RegisterRoutes(router chi.Router, app *App) {
	if router == nil || app == nil {
		return
	}
	httpserver.ConfigureRouter(router, app.Config, app.Dependencies())
}

// Dependencies returns the components the HTTP layer needs.
func (a *App) Dependencies() httpserver.Dependencies {
	return httpserver.Dependencies{
		Store:       a.Store,
		Gateway:     a.Gateway,
		Engine:      a.Engine,
		Bus:         a.Bus,
		Pollers:     a.Pollers,
		Interceptor: a.Interceptor,
		DeepLinks:   a.DeepLinks,
		Breakers:    a.Breakers,
		Metrics:     a.Metrics,
		Gatherer:    a.gatherer,
		Idempotency: a.Idempotency,
		DLQ:         a.DLQ,
		StoragePing: a.storagePing,
		Logger:      a.Logger,
	}
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the service.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
