package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dentiq/payrecon/internal/apikey"
	"github.com/dentiq/payrecon/internal/callbacks"
	"github.com/dentiq/payrecon/internal/circuitbreaker"
	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/deeplink"
	"github.com/dentiq/payrecon/internal/gateway"
	"github.com/dentiq/payrecon/internal/httphandlers"
	"github.com/dentiq/payrecon/internal/idempotency"
	"github.com/dentiq/payrecon/internal/interceptor"
	"github.com/dentiq/payrecon/internal/logger"
	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/dentiq/payrecon/internal/poller"
	"github.com/dentiq/payrecon/internal/ratelimit"
	"github.com/dentiq/payrecon/internal/reconcile"
	"github.com/dentiq/payrecon/internal/storage"
)

var (
	serverStartTime = time.Now()
)

// Dependencies are the components the relay API drives.
type Dependencies struct {
	Store       storage.Store
	Gateway     gateway.Gateway
	Engine      *reconcile.Engine
	Bus         *reconcile.Bus
	Pollers     *poller.Manager
	Interceptor *interceptor.Interceptor
	DeepLinks   *deeplink.Router
	Breakers    *circuitbreaker.Manager
	Metrics     *metrics.Metrics
	// Gatherer backs /metrics. Nil uses the default Prometheus registry.
	Gatherer    prometheus.Gatherer
	// DLQ backs the admin webhook endpoints, mounted only when API keys are on.
	DLQ         callbacks.DLQStore
	// Idempotency replays POST /v1/payments retries. Nil disables it.
	Idempotency idempotency.Store
	// StoragePing is checked by /health when set.
	StoragePing func(context.Context) error
	Logger      zerolog.Logger
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg *config.Config
	Dependencies
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, deps Dependencies) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{cfg: cfg, Dependencies: deps},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, deps)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ConfigureRouter attaches the relay routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, deps Dependencies) {
	if router == nil {
		return
	}
	handler := &handlers{cfg: cfg, Dependencies: deps}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)

	// Structured logging goes before RequestID so the logger carries the id.
	router.Use(logger.Middleware(deps.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// Resolves the caller's role for rate limit exemptions and admin routes.
	router.Use(apikey.Middleware(apikey.FromConfig(cfg.APIKeys)))

	limits := ratelimit.FromConfig(cfg.RateLimit, deps.Metrics)
	router.Use(ratelimit.GlobalLimiter(limits))
	router.Use(ratelimit.IPLimiter(limits))

	prefix := cfg.Server.RoutePrefix

	metricsHandler := promhttp.Handler()
	if deps.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})
	}

	// Lightweight endpoints with 5s timeout
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", handler.health)
		// Protected by an optional bearer key (PAYRECON_METRICS_API_KEY)
		r.With(metricsAuth(cfg.Server.MetricsAPIKey)).Handle(prefix+"/metrics", metricsHandler)
		r.Post(prefix+"/v1/deeplinks", handler.deepLink)
		r.Post(prefix+"/v1/app/background", handler.appBackground)
		r.Post(prefix+"/v1/app/foreground", handler.appForeground)
	})

	if deps.DLQ != nil && cfg.APIKeys.Enabled {
		admin := httphandlers.NewWebhooksAdminHandler(deps.DLQ, cfg.Callbacks.Timeout.Duration)
		router.Route(prefix+"/v1/admin/webhooks", func(r chi.Router) {
			r.Use(apikey.RequireRole(apikey.RoleAdmin))
			r.Use(middleware.Timeout(30 * time.Second))
			admin.Routes(r)
		})
	}

	// Endpoints that reach the gateway get a longer budget.
	router.Route(prefix+"/v1/payments", func(r chi.Router) {
		create := r.With(middleware.Timeout(60 * time.Second))
		if deps.Idempotency != nil {
			create = create.With(idempotency.Middleware(deps.Idempotency, cfg.Server.IdempotencyTTL.Duration))
		}
		create.Post("/", handler.createPayment)

		r.Route("/{"+ratelimit.SessionParam+"}", func(r chi.Router) {
			r.Use(ratelimit.SessionLimiter(limits))

			// The long poll manages its own deadline.
			r.Get("/wait", handler.waitPayment)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(60 * time.Second))
				r.Get("/", handler.getPayment)
				r.Post("/navigation", handler.navigation)
				r.Post("/message", handler.message)
				r.Post("/abort", handler.abortPayment)
				r.Post("/retry", handler.retryPayment)
			})
		})
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
