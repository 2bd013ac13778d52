package api

import (
	"context"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/turnstile/pkg/httputil"
	"github.com/platinummonkey/turnstile/pkg/middleware"
	"github.com/platinummonkey/turnstile/pkg/observability"
)

// rateLimiter is the middleware surface the server needs from either the
// in-memory or the store-backed limiter.
type rateLimiter interface {
	Handler(next http.Handler) http.Handler
}

// ServerOptions tunes optional server behavior.
type ServerOptions struct {
	// RateLimitStore switches rate limiting to shared counters so limits
	// hold across replicas. Nil keeps per-process in-memory buckets.
	RateLimitStore middleware.RateLimitStore
}

// Server represents our API server
type Server struct {
	services    Services
	router      *mux.Router
	logger      *observability.Logger
	metrics     *observability.Metrics
	rateLimiter rateLimiter
}

// NewServer creates a new API server. The metrics argument may be nil, in
// which case HTTP instrumentation is skipped.
func NewServer(services Services, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return NewServerWithOptions(services, logger, metrics, ServerOptions{})
}

// NewServerWithOptions creates a new API server with the given options.
func NewServerWithOptions(services Services, logger *observability.Logger, metrics *observability.Metrics, opts ServerOptions) *Server {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}

	var limiter rateLimiter = middleware.NewRateLimitMiddleware()
	if opts.RateLimitStore != nil {
		limiter = middleware.NewDistributedRateLimitMiddleware(opts.RateLimitStore, logger)
	}

	s := &Server{
		services:    services,
		router:      mux.NewRouter(),
		logger:      logger,
		metrics:     metrics,
		rateLimiter: limiter,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures middleware and all the API routes
func (s *Server) setupRoutes() {
	// mux middleware runs after route matching, so TenantContext sees the
	// {tenant_id} path variable.
	s.router.Use(
		httputil.RequestIDMiddleware(s.logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
	)
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}
	s.router.Use(middleware.TenantContext, s.rateLimiter.Handler)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	NewPlanHandlers(s.services.Plans).RegisterRoutes(api)
	NewSubscriptionHandlers(s.services.Lifecycle).RegisterRoutes(api)
	NewPaymentMethodHandlers(s.services.PaymentMethods).RegisterRoutes(api)
	NewUsageHandlers(s.services.Usage).RegisterRoutes(api)
	NewWebhookHandlers(s.services.Webhooks).RegisterRoutes(api)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// StartRateLimitCleanup begins pruning idle rate limit buckets until the
// context is canceled. The store-backed limiter expires its own counters,
// so this is a no-op for it.
func (s *Server) StartRateLimitCleanup(ctx context.Context) {
	if c, ok := s.rateLimiter.(interface{ StartCleanup(context.Context) }); ok {
		c.StartCleanup(ctx)
	}
}

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// RegisterRoutes registers routes from a RouteRegistrar under /api/v1. Host
// applications embedding the engine use this to mount their own endpoints
// behind the server's middleware stack.
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.router.PathPrefix("/api/v1").Subrouter())
}
