// Package observability provides structured logging, Prometheus metrics, and OpenTelemetry tracing.
//
// # Structured Logging
//
// Create a logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Info("subscription created")
//
// Request-scoped logging pulls the request ID and tenant ID from context:
//
//	logger := observability.FromContext(r.Context())
//	logger.WithError(err).Error("usage ingest failed")
//
// # Prometheus Metrics
//
// Initialize and record metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.UsageRecords.WithLabelValues("api_calls").Inc()
//	metrics.SubscriptionTransitions.WithLabelValues("canceled").Inc()
//
// # Health Checks
//
// Configure the health checker and register its routes:
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	checker.AddCheck("archive_store", store.HealthCheck)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # OpenTelemetry
//
// Initialize tracing:
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:        true,
//		Endpoint:       "otel-collector:4317",
//		ServiceName:    "turnstile-api",
//		ServiceVersion: version,
//	}, logger)
//	defer providers.Shutdown(ctx, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/middleware: Request logging middleware
package observability
