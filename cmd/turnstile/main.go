package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/turnstile/pkg/api"
	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/config"
	"github.com/platinummonkey/turnstile/pkg/observability"
	"github.com/platinummonkey/turnstile/pkg/processor"
	"github.com/platinummonkey/turnstile/pkg/storage/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags override the environment for local runs
	port := flag.String("port", cfg.Server.Port, "Port to listen on")
	healthPort := flag.String("health-port", cfg.Server.HealthPort, "Port for health and metrics endpoints")
	pricebookPath := flag.String("pricebook", cfg.Pricebook.Path, "Path to the pricebook YAML (empty skips seeding)")
	flag.Parse()
	cfg.Server.Port = *port
	cfg.Server.HealthPort = *healthPort
	cfg.Pricebook.Path = *pricebookPath

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	ctx := context.Background()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	store, err := postgres.NewStore(cfg.StorageConfig(), cfg.ConnectionConfig(), logger, metrics)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Schema migrations applied")

	// Seed the plan catalog before the server takes traffic
	if cfg.Pricebook.Path != "" {
		pb, err := billing.LoadPricebook(cfg.Pricebook.Path)
		if err != nil {
			log.Fatalf("Failed to load pricebook: %v", err)
		}
		applied, err := pb.Apply(ctx, store.Plans(), logger)
		if err != nil {
			log.Fatalf("Failed to apply pricebook: %v", err)
		}
		logger.WithField("plans", applied).Info("Pricebook applied")
	}

	var proc processor.Processor
	if cfg.Processor.UseMock {
		logger.Warn("Using the in-memory mock payment processor")
		proc = processor.NewMockProcessor()
	} else {
		proc = processor.NewStripeProcessor(cfg.Processor.StripeAPIKey, cfg.Processor.StripeWebhookSecret)
	}

	catalog := store.Plans()
	customers := billing.NewPostgresCustomerDirectory(store.DB(), proc)
	methods := billing.NewPostgresPaymentMethodRegistry(store.DB(), customers, proc, logger, metrics)

	services := api.Services{
		Plans:          catalog,
		Lifecycle:      billing.NewPostgresLifecycleManager(store.DB(), catalog, customers, proc, logger, metrics),
		PaymentMethods: methods,
		Usage:          billing.NewPostgresUsageMeter(store.DB(), catalog, proc, logger, metrics),
		Webhooks:       billing.NewReconciler(store.DB(), catalog, customers, methods, proc, logger, metrics),
	}

	var serverOpts api.ServerOptions
	if store.Redis() != nil {
		// Shared counters keep rate limits consistent across replicas.
		serverOpts.RateLimitStore = store.Redis()
	}
	server := api.NewServerWithOptions(services, logger, metrics, serverOpts)

	backgroundCtx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()
	server.StartRateLimitCleanup(backgroundCtx)

	if cfg.Pricebook.Path != "" && cfg.Pricebook.Watch {
		go func() {
			if err := billing.WatchPricebook(backgroundCtx, cfg.Pricebook.Path, store.Plans(), logger); err != nil {
				logger.WithError(err).Error("Pricebook watcher stopped")
			}
		}()
	}

	var handler http.Handler = server
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, cfg.Observability.OTelServiceName)
	}

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthChecker := observability.NewHealthChecker(store.DB(), nil, cfg.Observability.OTelServiceVersion)
	if store.Redis() != nil {
		healthChecker = observability.NewHealthChecker(store.DB(), store.Redis().GetClient(), cfg.Observability.OTelServiceVersion)
	}
	healthChecker.AddCheck("archive", store.Objects().HealthCheck)

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, healthChecker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	go func() {
		logger.Infof("Health and metrics server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("health server", healthServer.Shutdown)
	shutdown.RegisterShutdownFunc("background tasks", func(context.Context) error {
		cancelBackground()
		return nil
	})
	shutdown.RegisterShutdownFunc("store", func(context.Context) error {
		return store.Close()
	})
	if providers != nil {
		shutdown.RegisterShutdownFunc("opentelemetry", func(shutdownCtx context.Context) error {
			return providers.Shutdown(shutdownCtx, logger)
		})
	}

	go func() {
		logger.Infof("Turnstile billing engine listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}
