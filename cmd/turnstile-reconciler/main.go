package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/config"
	"github.com/platinummonkey/turnstile/pkg/observability"
	"github.com/platinummonkey/turnstile/pkg/processor"
	"github.com/platinummonkey/turnstile/pkg/storage/postgres"
)

var (
	forwardSchedule = flag.String("forward-schedule", getEnv("TURNSTILE_FORWARD_SCHEDULE", "* * * * *"), "Cron schedule for forwarding pending usage (default: every minute)")
	syncSchedule    = flag.String("sync-schedule", getEnv("TURNSTILE_SYNC_SCHEDULE", "15 4 * * *"), "Cron schedule for payment method syncs (default: 04:15 UTC)")
	expirySchedule  = flag.String("expiry-schedule", getEnv("TURNSTILE_EXPIRY_SCHEDULE", "0 8 * * *"), "Cron schedule for the expiring card report (default: 08:00 UTC)")
	archiveSchedule = flag.String("archive-schedule", getEnv("TURNSTILE_ARCHIVE_SCHEDULE", "30 2 2 * *"), "Cron schedule for usage archival (default: 2nd day 02:30 UTC)")
	gaugeSchedule   = flag.String("gauge-schedule", getEnv("TURNSTILE_GAUGE_SCHEDULE", "0 * * * *"), "Cron schedule for billing gauge refresh (default: every hour)")
	metricsPort     = flag.String("metrics-port", getEnv("TURNSTILE_RECONCILER_METRICS_PORT", "9091"), "Port for the reconciler metrics endpoint")
	syncWorkers     = flag.Int("sync-workers", 4, "Concurrent tenants per payment method sweep")
	syncTimeout     = flag.Duration("sync-timeout", 2*time.Minute, "Per-tenant timeout during payment method sweeps")
	expiryWindow    = flag.Duration("expiry-window", 30*24*time.Hour, "Lookahead window for the expiring card report")
	runOnce         = flag.Bool("run-once", false, "Run every job once and exit (for testing or backfills)")
	archiveMonth    = flag.String("month", "", "Month to archive (YYYY-MM format). If empty, archives the previous month. Only used with --run-once")
	logLevel        = flag.String("log-level", getEnv("TURNSTILE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
)

// jobs bundles the periodic work the reconciler schedules.
type jobs struct {
	forwarder *billing.Forwarder
	sweeper   *billing.Sweeper
	archiver  *billing.Archiver
	metrics   *observability.Metrics
}

func main() {
	flag.Parse()

	logger := setupLogger(*logLevel)
	logger.Info("Starting Turnstile Reconciler")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Billing components log structured JSON like the API server does;
	// logrus covers the reconciler's own job-level messages.
	obsLogger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		registry := prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
		startMetricsServer(cfg.Server.Host, *metricsPort, registry, logger)
	}

	store, err := postgres.NewStore(cfg.StorageConfig(), cfg.ConnectionConfig(), obsLogger, metrics)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	var proc processor.Processor
	if cfg.Processor.UseMock {
		logger.Warn("Using the in-memory mock payment processor")
		proc = processor.NewMockProcessor()
	} else {
		proc = processor.NewStripeProcessor(cfg.Processor.StripeAPIKey, cfg.Processor.StripeWebhookSecret)
	}

	customers := billing.NewPostgresCustomerDirectory(store.DB(), proc)
	methods := billing.NewPostgresPaymentMethodRegistry(store.DB(), customers, proc, obsLogger, metrics)

	work := &jobs{
		forwarder: billing.NewForwarder(store.DB(), proc, cfg.ForwarderConfig(), obsLogger, metrics),
		sweeper:   billing.NewSweeper(store.ReadDB(), methods, obsLogger, metrics),
		archiver:  billing.NewArchiver(store.ReadDB(), store.Objects(), obsLogger),
		metrics:   metrics,
	}

	// Run once mode (for testing or backfilling)
	if *runOnce {
		month := billing.PreviousMonth(time.Now())
		if *archiveMonth != "" {
			month, err = time.Parse("2006-01", *archiveMonth)
			if err != nil {
				logger.Fatalf("Invalid month format: %v", err)
			}
		}

		logger.Infof("Running all reconciliation jobs once (archive month %s)", month.Format("2006-01"))
		if err := runAll(context.Background(), work, month, logger); err != nil {
			logger.Fatalf("Reconciliation failed: %v", err)
		}
		logger.Info("Reconciliation completed successfully")
		return
	}

	// Scheduled mode
	c := cron.New()

	mustSchedule := func(name, spec string, job func()) {
		if _, err := c.AddFunc(spec, job); err != nil {
			logger.Fatalf("Failed to schedule %s: %v", name, err)
		}
	}

	mustSchedule("usage forwarding", *forwardSchedule, func() {
		forwarded, err := work.forwarder.ForwardPending(context.Background(), 0)
		if err != nil {
			logger.Errorf("Usage forwarding failed: %v", err)
			return
		}
		if forwarded > 0 {
			logger.Infof("Forwarded %d usage records", forwarded)
		}
	})

	mustSchedule("payment method sync", *syncSchedule, func() {
		synced, err := work.sweeper.SyncPaymentMethods(context.Background(), *syncWorkers, *syncTimeout)
		if err != nil {
			logger.Errorf("Payment method sweep finished with failures: %v", err)
		}
		logger.Infof("Synced payment methods for %d tenants", synced)
	})

	mustSchedule("expiring card report", *expirySchedule, func() {
		found, err := work.sweeper.ReportExpiringCards(context.Background(), *expiryWindow)
		if err != nil {
			logger.Errorf("Expiring card report failed: %v", err)
			return
		}
		logger.Infof("Expiring card report found %d cards", found)
	})

	mustSchedule("usage archival", *archiveSchedule, func() {
		month := billing.PreviousMonth(time.Now())
		archived, err := work.archiver.ArchiveMonth(context.Background(), month)
		if err != nil {
			logger.Errorf("Usage archival for %s finished with failures: %v", month.Format("2006-01"), err)
		}
		logger.Infof("Archived usage for %d tenants (%s)", archived, month.Format("2006-01"))
	})

	mustSchedule("gauge refresh", *gaugeSchedule, func() {
		if err := work.sweeper.RefreshGauges(context.Background()); err != nil {
			logger.Errorf("Gauge refresh failed: %v", err)
		}
	})

	c.Start()
	logger.Info("Turnstile Reconciler started")
	logger.Infof("Usage forwarding schedule: %s", *forwardSchedule)
	logger.Infof("Payment method sync schedule: %s", *syncSchedule)
	logger.Infof("Expiring card report schedule: %s", *expirySchedule)
	logger.Infof("Usage archival schedule: %s", *archiveSchedule)
	logger.Infof("Gauge refresh schedule: %s", *gaugeSchedule)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down gracefully...")

	// Let in-flight jobs drain
	stopCtx := c.Stop()
	<-stopCtx.Done()

	logger.Info("Reconciler stopped")
}

// runAll executes every reconciliation job once. Used by --run-once for
// testing and backfills.
func runAll(ctx context.Context, work *jobs, month time.Time, logger *logrus.Logger) error {
	forwarded, err := work.forwarder.ForwardPending(ctx, 0)
	if err != nil {
		logger.Errorf("Usage forwarding failed: %v", err)
		return err
	}
	logger.Infof("✓ Forwarded %d usage records", forwarded)

	synced, err := work.sweeper.SyncPaymentMethods(ctx, *syncWorkers, *syncTimeout)
	if err != nil {
		logger.Errorf("Payment method sweep failed: %v", err)
		return err
	}
	logger.Infof("✓ Synced payment methods for %d tenants", synced)

	found, err := work.sweeper.ReportExpiringCards(ctx, *expiryWindow)
	if err != nil {
		logger.Errorf("Expiring card report failed: %v", err)
		return err
	}
	logger.Infof("✓ Expiring card report found %d cards", found)

	archived, err := work.archiver.ArchiveMonth(ctx, month)
	if err != nil {
		logger.Errorf("Usage archival failed: %v", err)
		return err
	}
	logger.Infof("✓ Archived usage for %d tenants (%s)", archived, month.Format("2006-01"))

	if work.metrics != nil {
		if err := work.sweeper.RefreshGauges(ctx); err != nil {
			logger.Errorf("Gauge refresh failed: %v", err)
			return err
		}
		logger.Info("✓ Billing gauges refreshed")
	}

	return nil
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

// startMetricsServer exposes the reconciler's registry on its own port so
// the worker can be scraped independently of the API server.
func startMetricsServer(host, port string, registry *prometheus.Registry, logger *logrus.Logger) {
	mux := http.NewServeMux()
	observability.RegisterMetricsEndpoint(mux, registry)

	addr := net.JoinHostPort(host, port)
	go func() {
		logger.Infof("Metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server failed: %v", err)
		}
	}()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
