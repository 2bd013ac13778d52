// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	TURNSTILE_HOST="0.0.0.0"
//	TURNSTILE_PORT="8080"
//	TURNSTILE_HEALTH_PORT="9090"
//	TURNSTILE_READ_TIMEOUT="15s"
//	TURNSTILE_WRITE_TIMEOUT="15s"
//
// Database settings:
//
//	TURNSTILE_POSTGRES_URL="postgres://localhost/turnstile"
//	TURNSTILE_POSTGRES_REPLICA_URLS="postgres://replica1/turnstile,postgres://replica2/turnstile"
//	TURNSTILE_POSTGRES_MAX_CONNS="25"
//
// Processor settings:
//
//	TURNSTILE_STRIPE_API_KEY="sk_live_..."
//	TURNSTILE_STRIPE_WEBHOOK_SECRET="whsec_..."
//	TURNSTILE_PROCESSOR_MOCK="false"  # in-memory processor for local dev
//
// Pricebook settings:
//
//	TURNSTILE_PRICEBOOK_PATH="/etc/turnstile/pricebook.yaml"
//	TURNSTILE_PRICEBOOK_WATCH="true"
//
// Forwarding settings:
//
//	TURNSTILE_FORWARD_CONCURRENCY="4"
//	TURNSTILE_FORWARD_BATCH_SIZE="100"
//	TURNSTILE_FORWARD_MAX_ATTEMPTS="8"
//	TURNSTILE_FORWARD_SCHEDULE="* * * * *"
//
// Archive and cache settings:
//
//	TURNSTILE_ARCHIVE_BACKEND="s3"  # filesystem, s3
//	TURNSTILE_S3_BUCKET="turnstile-usage-archive"
//	TURNSTILE_S3_REGION="us-east-1"
//	TURNSTILE_REDIS_URL="redis://localhost:6379"
//	TURNSTILE_CACHE_ENABLED="true"
//
// Observability settings:
//
//	TURNSTILE_LOG_LEVEL="info"  # debug, info, warn, error
//	TURNSTILE_METRICS_ENABLED="true"
//	TURNSTILE_OTEL_ENABLED="true"
//	TURNSTILE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	store, err := postgres.NewStore(cfg.StorageConfig(), cfg.ConnectionConfig(), logger, metrics)
//
// # Related Packages
//
//   - pkg/storage: Uses archive and redis configuration
//   - pkg/billing: Uses forwarding configuration
//   - pkg/observability: Uses observability configuration
package config
