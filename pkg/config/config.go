package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/observability"
	"github.com/platinummonkey/turnstile/pkg/storage"
	"github.com/platinummonkey/turnstile/pkg/storage/postgres"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis and plan cache configuration
	Redis RedisConfig

	// Payment processor configuration
	Processor ProcessorConfig

	// Pricebook seeding configuration
	Pricebook PricebookConfig

	// Usage forwarding configuration
	Forwarding ForwardingConfig

	// Usage archive configuration
	Archive ArchiveConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL         string
	ReplicaURLs string // comma separated
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// RedisConfig holds the redis client and plan cache settings. An empty URL
// disables the L2 cache; the in-process L1 cache works without redis.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int

	CacheEnabled bool
	L1CacheSize  int
}

// ProcessorConfig holds payment processor credentials. UseMock swaps in the
// in-memory processor for local development.
type ProcessorConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	UseMock             bool
}

// PricebookConfig holds plan catalog seeding settings. An empty path skips
// seeding entirely.
type PricebookConfig struct {
	Path  string
	Watch bool
}

// ForwardingConfig holds usage forwarding retry and sweep settings
type ForwardingConfig struct {
	Concurrency       int
	BatchSize         int
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// Cron spec for the reconciler's forward sweep
	Schedule string
}

// ArchiveConfig holds usage archive export settings
type ArchiveConfig struct {
	Backend string // "filesystem" or "s3"

	FilesystemRoot string

	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Processor:     loadProcessorConfig(),
		Pricebook:     loadPricebookConfig(),
		Forwarding:    loadForwardingConfig(),
		Archive:       loadArchiveConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TURNSTILE_HOST", "0.0.0.0"),
		Port:            getEnv("TURNSTILE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TURNSTILE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TURNSTILE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TURNSTILE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TURNSTILE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TURNSTILE_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:         getEnv("TURNSTILE_POSTGRES_URL", ""),
		ReplicaURLs: getEnv("TURNSTILE_POSTGRES_REPLICA_URLS", ""),
		MaxConns:    getEnvInt("TURNSTILE_POSTGRES_MAX_CONNS", 25),
		MinConns:    getEnvInt("TURNSTILE_POSTGRES_MIN_CONNS", 5),
		Timeout:     getEnvDuration("TURNSTILE_POSTGRES_TIMEOUT", 30*time.Second),
		MaxLifetime: getEnvDuration("TURNSTILE_POSTGRES_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime: getEnvDuration("TURNSTILE_POSTGRES_MAX_IDLE_TIME", 5*time.Minute),
	}
}

// loadRedisConfig loads redis and cache configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:          getEnv("TURNSTILE_REDIS_URL", ""),
		Password:     getEnv("TURNSTILE_REDIS_PASSWORD", ""),
		DB:           getEnvInt("TURNSTILE_REDIS_DB", 0),
		MaxRetries:   getEnvInt("TURNSTILE_REDIS_MAX_RETRIES", 3),
		PoolSize:     getEnvInt("TURNSTILE_REDIS_POOL_SIZE", 10),
		CacheEnabled: getEnvBool("TURNSTILE_CACHE_ENABLED", true),
		L1CacheSize:  getEnvInt("TURNSTILE_L1_CACHE_SIZE", 256),
	}
}

// loadProcessorConfig loads payment processor configuration from environment
func loadProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		StripeAPIKey:        getEnv("TURNSTILE_STRIPE_API_KEY", ""),
		StripeWebhookSecret: getEnv("TURNSTILE_STRIPE_WEBHOOK_SECRET", ""),
		UseMock:             getEnvBool("TURNSTILE_PROCESSOR_MOCK", false),
	}
}

// loadPricebookConfig loads pricebook configuration from environment
func loadPricebookConfig() PricebookConfig {
	return PricebookConfig{
		Path:  getEnv("TURNSTILE_PRICEBOOK_PATH", ""),
		Watch: getEnvBool("TURNSTILE_PRICEBOOK_WATCH", false),
	}
}

// loadForwardingConfig loads usage forwarding configuration from environment
func loadForwardingConfig() ForwardingConfig {
	return ForwardingConfig{
		Concurrency:       getEnvInt("TURNSTILE_FORWARD_CONCURRENCY", 4),
		BatchSize:         getEnvInt("TURNSTILE_FORWARD_BATCH_SIZE", 100),
		MaxAttempts:       getEnvInt("TURNSTILE_FORWARD_MAX_ATTEMPTS", 8),
		InitialDelay:      getEnvDuration("TURNSTILE_FORWARD_INITIAL_DELAY", 30*time.Second),
		MaxDelay:          getEnvDuration("TURNSTILE_FORWARD_MAX_DELAY", 6*time.Hour),
		BackoffMultiplier: getEnvFloat("TURNSTILE_FORWARD_BACKOFF_MULTIPLIER", 2.0),
		Schedule:          getEnv("TURNSTILE_FORWARD_SCHEDULE", "* * * * *"),
	}
}

// loadArchiveConfig loads archive configuration from environment
func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Backend:        getEnv("TURNSTILE_ARCHIVE_BACKEND", "filesystem"),
		FilesystemRoot: getEnv("TURNSTILE_ARCHIVE_ROOT", "/var/lib/turnstile/archive"),
		S3Endpoint:     getEnv("TURNSTILE_S3_ENDPOINT", ""),
		S3Region:       getEnv("TURNSTILE_S3_REGION", "us-east-1"),
		S3Bucket:       getEnv("TURNSTILE_S3_BUCKET", ""),
		S3AccessKey:    getEnv("TURNSTILE_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("TURNSTILE_S3_SECRET_KEY", ""),
		S3UsePathStyle: getEnvBool("TURNSTILE_S3_USE_PATH_STYLE", false),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	cfg := ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("TURNSTILE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TURNSTILE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TURNSTILE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TURNSTILE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TURNSTILE_OTEL_SERVICE_NAME", "turnstile"),
		OTelServiceVersion: getEnv("TURNSTILE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TURNSTILE_OTEL_INSECURE", true),
	}

	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate database config
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	// Validate processor config
	if !c.Processor.UseMock {
		if c.Processor.StripeAPIKey == "" {
			return fmt.Errorf("stripe API key is required unless the mock processor is enabled")
		}
		if c.Processor.StripeWebhookSecret == "" {
			return fmt.Errorf("stripe webhook secret is required unless the mock processor is enabled")
		}
	}

	// Validate archive config based on backend
	switch c.Archive.Backend {
	case "filesystem":
		if c.Archive.FilesystemRoot == "" {
			return fmt.Errorf("archive root is required for filesystem archive")
		}
	case "s3":
		if c.Archive.S3Endpoint == "" || c.Archive.S3Bucket == "" {
			return fmt.Errorf("S3 endpoint and bucket are required for s3 archive")
		}
	default:
		return fmt.Errorf("invalid archive backend: %s (must be filesystem or s3)", c.Archive.Backend)
	}

	// Validate forwarding config
	if c.Forwarding.BackoffMultiplier < 1.0 {
		return fmt.Errorf("forwarding backoff multiplier must be at least 1.0")
	}
	if c.Forwarding.Schedule == "" {
		return fmt.Errorf("forwarding schedule is required")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// ConnectionConfig converts the database section to the storage layer's
// connection shape.
func (c *Config) ConnectionConfig() postgres.ConnectionConfig {
	var replicas []string
	for _, u := range strings.Split(c.Database.ReplicaURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			replicas = append(replicas, u)
		}
	}
	return postgres.ConnectionConfig{
		PrimaryURL:  c.Database.URL,
		ReplicaURLs: replicas,
		MaxConns:    c.Database.MaxConns,
		MinConns:    c.Database.MinConns,
		Timeout:     c.Database.Timeout,
		MaxLifetime: c.Database.MaxLifetime,
		MaxIdleTime: c.Database.MaxIdleTime,
	}
}

// StorageConfig merges the archive and redis sections into the storage
// layer's config shape. Cache TTLs keep the storage defaults.
func (c *Config) StorageConfig() storage.Config {
	cfg := storage.DefaultConfig()
	cfg.Backend = c.Archive.Backend
	cfg.FilesystemRoot = c.Archive.FilesystemRoot
	cfg.S3Endpoint = c.Archive.S3Endpoint
	cfg.S3Region = c.Archive.S3Region
	cfg.S3Bucket = c.Archive.S3Bucket
	cfg.S3AccessKey = c.Archive.S3AccessKey
	cfg.S3SecretKey = c.Archive.S3SecretKey
	cfg.S3UsePathStyle = c.Archive.S3UsePathStyle
	cfg.RedisURL = c.Redis.URL
	cfg.RedisPassword = c.Redis.Password
	cfg.RedisDB = c.Redis.DB
	cfg.RedisMaxRetries = c.Redis.MaxRetries
	cfg.RedisPoolSize = c.Redis.PoolSize
	cfg.CacheEnabled = c.Redis.CacheEnabled
	if c.Redis.L1CacheSize > 0 {
		cfg.L1CacheSize = c.Redis.L1CacheSize
	}
	return cfg
}

// ForwarderConfig converts the forwarding section to the forwarder's shape.
func (c *Config) ForwarderConfig() billing.ForwarderConfig {
	return billing.ForwarderConfig{
		Retry: billing.RetryConfig{
			MaxAttempts:       c.Forwarding.MaxAttempts,
			InitialDelay:      c.Forwarding.InitialDelay,
			MaxDelay:          c.Forwarding.MaxDelay,
			BackoffMultiplier: c.Forwarding.BackoffMultiplier,
		},
		Concurrency: c.Forwarding.Concurrency,
		BatchSize:   c.Forwarding.BatchSize,
	}
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
