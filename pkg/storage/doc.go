// Package storage provides the archive and cache backends for the Turnstile
// billing engine.
//
// # Overview
//
// Turnstile keeps its source of truth in PostgreSQL. This package covers the
// two supporting stores around it: an object store where closed billing
// periods are exported as immutable archives, and the cache configuration
// shared by the Redis and in-memory plan caches.
//
// # Object store
//
// The ObjectStore interface is deliberately small. Archive writers only need
// to put, read back, and verify objects:
//
//	type ObjectStore interface {
//		PutObject(ctx context.Context, key string, content io.Reader, contentType string) error
//		GetObject(ctx context.Context, key string) (io.ReadCloser, error)
//		ObjectExists(ctx context.Context, key string) (bool, error)
//		DeleteObject(ctx context.Context, key string) error
//		HealthCheck(ctx context.Context) error
//	}
//
// Keys use forward slashes regardless of backend, for example:
//
//	usage/2026-07/tenant-42/records.ndjson
//	usage/2026-07/tenant-42/summary.json
//
// Two implementations exist:
//
// FilesystemStore stores objects as plain files under a root directory.
// Best for development and single-node deployments:
//
//	store, err := storage.NewFilesystemStore("/var/lib/turnstile/archive")
//
// S3Store (in the postgres subpackage) stores objects in S3 or any
// S3-compatible endpoint such as MinIO. Best for production:
//
//	cfg := storage.DefaultConfig()
//	cfg.Backend = "s3"
//	cfg.S3Region = "us-east-1"
//	cfg.S3Bucket = "turnstile-archives"
//	store, err := postgres.NewS3Store(cfg, metrics)
//
// # Configuration
//
// Backends are configured through the Config struct:
//
//	cfg := storage.DefaultConfig()
//	cfg.Backend = "s3"
//	cfg.S3Endpoint = "http://minio:9000"
//	cfg.S3UsePathStyle = true
//
//	// Optional Redis plan cache
//	cfg.RedisURL = "redis://localhost:6379"
//	cfg.CacheEnabled = true
//	cfg.CacheTTL = map[string]time.Duration{
//		"plan": 5 * time.Minute,
//	}
//
// Cache TTLs are looked up by kind with a caller-supplied fallback, so a
// partially filled map is fine:
//
//	ttl := cfg.TTLFor("plan", 5*time.Minute)
//
// # Design notes
//
// Archive objects are written once and never updated in place. The
// filesystem backend writes through a temp file and rename so a crashed
// export never leaves a partial object behind; S3 puts are atomic already.
//
// The plan cache lives in the postgres subpackage because its read-through
// path wraps the PostgreSQL-backed catalog. This package stays free of
// database dependencies so that archive-only consumers do not pull them in.
package storage
