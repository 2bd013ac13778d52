package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the archive backend for closed-period usage exports.
// Implementations must be safe for concurrent use.
type ObjectStore interface {
	// PutObject stores content under key, replacing any existing object.
	PutObject(ctx context.Context, key string, content io.Reader, contentType string) error

	// GetObject returns a reader for the object stored under key. The
	// caller owns the reader and must close it.
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)

	// ObjectExists reports whether an object is stored under key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// DeleteObject removes the object stored under key. Deleting a
	// missing object is not an error.
	DeleteObject(ctx context.Context, key string) error

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// Config for the archive and cache backends
type Config struct {
	Backend string // "filesystem" or "s3"

	// Filesystem config
	FilesystemRoot string

	// S3 config
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// Cache config
	CacheEnabled bool
	CacheTTL     map[string]time.Duration
	L1CacheSize  int // Entries
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Backend:         "filesystem",
		FilesystemRoot:  "/var/lib/turnstile/archive",
		RedisDB:         0,
		RedisMaxRetries: 3,
		RedisPoolSize:   10,
		CacheEnabled:    true,
		CacheTTL: map[string]time.Duration{
			"plan":        5 * time.Minute,
			"price_index": 5 * time.Minute,
		},
		L1CacheSize: 256,
	}
}

// TTLFor returns the configured TTL for a cache kind, or fallback when the
// kind is unset or non-positive.
func (c Config) TTLFor(kind string, fallback time.Duration) time.Duration {
	if ttl, ok := c.CacheTTL[kind]; ok && ttl > 0 {
		return ttl
	}
	return fallback
}
