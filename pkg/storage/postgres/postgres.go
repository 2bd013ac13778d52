// Package postgres wires the PostgreSQL-backed side of the storage layer:
// connection management, schema migrations, the Redis plan cache, and the
// S3 archive backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/observability"
	"github.com/platinummonkey/turnstile/pkg/storage"
)

// Store bundles the database pools, the optional Redis cache, and the
// archive object store behind one handle for the binaries to wire.
type Store struct {
	conn    *ConnectionManager
	redis   *RedisClient
	objects storage.ObjectStore
	plans   billing.PlanCatalog
	config  storage.Config
	logger  *observability.Logger
}

// NewStore opens every configured backend. Redis is optional; the archive
// backend defaults to the filesystem.
func NewStore(cfg storage.Config, connCfg ConnectionConfig, logger *observability.Logger, metrics *observability.Metrics) (*Store, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}

	conn, err := NewConnectionManager(connCfg, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	var redisClient *RedisClient
	if cfg.CacheEnabled && cfg.RedisURL != "" {
		redisClient, err = NewRedisClient(cfg)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
	}

	objects, err := newObjectStore(cfg, metrics)
	if err != nil {
		conn.Close()
		if redisClient != nil {
			redisClient.Close()
		}
		return nil, err
	}

	var plans billing.PlanCatalog = billing.NewPostgresPlanCatalog(conn.Primary())
	if cfg.CacheEnabled {
		plans = NewCachedPlanCatalog(plans, redisClient, cfg, logger, metrics)
	}

	return &Store{
		conn:    conn,
		redis:   redisClient,
		objects: objects,
		plans:   plans,
		config:  cfg,
		logger:  logger,
	}, nil
}

func newObjectStore(cfg storage.Config, metrics *observability.Metrics) (storage.ObjectStore, error) {
	switch cfg.Backend {
	case "s3":
		store, err := NewS3Store(cfg, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 store: %w", err)
		}
		return store, nil
	case "", "filesystem":
		store, err := storage.NewFilesystemStore(cfg.FilesystemRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to create filesystem store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown archive backend: %q", cfg.Backend)
	}
}

// Migrate applies any pending schema migrations on the primary.
func (s *Store) Migrate(ctx context.Context) error {
	return billing.RunMigrations(ctx, s.conn.Primary())
}

// DB returns the primary database connection (for writes).
func (s *Store) DB() *sql.DB { return s.conn.Primary() }

// ReadDB returns a replica connection, falling back to the primary.
func (s *Store) ReadDB() *sql.DB { return s.conn.Replica() }

// Conn returns the connection manager.
func (s *Store) Conn() *ConnectionManager { return s.conn }

// Redis returns the Redis client (nil when caching is disabled).
func (s *Store) Redis() *RedisClient { return s.redis }

// Objects returns the archive object store.
func (s *Store) Objects() storage.ObjectStore { return s.objects }

// Plans returns the plan catalog, cached when caching is enabled.
func (s *Store) Plans() billing.PlanCatalog { return s.plans }

// HealthCheck pings every configured backend.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.conn.HealthCheck(ctx); err != nil {
		return fmt.Errorf("postgres unhealthy: %w", err)
	}

	if s.objects != nil {
		if err := s.objects.HealthCheck(ctx); err != nil {
			return fmt.Errorf("archive store unhealthy: %w", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}

	return nil
}

// Close closes all connections
func (s *Store) Close() error {
	var errs []error

	if err := s.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("store close errors: %v", errs)
	}
	return nil
}
