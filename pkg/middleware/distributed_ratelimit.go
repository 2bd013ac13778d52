package middleware

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/platinummonkey/turnstile/pkg/observability"
)

// RateLimitStore is the counter surface the distributed limiter needs.
// *postgres.RedisClient implements it.
type RateLimitStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	GetInt(ctx context.Context, key string) (int64, bool, error)
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}

// DistributedRateLimiter implements fixed-window rate limiting backed by a
// shared counter store, so limits hold across multiple instances.
type DistributedRateLimiter struct {
	store  RateLimitStore
	config *RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a new store-backed rate limiter
func NewDistributedRateLimiter(store RateLimitStore, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "turnstile:ratelimit"
	}

	return &DistributedRateLimiter{
		store:  store,
		config: config,
		prefix: prefix,
	}
}

// Allow checks if a request is allowed. The window starts with the first
// request for a key and expires WindowDuration later.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	count, err := rl.store.Incr(ctx, redisKey)
	if err != nil {
		// On store errors, fail open (allow request) to prevent service disruption
		return true, fmt.Errorf("rate limit store error: %w", err)
	}

	// Only the first increment starts the window clock; re-arming the
	// expiry on every request would never let a busy window reset.
	if count == 1 {
		if err := rl.store.Expire(ctx, redisKey, rl.config.WindowDuration); err != nil {
			return true, fmt.Errorf("rate limit store error: %w", err)
		}
	}

	return count <= int64(rl.config.RequestsPerWindow), nil
}

// Remaining returns the number of remaining requests in the window
func (rl *DistributedRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	count, found, err := rl.store.GetInt(ctx, redisKey)
	if err != nil {
		return 0, err
	}
	if !found {
		// Key doesn't exist, full quota available
		return rl.config.RequestsPerWindow, nil
	}

	remaining := rl.config.RequestsPerWindow - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return remaining, nil
}

// TTL returns the time until the rate limit window resets
func (rl *DistributedRateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)
	return rl.store.TTL(ctx, redisKey)
}

// Reset clears the rate limit for a key (for testing or admin purposes)
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)
	return rl.store.Del(ctx, redisKey)
}

// DistributedRateLimitMiddleware provides HTTP rate limiting with a shared store
type DistributedRateLimitMiddleware struct {
	store            RateLimitStore
	tenantLimiter    *DistributedRateLimiter
	webhookLimiter   *DistributedRateLimiter
	anonymousLimiter *DistributedRateLimiter
	fallbackEnabled  bool
	logger           *observability.Logger
}

// NewDistributedRateLimitMiddleware creates a new store-backed rate limit middleware
func NewDistributedRateLimitMiddleware(store RateLimitStore, logger *observability.Logger) *DistributedRateLimitMiddleware {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &DistributedRateLimitMiddleware{
		store:            store,
		tenantLimiter:    NewDistributedRateLimiter(store, PerTenantRateLimitConfig(), "turnstile:ratelimit:tenant"),
		webhookLimiter:   NewDistributedRateLimiter(store, WebhookRateLimitConfig(), "turnstile:ratelimit:webhook"),
		anonymousLimiter: NewDistributedRateLimiter(store, DefaultRateLimitConfig(), "turnstile:ratelimit:anon"),
		fallbackEnabled:  true, // Fail open on store errors
		logger:           logger,
	}
}

// Handler wraps an HTTP handler with distributed rate limiting
//
// REQUIRES: TenantContext must run before this middleware for per-tenant
// buckets; requests without a tenant fall back to per-IP limits.
func (m *DistributedRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		// Determine rate limit key
		var key string
		var limiter *DistributedRateLimiter

		tenantID := TenantFromRequest(r)
		switch {
		case strings.HasPrefix(r.URL.Path, webhookPathPrefix):
			key = getClientIP(r)
			limiter = m.webhookLimiter
		case tenantID != 0:
			key = fmt.Sprintf("%d", tenantID)
			limiter = m.tenantLimiter
		default:
			key = getClientIP(r)
			limiter = m.anonymousLimiter
		}

		// Check rate limit
		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			if m.fallbackEnabled {
				// Fail open: allow request on store error
				m.logger.WithError(err).Warn("rate limit check failed, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			// Fail closed: return 503 Service Unavailable
			http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
			return
		}

		if !allowed {
			m.rateLimitExceeded(ctx, w, limiter, key)
			return
		}

		// Add rate limit headers
		remaining, err := limiter.Remaining(ctx, key)
		if err != nil {
			// If we can't get remaining count, still serve request but without headers
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.config.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		// Get TTL for reset time
		ttl, err := limiter.TTL(ctx, key)
		if err == nil && ttl > 0 {
			resetTime := time.Now().Add(ttl).Unix()
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime))
		}

		next.ServeHTTP(w, r)
	})
}

func (m *DistributedRateLimitMiddleware) rateLimitExceeded(ctx context.Context, w http.ResponseWriter, limiter *DistributedRateLimiter, key string) {
	// Get TTL for Retry-After header
	ttl, err := limiter.TTL(ctx, key)
	retryAfter := limiter.config.WindowDuration.Seconds()
	if err == nil && ttl > 0 {
		retryAfter = ttl.Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.config.RequestsPerWindow))
	w.Header().Set("X-RateLimit-Remaining", "0")

	if ttl > 0 {
		resetTime := time.Now().Add(ttl).Unix()
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime))
	}

	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded","retry_after":` + fmt.Sprintf("%.0f", retryAfter) + `}`))
}

// SetFallbackEnabled controls whether to fail open (true) or closed (false) on store errors
func (m *DistributedRateLimitMiddleware) SetFallbackEnabled(enabled bool) {
	m.fallbackEnabled = enabled
}

// HealthCheck verifies store connectivity for rate limiting
func (m *DistributedRateLimitMiddleware) HealthCheck(ctx context.Context) error {
	return m.store.Ping(ctx)
}
