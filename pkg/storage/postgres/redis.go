package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/storage"
)

// defaultPlanTTL bounds how long a cached plan can outlive a catalog write
// made by another node.
const defaultPlanTTL = 5 * time.Minute

// RedisClient is the shared Redis handle. It carries the plan cache plus the
// counter primitives the rate limiter uses.
type RedisClient struct {
	client *redis.Client
	config storage.Config
}

// NewRedisClient creates a new Redis client
func NewRedisClient(config storage.Config) (*RedisClient, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Override with config values if provided
	if config.RedisPassword != "" {
		opts.Password = config.RedisPassword
	}
	if config.RedisDB >= 0 {
		opts.DB = config.RedisDB
	}
	if config.RedisMaxRetries > 0 {
		opts.MaxRetries = config.RedisMaxRetries
	}
	if config.RedisPoolSize > 0 {
		opts.PoolSize = config.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{
		client: client,
		config: config,
	}, nil
}

func planKey(code string) string {
	return fmt.Sprintf("plan:%s", code)
}

func priceIndexKey(priceRef string) string {
	return fmt.Sprintf("plan_price:%s", priceRef)
}

// GetPlan retrieves a cached plan. A cache miss returns (nil, nil).
func (c *RedisClient) GetPlan(ctx context.Context, code string) (*billing.Plan, error) {
	data, err := c.client.Get(ctx, planKey(code)).Result()
	if err == redis.Nil {
		return nil, nil // Cache miss
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var plan billing.Plan
	if err := json.Unmarshal([]byte(data), &plan); err != nil {
		// Corrupt entries are dropped rather than served.
		c.client.Del(ctx, planKey(code))
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}

	return &plan, nil
}

// SetPlan caches a plan under its code and indexes its processor price ref.
func (c *RedisClient) SetPlan(ctx context.Context, plan *billing.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	ttl := c.config.TTLFor("plan", defaultPlanTTL)
	if err := c.client.Set(ctx, planKey(plan.Code), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	if plan.ProcessorPriceID != "" {
		indexTTL := c.config.TTLFor("price_index", ttl)
		if err := c.client.Set(ctx, priceIndexKey(plan.ProcessorPriceID), plan.Code, indexTTL).Err(); err != nil {
			return fmt.Errorf("redis set failed: %w", err)
		}
	}
	return nil
}

// GetPlanCodeByPrice resolves a processor price ref to a plan code.
// A cache miss returns ("", nil).
func (c *RedisClient) GetPlanCodeByPrice(ctx context.Context, priceRef string) (string, error) {
	code, err := c.client.Get(ctx, priceIndexKey(priceRef)).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return code, nil
}

// InvalidatePlan removes a plan and its price index entry from cache.
func (c *RedisClient) InvalidatePlan(ctx context.Context, code, priceRef string) error {
	keys := []string{planKey(code)}
	if priceRef != "" {
		keys = append(keys, priceIndexKey(priceRef))
	}
	return c.client.Del(ctx, keys...).Err()
}

// InvalidatePatterns removes keys matching patterns
func (c *RedisClient) InvalidatePatterns(ctx context.Context, patterns ...string) error {
	for _, pattern := range patterns {
		// Use SCAN to find matching keys
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan failed for pattern %s: %w", pattern, err)
		}
	}
	return nil
}

// Ping checks Redis connectivity
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetClient returns the underlying Redis client for health checks
func (c *RedisClient) GetClient() *redis.Client {
	return c.client
}

// Close closes the Redis connection
func (c *RedisClient) Close() error {
	return c.client.Close()
}

// GetPoolStats returns connection pool statistics
func (c *RedisClient) GetPoolStats() *redis.PoolStats {
	return c.client.PoolStats()
}

// Incr increments a counter (for rate limiting)
func (c *RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// GetInt reads an integer counter. A missing key returns (0, false, nil).
func (c *RedisClient) GetInt(ctx context.Context, key string) (int64, bool, error) {
	val, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("redis get failed: %w", err)
	}
	return val, true, nil
}

// Del removes keys
func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Expire sets a key's expiration
func (c *RedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.client.Expire(ctx, key, expiration).Err()
}

// TTL returns the remaining time to live of a key
func (c *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.client.TTL(ctx, key).Result()
}

// SetNX sets a key only if it doesn't exist (for distributed locks)
func (c *RedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, expiration).Result()
}
