package postgres

import (
	"context"
	"os"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/observability"
	"github.com/platinummonkey/turnstile/pkg/storage"
)

// CachedPlanCatalog wraps a PlanCatalog with a two-level read-through cache:
// a per-process expirable LRU in front of an optional shared Redis layer.
// Plan lookups sit on the webhook and entitlement hot paths, so both levels
// exist to keep them off the database.
type CachedPlanCatalog struct {
	inner   billing.PlanCatalog
	redis   *RedisClient // optional second level
	plans   *lru.LRU[string, *billing.Plan]
	prices  *lru.LRU[string, string] // processor price ref -> plan code
	logger  *observability.Logger
	metrics *observability.Metrics
}

var _ billing.PlanCatalog = (*CachedPlanCatalog)(nil)

// NewCachedPlanCatalog builds the cache around inner. redisClient may be nil
// for a memory-only cache.
func NewCachedPlanCatalog(inner billing.PlanCatalog, redisClient *RedisClient, cfg storage.Config, logger *observability.Logger, metrics *observability.Metrics) *CachedPlanCatalog {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}

	size := cfg.L1CacheSize
	if size <= 0 {
		size = 256
	}
	ttl := cfg.TTLFor("plan", defaultPlanTTL)

	return &CachedPlanCatalog{
		inner:   inner,
		redis:   redisClient,
		plans:   lru.NewLRU[string, *billing.Plan](size, nil, ttl),
		prices:  lru.NewLRU[string, string](size, nil, cfg.TTLFor("price_index", ttl)),
		logger:  logger,
		metrics: metrics,
	}
}

func (c *CachedPlanCatalog) countHit(cacheType, keyType string) {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(cacheType, keyType).Inc()
	}
}

func (c *CachedPlanCatalog) countMiss(cacheType, keyType string) {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(cacheType, keyType).Inc()
	}
}

// GetPlan returns the plan for code, consulting memory, then Redis, then the
// backing catalog.
func (c *CachedPlanCatalog) GetPlan(ctx context.Context, code string) (*billing.Plan, error) {
	if plan, ok := c.plans.Get(code); ok {
		c.countHit("memory", "plan")
		return plan, nil
	}
	c.countMiss("memory", "plan")

	if c.redis != nil {
		plan, err := c.redis.GetPlan(ctx, code)
		if err != nil {
			c.logger.WithError(err).Warn("plan cache read failed; falling through to database")
		} else if plan != nil {
			c.countHit("redis", "plan")
			c.plans.Add(code, plan)
			return plan, nil
		} else {
			c.countMiss("redis", "plan")
		}
	}

	plan, err := c.inner.GetPlan(ctx, code)
	if err != nil {
		return nil, err
	}
	c.store(ctx, plan)
	return plan, nil
}

// GetPlanByProcessorPrice resolves a processor price ref, using the cached
// price index where possible.
func (c *CachedPlanCatalog) GetPlanByProcessorPrice(ctx context.Context, priceRef string) (*billing.Plan, error) {
	if code, ok := c.prices.Get(priceRef); ok {
		c.countHit("memory", "price")
		return c.GetPlan(ctx, code)
	}
	c.countMiss("memory", "price")

	if c.redis != nil {
		code, err := c.redis.GetPlanCodeByPrice(ctx, priceRef)
		if err != nil {
			c.logger.WithError(err).Warn("price index read failed; falling through to database")
		} else if code != "" {
			c.countHit("redis", "price")
			c.prices.Add(priceRef, code)
			return c.GetPlan(ctx, code)
		} else {
			c.countMiss("redis", "price")
		}
	}

	plan, err := c.inner.GetPlanByProcessorPrice(ctx, priceRef)
	if err != nil {
		return nil, err
	}
	c.store(ctx, plan)
	return plan, nil
}

// ListPlans is not cached; list reads are rare next to plan lookups.
func (c *CachedPlanCatalog) ListPlans(ctx context.Context, activeOnly bool) ([]*billing.Plan, error) {
	return c.inner.ListPlans(ctx, activeOnly)
}

// CreatePlan writes through to the backing catalog and invalidates any
// cached entry for the code.
func (c *CachedPlanCatalog) CreatePlan(ctx context.Context, plan *billing.Plan) (*billing.Plan, error) {
	created, err := c.inner.CreatePlan(ctx, plan)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, created.Code, created.ProcessorPriceID)
	return created, nil
}

// UpsertPlan writes through to the backing catalog and invalidates the
// cached entry.
func (c *CachedPlanCatalog) UpsertPlan(ctx context.Context, plan *billing.Plan) (*billing.Plan, error) {
	updated, err := c.inner.UpsertPlan(ctx, plan)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, updated.Code, updated.ProcessorPriceID)
	return updated, nil
}

// DeactivatePlan writes through and invalidates. The plan is read first so
// its price index entry can be dropped alongside the plan itself.
func (c *CachedPlanCatalog) DeactivatePlan(ctx context.Context, code string) error {
	priceRef := ""
	if plan, err := c.inner.GetPlan(ctx, code); err == nil {
		priceRef = plan.ProcessorPriceID
	}

	if err := c.inner.DeactivatePlan(ctx, code); err != nil {
		return err
	}
	c.invalidate(ctx, code, priceRef)
	return nil
}

// WarmupCache primes both cache levels with every active plan.
func (c *CachedPlanCatalog) WarmupCache(ctx context.Context) error {
	plans, err := c.inner.ListPlans(ctx, true)
	if err != nil {
		return err
	}
	for _, plan := range plans {
		c.store(ctx, plan)
	}
	c.logger.WithFields(map[string]interface{}{"plans": len(plans)}).Info("plan cache warmed")
	return nil
}

// InvalidateAll drops every cached plan. Uses pattern deletes rather than
// FLUSHDB; the rate limiter shares the Redis database.
func (c *CachedPlanCatalog) InvalidateAll(ctx context.Context) error {
	c.plans.Purge()
	c.prices.Purge()
	if c.redis != nil {
		return c.redis.InvalidatePatterns(ctx, "plan:*", "plan_price:*")
	}
	return nil
}

// PlanCacheLen reports the in-memory plan entry count, for health output.
func (c *CachedPlanCatalog) PlanCacheLen() int {
	return c.plans.Len()
}

func (c *CachedPlanCatalog) store(ctx context.Context, plan *billing.Plan) {
	c.plans.Add(plan.Code, plan)
	if plan.ProcessorPriceID != "" {
		c.prices.Add(plan.ProcessorPriceID, plan.Code)
	}
	if c.redis != nil {
		if err := c.redis.SetPlan(ctx, plan); err != nil {
			c.logger.WithError(err).Warn("plan cache write failed")
		}
	}
}

// invalidate drops one plan from both levels. The in-memory price index is
// purged wholesale: a write can reassign a price ref, and stale index
// entries are not tracked per plan.
func (c *CachedPlanCatalog) invalidate(ctx context.Context, code, priceRef string) {
	c.plans.Remove(code)
	c.prices.Purge()
	if c.redis != nil {
		if err := c.redis.InvalidatePlan(ctx, code, priceRef); err != nil {
			c.logger.WithError(err).Warn("plan cache invalidation failed")
		}
	}
}
