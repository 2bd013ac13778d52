package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/observability"
	"github.com/platinummonkey/turnstile/pkg/storage"
)

// fakeCatalog implements billing.PlanCatalog in memory and counts calls so
// tests can tell which reads the cache absorbed.
type fakeCatalog struct {
	mu    sync.Mutex
	plans map[string]*billing.Plan

	getCalls    int
	priceCalls  int
	listCalls   int
	createCalls int
	upsertCalls int
}

func newFakeCatalog(plans ...*billing.Plan) *fakeCatalog {
	f := &fakeCatalog{plans: make(map[string]*billing.Plan)}
	for _, p := range plans {
		f.plans[p.Code] = p
	}
	return f
}

func (f *fakeCatalog) GetPlan(ctx context.Context, code string) (*billing.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	plan, ok := f.plans[code]
	if !ok {
		return nil, &billing.NotFoundError{Resource: "plan", Key: code}
	}
	cp := *plan
	return &cp, nil
}

func (f *fakeCatalog) GetPlanByProcessorPrice(ctx context.Context, priceRef string) (*billing.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	for _, plan := range f.plans {
		if plan.ProcessorPriceID == priceRef {
			cp := *plan
			return &cp, nil
		}
	}
	return nil, &billing.NotFoundError{Resource: "plan", Key: priceRef}
}

func (f *fakeCatalog) ListPlans(ctx context.Context, activeOnly bool) ([]*billing.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]*billing.Plan, 0, len(f.plans))
	for _, plan := range f.plans {
		if activeOnly && !plan.Active {
			continue
		}
		cp := *plan
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeCatalog) CreatePlan(ctx context.Context, plan *billing.Plan) (*billing.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	cp := *plan
	f.plans[plan.Code] = &cp
	return &cp, nil
}

func (f *fakeCatalog) UpsertPlan(ctx context.Context, plan *billing.Plan) (*billing.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	cp := *plan
	f.plans[plan.Code] = &cp
	return &cp, nil
}

func (f *fakeCatalog) DeactivatePlan(ctx context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	plan, ok := f.plans[code]
	if !ok {
		return &billing.NotFoundError{Resource: "plan", Key: code}
	}
	plan.Active = false
	return nil
}

func (f *fakeCatalog) gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

// setupCacheTest wires a CachedPlanCatalog over a fake catalog and a
// miniredis-backed second level.
func setupCacheTest(t *testing.T, plans ...*billing.Plan) (*CachedPlanCatalog, *fakeCatalog, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	cfg := storage.Config{
		RedisURL: "redis://" + mr.Addr(),
		CacheTTL: map[string]time.Duration{
			"plan":        1 * time.Hour,
			"price_index": 1 * time.Hour,
		},
	}

	redisClient, err := NewRedisClient(cfg)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create Redis client: %v", err)
	}

	inner := newFakeCatalog(plans...)
	cache := NewCachedPlanCatalog(inner, redisClient, cfg, quietLogger(), nil)

	cleanup := func() {
		redisClient.Close()
		mr.Close()
	}

	return cache, inner, mr, cleanup
}

func TestCachedPlanCatalog_GetPlan_MemoryHit(t *testing.T) {
	cache, inner, _, cleanup := setupCacheTest(t, testPlan("pro-monthly", "price_pro_m"))
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		plan, err := cache.GetPlan(ctx, "pro-monthly")
		if err != nil {
			t.Fatalf("GetPlan failed: %v", err)
		}
		if plan.Code != "pro-monthly" {
			t.Errorf("Expected pro-monthly, got %q", plan.Code)
		}
	}

	if got := inner.gets(); got != 1 {
		t.Errorf("Expected 1 database read, got %d", got)
	}
}

func TestCachedPlanCatalog_GetPlan_ErrorNotCached(t *testing.T) {
	cache, inner, _, cleanup := setupCacheTest(t)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cache.GetPlan(ctx, "missing")
		if !billing.IsNotFound(err) {
			t.Fatalf("Expected not-found error, got %v", err)
		}
	}

	// Misses are never cached; every lookup for a missing code reaches
	// the database.
	if got := inner.gets(); got != 2 {
		t.Errorf("Expected 2 database reads, got %d", got)
	}
}

func TestCachedPlanCatalog_GetPlan_RedisSharedAcrossProcesses(t *testing.T) {
	cache, _, mr, cleanup := setupCacheTest(t, testPlan("pro-monthly", "price_pro_m"))
	defer cleanup()

	ctx := context.Background()
	if _, err := cache.GetPlan(ctx, "pro-monthly"); err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}

	// A second process with a cold L1 and an empty database still finds
	// the plan through the shared Redis layer.
	cfg := storage.Config{RedisURL: "redis://" + mr.Addr()}
	redisClient, err := NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("Failed to create second Redis client: %v", err)
	}
	defer redisClient.Close()

	emptyInner := newFakeCatalog()
	second := NewCachedPlanCatalog(emptyInner, redisClient, cfg, quietLogger(), nil)

	plan, err := second.GetPlan(ctx, "pro-monthly")
	if err != nil {
		t.Fatalf("GetPlan via shared Redis failed: %v", err)
	}
	if plan.Code != "pro-monthly" {
		t.Errorf("Expected pro-monthly, got %q", plan.Code)
	}
	if got := emptyInner.gets(); got != 0 {
		t.Errorf("Expected 0 database reads, got %d", got)
	}
}

func TestCachedPlanCatalog_UpsertInvalidates(t *testing.T) {
	cache, inner, _, cleanup := setupCacheTest(t, testPlan("pro-monthly", "price_pro_m"))
	defer cleanup()

	ctx := context.Background()
	if _, err := cache.GetPlan(ctx, "pro-monthly"); err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}

	updated := testPlan("pro-monthly", "price_pro_m")
	updated.AmountCents = 5900
	if _, err := cache.UpsertPlan(ctx, updated); err != nil {
		t.Fatalf("UpsertPlan failed: %v", err)
	}

	plan, err := cache.GetPlan(ctx, "pro-monthly")
	if err != nil {
		t.Fatalf("GetPlan after upsert failed: %v", err)
	}
	if plan.AmountCents != 5900 {
		t.Errorf("Expected updated amount 5900, got %d", plan.AmountCents)
	}
	if got := inner.gets(); got != 2 {
		t.Errorf("Expected 2 database reads (before and after upsert), got %d", got)
	}
}

func TestCachedPlanCatalog_DeactivateInvalidates(t *testing.T) {
	cache, _, _, cleanup := setupCacheTest(t, testPlan("legacy", "price_legacy"))
	defer cleanup()

	ctx := context.Background()
	if _, err := cache.GetPlan(ctx, "legacy"); err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}

	if err := cache.DeactivatePlan(ctx, "legacy"); err != nil {
		t.Fatalf("DeactivatePlan failed: %v", err)
	}

	plan, err := cache.GetPlan(ctx, "legacy")
	if err != nil {
		t.Fatalf("GetPlan after deactivation failed: %v", err)
	}
	if plan.Active {
		t.Error("Expected deactivated plan from the database, got a stale active one")
	}
}

func TestCachedPlanCatalog_GetPlanByProcessorPrice(t *testing.T) {
	cache, inner, _, cleanup := setupCacheTest(t, testPlan("pro-monthly", "price_pro_m"))
	defer cleanup()

	ctx := context.Background()

	plan, err := cache.GetPlanByProcessorPrice(ctx, "price_pro_m")
	if err != nil {
		t.Fatalf("GetPlanByProcessorPrice failed: %v", err)
	}
	if plan.Code != "pro-monthly" {
		t.Errorf("Expected pro-monthly, got %q", plan.Code)
	}

	// Second resolve is served by the in-memory price index.
	if _, err := cache.GetPlanByProcessorPrice(ctx, "price_pro_m"); err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}

	inner.mu.Lock()
	priceCalls := inner.priceCalls
	inner.mu.Unlock()
	if priceCalls != 1 {
		t.Errorf("Expected 1 price lookup against the database, got %d", priceCalls)
	}
}

func TestCachedPlanCatalog_MemoryOnly(t *testing.T) {
	inner := newFakeCatalog(testPlan("pro-monthly", "price_pro_m"))
	cache := NewCachedPlanCatalog(inner, nil, storage.Config{}, quietLogger(), nil)

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		plan, err := cache.GetPlan(ctx, "pro-monthly")
		if err != nil {
			t.Fatalf("GetPlan failed: %v", err)
		}
		if plan.Code != "pro-monthly" {
			t.Errorf("Expected pro-monthly, got %q", plan.Code)
		}
	}

	if got := inner.gets(); got != 1 {
		t.Errorf("Expected 1 database read without Redis, got %d", got)
	}

	if err := cache.InvalidateAll(ctx); err != nil {
		t.Fatalf("InvalidateAll without Redis failed: %v", err)
	}
}

func TestCachedPlanCatalog_WarmupCache(t *testing.T) {
	active1 := testPlan("pro-monthly", "price_pro_m")
	active2 := testPlan("pro-yearly", "price_pro_y")
	inactive := testPlan("legacy", "price_legacy")
	inactive.Active = false

	cache, inner, _, cleanup := setupCacheTest(t, active1, active2, inactive)
	defer cleanup()

	ctx := context.Background()
	if err := cache.WarmupCache(ctx); err != nil {
		t.Fatalf("WarmupCache failed: %v", err)
	}

	if got := cache.PlanCacheLen(); got != 2 {
		t.Errorf("Expected 2 warmed plans, got %d", got)
	}

	// Warmed plans are served without touching the database.
	if _, err := cache.GetPlan(ctx, "pro-monthly"); err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if _, err := cache.GetPlan(ctx, "pro-yearly"); err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if got := inner.gets(); got != 0 {
		t.Errorf("Expected 0 database reads after warmup, got %d", got)
	}
}

func TestCachedPlanCatalog_InvalidateAll(t *testing.T) {
	cache, inner, mr, cleanup := setupCacheTest(t, testPlan("pro-monthly", "price_pro_m"))
	defer cleanup()

	ctx := context.Background()
	if _, err := cache.GetPlan(ctx, "pro-monthly"); err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}

	if err := cache.InvalidateAll(ctx); err != nil {
		t.Fatalf("InvalidateAll failed: %v", err)
	}

	if got := cache.PlanCacheLen(); got != 0 {
		t.Errorf("Expected empty L1 after InvalidateAll, got %d entries", got)
	}
	if mr.Exists("plan:pro-monthly") {
		t.Error("Expected Redis plan entry to be deleted")
	}

	if _, err := cache.GetPlan(ctx, "pro-monthly"); err != nil {
		t.Fatalf("GetPlan after InvalidateAll failed: %v", err)
	}
	if got := inner.gets(); got != 2 {
		t.Errorf("Expected a fresh database read after InvalidateAll, got %d total", got)
	}
}

func TestCachedPlanCatalog_ListPlansNotCached(t *testing.T) {
	cache, inner, _, cleanup := setupCacheTest(t, testPlan("pro-monthly", "price_pro_m"))
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		plans, err := cache.ListPlans(ctx, true)
		if err != nil {
			t.Fatalf("ListPlans failed: %v", err)
		}
		if len(plans) != 1 {
			t.Errorf("Expected 1 plan, got %d", len(plans))
		}
	}

	inner.mu.Lock()
	listCalls := inner.listCalls
	inner.mu.Unlock()
	if listCalls != 2 {
		t.Errorf("Expected every list to hit the database, got %d calls", listCalls)
	}
}

func TestCachedPlanCatalog_Metrics(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	cfg := storage.Config{RedisURL: "redis://" + mr.Addr()}
	redisClient, err := NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("Failed to create Redis client: %v", err)
	}
	defer redisClient.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	inner := newFakeCatalog(testPlan("pro-monthly", "price_pro_m"))
	cache := NewCachedPlanCatalog(inner, redisClient, cfg, quietLogger(), metrics)

	ctx := context.Background()
	if _, err := cache.GetPlan(ctx, "pro-monthly"); err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if _, err := cache.GetPlan(ctx, "pro-monthly"); err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}

	memHits := testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("memory", "plan"))
	if memHits != 1 {
		t.Errorf("Expected 1 memory hit, got %v", memHits)
	}
	memMisses := testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("memory", "plan"))
	if memMisses != 1 {
		t.Errorf("Expected 1 memory miss, got %v", memMisses)
	}
	redisMisses := testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("redis", "plan"))
	if redisMisses != 1 {
		t.Errorf("Expected 1 redis miss, got %v", redisMisses)
	}
}
