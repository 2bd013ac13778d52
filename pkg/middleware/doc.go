// Package middleware provides HTTP middleware for tenant context, entitlement
// enforcement, and rate limiting.
//
// # Overview
//
// This package implements request processing middleware for the billing API and
// for applications that embed it: tenant extraction from the URL, plan feature
// gates, usage limit enforcement, and rate limiting (in-memory and Redis-backed).
//
// # CRITICAL: Middleware Ordering Requirements
//
// Entitlement and rate limit middleware read the tenant identifier from the
// request context. TenantContext must run first or those checks are silently
// skipped (the request is treated as unattributed).
//
// REQUIRED ORDERING (outer to inner):
//  1. TenantContext - Parses {tenant_id} from the URL into the context
//  2. Rate limit middleware - Per-tenant buckets need the tenant ID
//  3. Entitlement middleware - RequireFeature / EnforceUsageLimit
//
// Example (correct):
//
//	sub := router.PathPrefix("/api/v1/tenants/{tenant_id}").Subrouter()
//	sub.Use(middleware.TenantContext)
//	sub.Use(rateLimiter.Handler)
//	sub.Handle("/export", entitlements.RequireFeature("data_export")(exportHandler))
//
// # Middleware Components
//
// TenantContext: URL tenant extraction
//
//	sub.Use(middleware.TenantContext)
//	// Parses {tenant_id}, rejects non-numeric values, adds tenant to context
//
// EntitlementMiddleware: plan feature gates and usage caps
//
//	ent := middleware.NewEntitlementMiddleware(catalog, lifecycle, meter, logger)
//	sub.Handle("/export", ent.RequireFeature("data_export")(handler))   // 402 without the feature
//	sub.Handle("/calls", ent.EnforceUsageLimit("api_calls")(handler))   // 429 over the cap
//
// RateLimitMiddleware: In-memory rate limiting
//
//	limiter := middleware.NewRateLimitMiddleware()
//	router.Use(limiter.Handler)
//
// DistributedRateLimitMiddleware: Redis-backed rate limiting
//
//	limiter := middleware.NewDistributedRateLimitMiddleware(redisClient, logger)
//	router.Use(limiter.Handler)
//
// # Rate Limiting
//
// Default (Unattributed): 100 req/min, 10 burst
// Per-Tenant: 1000 req/min, 50 burst
// Webhook: 5000 req/min, 100 burst
//
// # Related Packages
//
//   - pkg/billing: Plan catalog, subscription state, usage metering
//   - pkg/contextkeys: Tenant context key definitions
package middleware
