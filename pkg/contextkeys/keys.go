// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//   import "github.com/platinummonkey/turnstile/pkg/contextkeys"
//   ctx = contextkeys.WithTenant(ctx, tenantID)
//   tenantID, ok := contextkeys.GetTenant(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// TenantKey contains the tenant identifier
	// Set by: middleware.TenantContext (pkg/middleware/tenant.go)
	// Required by: Entitlement middleware, rate limiting, tenant-scoped handlers
	// Type: int64
	TenantKey Key = "tenant_id"

	// RequestIDKey contains request ID string (UUID)
	// Set by: API server request context middleware
	// Used by: Logger, request tracing, error responses
	// Type: string
	RequestIDKey Key = "request_id"
)

// Helper functions for type-safe context operations

// WithTenant adds the tenant identifier to the context
func WithTenant(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, TenantKey, tenantID)
}

// GetTenant retrieves the tenant identifier from context
func GetTenant(ctx context.Context) (int64, bool) {
	tenantID, ok := ctx.Value(TenantKey).(int64)
	return tenantID, ok
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
