// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// This package offers helper functions for JSON encoding/decoding, error responses,
// parameter parsing, validation, and common HTTP middleware patterns.
//
// # Response Helpers
//
// JSON responses:
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteSuccess(w, plans)
//	httputil.WriteCreated(w, subscription)
//	httputil.WriteAccepted(w, usageRecord)
//
// Error responses:
//
//	httputil.WriteError(w, http.StatusBadRequest, err)
//	httputil.WriteBadRequest(w, "Invalid input")
//	httputil.WritePaymentRequired(w, "No live subscription")
//	httputil.WriteConflict(w, "Subscription already exists")
//	httputil.WriteTooManyRequests(w, "Usage limit exceeded")
//
// # Request Parsing
//
// JSON parsing:
//
//	var req billing.CreateSubscriptionRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// Path parameters:
//
//	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
//	code, ok := httputil.ParsePathStringOrError(w, r, "code")
//
// Query parameters:
//
//	limit, err := httputil.ParseQueryInt(r, "limit", 20)
//	metric := httputil.ParseQueryString(r, "metric", "")
//	activeOnly, err := httputil.ParseQueryBool(r, "active", true)
//	since, err := httputil.ParseQueryTime(r, "period_start", defaultStart)
//
// # Validation
//
//	httputil.RequireNonEmpty(w, req.Metric, "metric")
//	httputil.RequirePositive(w, req.Quantity, "quantity")
//
// # Middleware
//
// Request-scoped logging, panic recovery and request IDs:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware,
//		httputil.RecoveryMiddleware,
//	)(mux)
//
// Transport guards:
//
//	httputil.Chain(
//		httputil.CORSMiddleware([]string{"https://app.example.com"}),
//		httputil.TimeoutMiddleware(30*time.Second),
//		httputil.ContentTypeMiddleware,
//		httputil.MaxBytesMiddleware(1<<20), // 1MB
//	)
//
// # Related Packages
//
//   - pkg/middleware: Tenant context, entitlement and rate limiting middleware
//   - pkg/observability: Logger carried in request contexts
package httputil
