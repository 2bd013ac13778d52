// Package api provides the HTTP REST API server for the Turnstile billing engine.
//
// # Overview
//
// This package implements the HTTP layer over the billing services: plan
// catalog administration, subscription lifecycle, payment method management,
// usage metering, and the processor webhook endpoint. Handlers translate
// requests into billing interface calls and billing errors into HTTP status
// codes; all business rules live in pkg/billing.
//
// # Architecture
//
// The API is built on gorilla/mux and organized into domain-specific handler
// groups, each registering its own routes:
//
//   - PlanHandlers: Create, upsert, list, fetch and deactivate catalog plans
//   - SubscriptionHandlers: Create, fetch, change plan, cancel, reactivate
//   - PaymentMethodHandlers: Attach, list, set default, remove, sync
//   - UsageHandlers: Record usage, check limits, summaries and trends
//   - WebhookHandlers: Signed processor event ingestion
//
// Server wires the groups under /api/v1 and layers middleware over every
// matched route: request IDs, request-scoped logging, panic recovery,
// optional Prometheus instrumentation, tenant resolution from path
// variables, and token-bucket rate limiting.
//
// # Key Types
//
// Services bundles the billing interfaces the server exposes:
//
//	services := api.Services{
//		Plans:          catalog,
//		Lifecycle:      lifecycle,
//		PaymentMethods: methods,
//		Usage:          meter,
//		Webhooks:       reconciler,
//	}
//
// Server is the http.Handler serving the REST API:
//
//	server := api.NewServer(services, logger, metrics)
//	http.ListenAndServe(":8080", server)
//
// # API Endpoints
//
// Plan catalog:
//
//	POST   /api/v1/plans                                      - Create plan
//	GET    /api/v1/plans?active=true                          - List plans
//	GET    /api/v1/plans/{code}                               - Get plan
//	PUT    /api/v1/plans/{code}                               - Upsert plan
//	DELETE /api/v1/plans/{code}                               - Deactivate plan
//
// Subscription lifecycle:
//
//	POST   /api/v1/tenants/{tenant_id}/subscription            - Create subscription
//	GET    /api/v1/tenants/{tenant_id}/subscription            - Get subscription
//	PUT    /api/v1/tenants/{tenant_id}/subscription/plan       - Change plan
//	POST   /api/v1/tenants/{tenant_id}/subscription/cancel     - Cancel (now or at period end)
//	POST   /api/v1/tenants/{tenant_id}/subscription/reactivate - Undo scheduled cancellation
//
// Payment methods:
//
//	POST   /api/v1/tenants/{tenant_id}/payment-methods                 - Attach method
//	GET    /api/v1/tenants/{tenant_id}/payment-methods                 - List methods
//	GET    /api/v1/tenants/{tenant_id}/payment-methods/expiring        - Cards expiring soon
//	POST   /api/v1/tenants/{tenant_id}/payment-methods/sync            - Reconcile with processor
//	PUT    /api/v1/tenants/{tenant_id}/payment-methods/{pm_id}/default - Set default
//	DELETE /api/v1/tenants/{tenant_id}/payment-methods/{pm_id}         - Remove method
//
// Usage metering:
//
//	POST   /api/v1/tenants/{tenant_id}/usage          - Record usage
//	GET    /api/v1/tenants/{tenant_id}/usage/limit    - Check a metric against its plan limit
//	GET    /api/v1/tenants/{tenant_id}/usage/summary  - Per-metric period totals
//	GET    /api/v1/tenants/{tenant_id}/usage/trends   - Day-bucketed history
//
// Webhooks:
//
//	POST   /api/v1/billing/webhook                    - Signed processor events
//
// # Error Mapping
//
// Billing errors map onto HTTP statuses uniformly across handlers:
//
//	ValidationError   -> 400
//	SignatureError    -> 400
//	NotFoundError     -> 404
//	ConflictError     -> 409
//	InactivePlanError -> 422
//	ProcessorError    -> 502
//	TransientError    -> 503
//
// Anything else becomes a 500 and is logged with the request context. The
// webhook endpoint deliberately returns non-2xx for internal failures so the
// processor redelivers the event.
//
// # Usage Example
//
// Basic server setup:
//
//	package main
//
//	import (
//		"log"
//		"net/http"
//
//		"github.com/platinummonkey/turnstile/pkg/api"
//		"github.com/platinummonkey/turnstile/pkg/billing"
//		"github.com/platinummonkey/turnstile/pkg/processor"
//	)
//
//	func main() {
//		proc := processor.NewMockProcessor()
//		catalog := billing.NewPostgresPlanCatalog(db)
//		// ... construct the remaining services ...
//
//		server := api.NewServer(api.Services{
//			Plans:          catalog,
//			Lifecycle:      lifecycle,
//			PaymentMethods: methods,
//			Usage:          meter,
//			Webhooks:       reconciler,
//		}, logger, metrics)
//
//		log.Fatal(http.ListenAndServe(":8080", server))
//	}
//
// Client usage example:
//
//	// Create a plan
//	POST /api/v1/plans
//	{
//		"code": "pro-monthly",
//		"name": "Pro",
//		"processor_price_id": "price_123",
//		"amount_cents": 2900,
//		"currency": "usd",
//		"interval": "month",
//		"limits": {"api_calls": 100000}
//	}
//
//	// Subscribe a tenant
//	POST /api/v1/tenants/42/subscription
//	{"plan_code": "pro-monthly", "email": "owner@example.com"}
//
//	// Record usage
//	POST /api/v1/tenants/42/usage
//	{"metric": "api_calls", "quantity": 17}
//
// # Related Packages
//
//   - pkg/billing: Plan catalog, lifecycle, metering and webhook services
//   - pkg/processor: Payment processor adapter behind the services
//   - pkg/middleware: Tenant context, entitlement and rate limiting middleware
//   - pkg/httputil: Request parsing and response writers used by handlers
//   - pkg/observability: Logging, metrics and request-ID plumbing
package api
