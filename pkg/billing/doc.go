// Package billing implements the core metered billing and subscription
// lifecycle engine for Turnstile.
//
// # Overview
//
// The package is organized around five services, each backed by Postgres and
// a narrow payment processor interface (pkg/processor):
//
//   - PlanCatalog: subscription plan definitions (price, interval, feature
//     flags, usage limits, trial length). Plans are deactivated, never deleted.
//   - PaymentMethodRegistry: tenant payment methods mirrored from the
//     processor, with an exactly-one-default invariant.
//   - UsageMeter: append-only metered usage. Records are persisted first and
//     forwarded to the processor afterwards with deterministic idempotency
//     keys; a reconciliation pass retries pending forwards with backoff.
//   - LifecycleManager: create, change plan, cancel and reactivate
//     subscriptions. Local rows always reflect the processor's synchronous
//     responses.
//   - WebhookReconciler: signature-verified, idempotent processing of
//     processor events, tolerant of at-least-once and out-of-order delivery.
//
// All monetary amounts are integer minor units (cents). All timestamps are
// UTC and billing periods are half-open intervals [start, end).
//
// # Usage Example
//
// Record metered usage:
//
//	rec, err := meter.RecordUsage(ctx, tenantID, &billing.RecordUsageRequest{
//		Metric:   "api_calls",
//		Quantity: 125,
//	})
//
// Check a limit before performing work:
//
//	check, err := meter.CheckLimit(ctx, tenantID, "api_calls", 10)
//	if err == nil && !check.WithinLimit {
//		// reject the request or surface an upgrade prompt
//	}
//
// Create a subscription:
//
//	sub, err := lifecycle.CreateSubscription(ctx, tenantID, &billing.CreateSubscriptionRequest{
//		PlanCode: "pro-monthly",
//		Email:    "owner@example.com",
//	})
//
// # Related Packages
//
//   - pkg/processor: the payment processor contract and its Stripe adapter
//   - pkg/api: HTTP handlers exposing these services
//   - pkg/middleware: entitlement and usage-limit enforcement for host apps
package billing
