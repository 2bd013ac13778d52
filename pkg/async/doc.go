// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery, timeout
// enforcement, context cancellation, and error collection.
//
// # Key Functions
//
// SafeGo: Execute function in goroutine with safety features
//
//	async.SafeGo(ctx, 30*time.Second, "payment method sync", func(ctx context.Context) error {
//		// Task code with automatic panic recovery and timeout
//		return registry.SyncFromProcessor(ctx, tenantID)
//	})
//
// Batch: Bounded concurrent batch processing
//
//	errs := async.Batch(ctx, tenantIDs, 5, "payment method sync", 30*time.Second,
//		func(ctx context.Context, tenantID int64) error {
//			return registry.SyncFromProcessor(ctx, tenantID)
//		})
//
// # Features
//
// Panic Recovery: Captures panics with stack traces
// Timeout Enforcement: Per-task timeouts
// Context Cancellation: Respects context cancellation
// Bounded Concurrency: errgroup-limited worker fan-out
//
// # Use Cases
//
// Webhook-triggered background syncs, reconciler sweeps, cache warming
//
// # Related Packages
//
//   - pkg/billing: Uses SafeGo for webhook-triggered payment method syncs
package async
