package async

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
//
// Example:
//
//	SafeGo(r.Context(), 5*time.Second, "payment method sync", func(ctx context.Context) error {
//	    return registry.SyncFromProcessor(ctx, tenantID)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		// Create context with timeout
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		// Recover from panics
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[SafeGo] PANIC in %s: %v\nStack trace:\n%s",
					taskName, r, string(debug.Stack()))
			}
		}()

		// Execute function
		if err := fn(ctx); err != nil {
			// Log error but don't crash
			// Caller can decide if this is critical or not
			log.Printf("[SafeGo] Error in %s: %v", taskName, err)
		}
	}()
}

// SafeGoNoError is like SafeGo but for functions that don't return errors.
// Still provides panic recovery and context support.
//
// Example:
//
//	SafeGoNoError(r.Context(), 5*time.Second, "cache warming", func(ctx context.Context) {
//	    cache.Warm(ctx, keys)
//	})
func SafeGoNoError(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context)) {
	SafeGo(parentCtx, timeout, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Batch runs fn over items with at most workers concurrent goroutines. Each
// call gets its own timeout and panic recovery; a failing item does not stop
// the rest of the batch. All errors encountered are returned.
//
// Example:
//
//	tenants := []int64{101, 102, 103}
//	errs := Batch(ctx, tenants, 5, "payment method sync", 30*time.Second,
//	    func(ctx context.Context, tenantID int64) error {
//	        return registry.SyncFromProcessor(ctx, tenantID)
//	    })
//	if len(errs) > 0 {
//	    log.Printf("%d tenants failed to sync", len(errs))
//	}
func Batch[T any](parentCtx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(workers)

	for _, item := range items {
		if parentCtx.Err() != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s batch canceled: %w", taskName, parentCtx.Err()))
			mu.Unlock()
			break
		}

		item := item // Capture loop variable
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(parentCtx, timeout)
			defer cancel()

			if err := runOne(ctx, taskName, item, fn); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			// Errors are collected, not returned, so the group never
			// cancels the remaining items.
			return nil
		})
	}

	g.Wait()
	return errs
}

// runOne executes fn for a single item, converting panics to errors
func runOne[T any](ctx context.Context, taskName string, item T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Batch] PANIC in %s: %v\nStack trace:\n%s",
				taskName, r, string(debug.Stack()))
			err = fmt.Errorf("panic in %s: %v", taskName, r)
		}
	}()
	return fn(ctx, item)
}
