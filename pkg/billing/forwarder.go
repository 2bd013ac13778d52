package billing

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/turnstile/pkg/observability"
	"github.com/platinummonkey/turnstile/pkg/processor"
)

// RetryConfig configures usage forward retry behavior
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       8,
		InitialDelay:      30 * time.Second,
		MaxDelay:          6 * time.Hour,
		BackoffMultiplier: 2.0,
	}
}

// RetryPolicy implements exponential backoff for usage forwarding
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a new retry policy, filling in defaults for
// unset fields
func NewRetryPolicy(config RetryConfig) RetryPolicy {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 8
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 30 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 6 * time.Hour
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = 2.0
	}
	return RetryPolicy{config: config}
}

// DefaultRetryPolicy returns a policy with the default configuration
func DefaultRetryPolicy() RetryPolicy {
	return NewRetryPolicy(DefaultRetryConfig())
}

// ShouldRetry determines if a forward should be attempted again
func (p RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if err == nil {
		return false
	}
	return attempts < p.config.MaxAttempts
}

// NextRetryDelay calculates the delay before the next attempt
func (p RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}

	// Exponential backoff: delay = initialDelay * (multiplier ^ (attempts - 1))
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))

	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

// NextRetryTime calculates when the next attempt should occur
func (p RetryPolicy) NextRetryTime(attempts int) time.Time {
	return time.Now().UTC().Add(p.NextRetryDelay(attempts))
}

// ForwarderConfig configures the usage forwarder
type ForwarderConfig struct {
	Retry       RetryConfig
	Concurrency int
	BatchSize   int
}

// DefaultForwarderConfig returns the default forwarder configuration
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		Retry:       DefaultRetryConfig(),
		Concurrency: 4,
		BatchSize:   100,
	}
}

// Forwarder drains usage records whose inline forward failed. It is run
// periodically by the reconciler worker. Records exhaust their retry
// budget into the failed status, which is terminal and surfaced by the
// queue depth metric.
type Forwarder struct {
	db          *sql.DB
	proc        processor.Processor
	retry       RetryPolicy
	concurrency int
	batchSize   int
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewForwarder creates a new usage forwarder. The metrics argument may
// be nil.
func NewForwarder(db *sql.DB, proc processor.Processor, cfg ForwarderConfig, logger *observability.Logger, metrics *observability.Metrics) *Forwarder {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Forwarder{
		db:          db,
		proc:        proc,
		retry:       NewRetryPolicy(cfg.Retry),
		concurrency: cfg.Concurrency,
		batchSize:   cfg.BatchSize,
		logger:      logger,
		metrics:     metrics,
	}
}

// pendingUsage is one due record joined with its tenant's processor ref.
type pendingUsage struct {
	ID              string
	TenantID        int64
	Metric          string
	Quantity        int64
	RecordedAt      time.Time
	IdempotencyKey  string
	ForwardAttempts int
	CustomerRef     string
}

// ForwardPending forwards up to batchSize due records concurrently and
// returns how many were delivered. Per-record failures are recorded on the
// row, not returned.
func (f *Forwarder) ForwardPending(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = f.batchSize
	}

	items, err := f.duePending(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		f.observeQueueDepth(ctx)
		return 0, nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(f.concurrency)

	var mu sync.Mutex
	forwarded := 0

	for _, item := range items {
		item := item
		eg.Go(func() error {
			if egCtx.Err() != nil {
				return egCtx.Err()
			}
			if f.forwardOne(egCtx, item) {
				mu.Lock()
				forwarded++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		f.observeQueueDepth(ctx)
		return forwarded, err
	}

	f.observeQueueDepth(ctx)
	return forwarded, nil
}

func (f *Forwarder) duePending(ctx context.Context, limit int) ([]*pendingUsage, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT u.id, u.tenant_id, u.metric, u.quantity, u.recorded_at,
			u.idempotency_key, u.forward_attempts, c.processor_customer_id
		FROM usage_records u
		JOIN billing_customers c ON c.tenant_id = u.tenant_id
		WHERE u.forward_status = 'pending'
			AND (u.next_attempt_at IS NULL OR u.next_attempt_at <= NOW())
		ORDER BY u.recorded_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending usage: %w", err)
	}
	defer rows.Close()

	var items []*pendingUsage
	for rows.Next() {
		var item pendingUsage
		if err := rows.Scan(&item.ID, &item.TenantID, &item.Metric, &item.Quantity,
			&item.RecordedAt, &item.IdempotencyKey, &item.ForwardAttempts, &item.CustomerRef); err != nil {
			return nil, fmt.Errorf("failed to scan pending usage: %w", err)
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending usage: %w", err)
	}
	return items, nil
}

// forwardOne retries a single record. The stored idempotency key makes the
// processor-side delivery safe to repeat.
func (f *Forwarder) forwardOne(ctx context.Context, item *pendingUsage) bool {
	attempts := item.ForwardAttempts + 1

	ref, err := f.proc.RecordMeteredUsage(ctx, &processor.UsageEvent{
		CustomerRef:    item.CustomerRef,
		Metric:         item.Metric,
		Quantity:       item.Quantity,
		At:             item.RecordedAt,
		IdempotencyKey: item.IdempotencyKey,
	})
	if err != nil {
		if f.retry.ShouldRetry(attempts, err) {
			next := f.retry.NextRetryTime(attempts)
			if _, uerr := f.db.ExecContext(ctx, `
				UPDATE usage_records
				SET forward_attempts = $2, next_attempt_at = $3
				WHERE id = $1`, item.ID, attempts, next); uerr != nil {
				f.logger.WithError(uerr).Error("failed to reschedule usage forward")
			}
			f.logger.WithFields(map[string]interface{}{
				"usage_id": item.ID,
				"attempts": attempts,
			}).WithError(err).Warn("usage forward retry failed")
			f.countForward("retry")
			return false
		}

		if _, uerr := f.db.ExecContext(ctx, `
			UPDATE usage_records
			SET forward_status = 'failed', forward_attempts = $2, next_attempt_at = NULL
			WHERE id = $1`, item.ID, attempts); uerr != nil {
			f.logger.WithError(uerr).Error("failed to mark usage forward as failed")
		}
		f.logger.WithFields(map[string]interface{}{
			"usage_id":  item.ID,
			"tenant_id": item.TenantID,
			"metric":    item.Metric,
			"attempts":  attempts,
		}).WithError(err).Error("usage forward exhausted retries")
		f.countForward("failed")
		return false
	}

	if _, uerr := f.db.ExecContext(ctx, `
		UPDATE usage_records
		SET forward_status = 'forwarded', forward_attempts = $2, forwarded_at = NOW(),
			processor_usage_ref = $3, next_attempt_at = NULL
		WHERE id = $1`, item.ID, attempts, ref); uerr != nil {
		f.logger.WithError(uerr).Error("failed to mark usage record forwarded")
		return false
	}
	f.countForward("success")
	return true
}

func (f *Forwarder) observeQueueDepth(ctx context.Context) {
	if f.metrics == nil {
		return
	}
	var depth int64
	err := f.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records WHERE forward_status = 'pending'`).Scan(&depth)
	if err != nil {
		f.logger.WithError(err).Warn("failed to measure forward queue depth")
		return
	}
	f.metrics.UsageForwardQueueDepth.Set(float64(depth))
}

func (f *Forwarder) countForward(outcome string) {
	if f.metrics != nil {
		f.metrics.UsageForwardAttempts.WithLabelValues(outcome).Inc()
	}
}
