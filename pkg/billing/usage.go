package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/turnstile/pkg/observability"
	"github.com/platinummonkey/turnstile/pkg/processor"
)

const usageColumns = `id, tenant_id, subscription_id, metric, quantity, recorded_at,
	metadata, idempotency_key, forward_status, forward_attempts, next_attempt_at,
	forwarded_at, processor_usage_ref, created_at`

// defaultForwardTimeout bounds the inline forward attempt so a slow
// processor cannot stall usage ingestion.
const defaultForwardTimeout = 5 * time.Second

// PostgresUsageMeter implements UsageMeter backed by PostgreSQL. Records
// are persisted before any forwarding is attempted; a forward failure is
// scheduled for retry and never surfaced to the caller.
type PostgresUsageMeter struct {
	db             *sql.DB
	catalog        PlanCatalog
	proc           processor.Processor
	logger         *observability.Logger
	metrics        *observability.Metrics
	retry          RetryPolicy
	forwardTimeout time.Duration
}

// NewPostgresUsageMeter creates a new usage meter. The metrics argument
// may be nil.
func NewPostgresUsageMeter(db *sql.DB, catalog PlanCatalog, proc processor.Processor, logger *observability.Logger, metrics *observability.Metrics) *PostgresUsageMeter {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &PostgresUsageMeter{
		db:             db,
		catalog:        catalog,
		proc:           proc,
		logger:         logger,
		metrics:        metrics,
		retry:          DefaultRetryPolicy(),
		forwardTimeout: defaultForwardTimeout,
	}
}

// RecordUsage persists a usage event and then attempts to forward it to
// the processor. A repeated call with the same idempotency key returns the
// original record without creating a second one.
func (m *PostgresUsageMeter) RecordUsage(ctx context.Context, tenantID int64, req *RecordUsageRequest) (*UsageRecord, error) {
	if tenantID <= 0 {
		return nil, &ValidationError{Field: "tenant_id", Reason: "is required"}
	}
	if req == nil || req.Metric == "" {
		return nil, &ValidationError{Field: "metric", Reason: "is required"}
	}
	if req.Quantity < 0 {
		return nil, &ValidationError{Field: "quantity", Reason: "must not be negative"}
	}

	recordedAt := time.Now().UTC()
	if req.RecordedAt != nil {
		recordedAt = req.RecordedAt.UTC()
	}

	// Usage without a live subscription is kept for audit but never
	// forwarded; there is nothing to bill it against.
	var subscriptionID *int64
	var customerRef string
	var sid int64
	err := m.db.QueryRowContext(ctx, `
		SELECT s.id, c.processor_customer_id
		FROM subscriptions s
		JOIN billing_customers c ON c.tenant_id = s.tenant_id
		WHERE s.tenant_id = $1 AND s.status IN ('active', 'trialing', 'past_due')`,
		tenantID).Scan(&sid, &customerRef)
	switch err {
	case nil:
		subscriptionID = &sid
	case sql.ErrNoRows:
	default:
		return nil, fmt.Errorf("failed to resolve subscription for usage: %w", err)
	}

	rec := &UsageRecord{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		SubscriptionID: subscriptionID,
		Metric:         req.Metric,
		Quantity:       req.Quantity,
		RecordedAt:     recordedAt,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
		ForwardStatus:  ForwardPending,
	}
	if rec.IdempotencyKey == "" {
		rec.IdempotencyKey = "usage-" + rec.ID
	}
	if subscriptionID == nil {
		rec.ForwardStatus = ForwardSkipped
	}

	metadata, err := json.Marshal(orEmptyMap(req.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	err = m.db.QueryRowContext(ctx, `
		INSERT INTO usage_records (id, tenant_id, subscription_id, metric, quantity,
			recorded_at, metadata, idempotency_key, forward_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		rec.ID, rec.TenantID, rec.SubscriptionID, rec.Metric, rec.Quantity,
		rec.RecordedAt, metadata, rec.IdempotencyKey, rec.ForwardStatus,
	).Scan(&rec.CreatedAt)
	if err != nil {
		if uniqueViolation(err, "") {
			existing, lookupErr := m.getByIdempotencyKey(ctx, rec.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to store usage record: %w", err)
	}

	if m.metrics != nil {
		m.metrics.UsageRecords.WithLabelValues(rec.Metric).Inc()
	}
	if rec.ForwardStatus == ForwardPending {
		m.forwardInline(ctx, rec, customerRef)
	}
	return rec, nil
}

// forwardInline pushes a freshly persisted record to the processor under a
// short deadline. Failure schedules a retry for the reconciler to pick up.
func (m *PostgresUsageMeter) forwardInline(ctx context.Context, rec *UsageRecord, customerRef string) {
	fwdCtx, cancel := context.WithTimeout(ctx, m.forwardTimeout)
	defer cancel()

	ref, err := m.proc.RecordMeteredUsage(fwdCtx, &processor.UsageEvent{
		CustomerRef:    customerRef,
		Metric:         rec.Metric,
		Quantity:       rec.Quantity,
		At:             rec.RecordedAt,
		IdempotencyKey: rec.IdempotencyKey,
	})
	if err != nil {
		next := time.Now().UTC().Add(m.retry.NextRetryDelay(1))
		if _, uerr := m.db.ExecContext(ctx, `
			UPDATE usage_records
			SET forward_attempts = 1, next_attempt_at = $2
			WHERE id = $1`, rec.ID, next); uerr != nil {
			m.logger.WithError(uerr).Error("failed to schedule usage forward retry")
		}
		rec.ForwardAttempts = 1
		rec.NextAttemptAt = &next
		m.logger.WithFields(map[string]interface{}{
			"usage_id":  rec.ID,
			"tenant_id": rec.TenantID,
			"metric":    rec.Metric,
		}).WithError(err).Warn("usage forward failed; scheduled for retry")
		m.countForward("retry")
		return
	}

	now := time.Now().UTC()
	if _, uerr := m.db.ExecContext(ctx, `
		UPDATE usage_records
		SET forward_status = 'forwarded', forward_attempts = 1, forwarded_at = $2,
			processor_usage_ref = $3
		WHERE id = $1`, rec.ID, now, ref); uerr != nil {
		m.logger.WithError(uerr).Error("failed to mark usage record forwarded")
		return
	}
	rec.ForwardStatus = ForwardForwarded
	rec.ForwardAttempts = 1
	rec.ForwardedAt = &now
	rec.ProcessorUsageRef = ref
	m.countForward("success")
}

// CheckLimit reports whether recording additional units of a metric would
// stay within the tenant's plan limit for the current billing period. A
// tenant without a live subscription is never within limit.
func (m *PostgresUsageMeter) CheckLimit(ctx context.Context, tenantID int64, metric string, additional int64) (*LimitCheck, error) {
	if metric == "" {
		return nil, &ValidationError{Field: "metric", Reason: "is required"}
	}
	if additional < 0 {
		return nil, &ValidationError{Field: "additional", Reason: "must not be negative"}
	}

	sub, err := liveSubscription(ctx, m.db, tenantID)
	if IsNotFound(err) {
		return &LimitCheck{Metric: metric, WithinLimit: false, Limit: 0, Requested: additional}, nil
	}
	if err != nil {
		return nil, err
	}
	if sub.CurrentPeriodStart == nil || sub.CurrentPeriodEnd == nil {
		return nil, fmt.Errorf("subscription %d has no billing period bounds", sub.ID)
	}

	plan, err := m.catalog.GetPlan(ctx, sub.PlanCode)
	if err != nil {
		return nil, err
	}

	current, err := m.sumUsage(ctx, tenantID, metric, *sub.CurrentPeriodStart, *sub.CurrentPeriodEnd)
	if err != nil {
		return nil, err
	}

	limit := plan.LimitFor(metric)
	check := &LimitCheck{
		Metric:       metric,
		Limit:        limit,
		CurrentUsage: current,
		Requested:    additional,
	}
	if limit == Unlimited {
		check.WithinLimit = true
		check.Remaining = Unlimited
		return check, nil
	}
	check.WithinLimit = current+additional <= limit
	check.Remaining = limit - current
	if check.Remaining < 0 {
		check.Remaining = 0
	}
	return check, nil
}

// GetUsageSummary aggregates per-metric usage for a period. Zero period
// arguments default to the live subscription's current billing period.
// Metrics with a plan limit appear even when nothing was recorded.
func (m *PostgresUsageMeter) GetUsageSummary(ctx context.Context, tenantID int64, periodStart, periodEnd time.Time) (*UsageSummary, error) {
	var plan *Plan
	sub, err := liveSubscription(ctx, m.db, tenantID)
	switch {
	case err == nil:
		plan, err = m.catalog.GetPlan(ctx, sub.PlanCode)
		if err != nil {
			return nil, err
		}
	case IsNotFound(err):
		sub = nil
	default:
		return nil, err
	}

	if periodStart.IsZero() != periodEnd.IsZero() {
		return nil, &ValidationError{Field: "period", Reason: "start and end must be provided together"}
	}
	if periodStart.IsZero() {
		if sub == nil {
			return nil, &ValidationError{Field: "period", Reason: "required when the tenant has no live subscription"}
		}
		if sub.CurrentPeriodStart == nil || sub.CurrentPeriodEnd == nil {
			return nil, fmt.Errorf("subscription %d has no billing period bounds", sub.ID)
		}
		periodStart, periodEnd = *sub.CurrentPeriodStart, *sub.CurrentPeriodEnd
	}
	periodStart, periodEnd = periodStart.UTC(), periodEnd.UTC()
	if !periodEnd.After(periodStart) {
		return nil, &ValidationError{Field: "period", Reason: "end must be after start"}
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT metric, COALESCE(SUM(quantity), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		GROUP BY metric`, tenantID, periodStart, periodEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	defer rows.Close()

	summary := &UsageSummary{
		TenantID:    tenantID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Metrics:     make(map[string]*MetricUsage),
	}
	for rows.Next() {
		var metric string
		var total int64
		if err := rows.Scan(&metric, &total); err != nil {
			return nil, fmt.Errorf("failed to scan usage aggregate: %w", err)
		}
		summary.Metrics[metric] = newMetricUsage(metric, total, plan.LimitFor(metric))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage aggregates: %w", err)
	}

	if plan != nil {
		for metric := range plan.Limits {
			if _, ok := summary.Metrics[metric]; !ok {
				summary.Metrics[metric] = newMetricUsage(metric, 0, plan.LimitFor(metric))
			}
		}
	}
	return summary, nil
}

// GetUsageTrends returns day-bucketed totals for a metric over a trailing
// window ending today, zero-filled so every day appears.
func (m *PostgresUsageMeter) GetUsageTrends(ctx context.Context, tenantID int64, metric string, days int) ([]TrendPoint, error) {
	if metric == "" {
		return nil, &ValidationError{Field: "metric", Reason: "is required"}
	}
	if days <= 0 {
		days = 30
	}
	if days > 366 {
		return nil, &ValidationError{Field: "days", Reason: "must be at most 366"}
	}

	end := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	start := end.AddDate(0, 0, -days)

	rows, err := m.db.QueryContext(ctx, `
		SELECT date_trunc('day', recorded_at) AS day, COALESCE(SUM(quantity), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND metric = $2 AND recorded_at >= $3 AND recorded_at < $4
		GROUP BY day`, tenantID, metric, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage trends: %w", err)
	}
	defer rows.Close()

	byDay := make(map[int64]int64, days)
	for rows.Next() {
		var day time.Time
		var total int64
		if err := rows.Scan(&day, &total); err != nil {
			return nil, fmt.Errorf("failed to scan usage trend: %w", err)
		}
		byDay[day.UTC().Unix()] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage trends: %w", err)
	}

	points := make([]TrendPoint, 0, days)
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		points = append(points, TrendPoint{Day: d, Total: byDay[d.Unix()]})
	}
	return points, nil
}

func (m *PostgresUsageMeter) sumUsage(ctx context.Context, tenantID int64, metric string, start, end time.Time) (int64, error) {
	var total int64
	err := m.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND metric = $2 AND recorded_at >= $3 AND recorded_at < $4`,
		tenantID, metric, start, end).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}

func (m *PostgresUsageMeter) getByIdempotencyKey(ctx context.Context, key string) (*UsageRecord, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM usage_records WHERE idempotency_key = $1`, key)
	return scanUsageRecord(row)
}

func (m *PostgresUsageMeter) countForward(outcome string) {
	if m.metrics != nil {
		m.metrics.UsageForwardAttempts.WithLabelValues(outcome).Inc()
	}
}

func newMetricUsage(metric string, total, limit int64) *MetricUsage {
	mu := &MetricUsage{Metric: metric, Total: total, Limit: limit}
	if limit == Unlimited {
		return mu
	}
	if limit > 0 {
		mu.PercentUsed = float64(total) / float64(limit) * 100
	}
	if total > limit {
		mu.IsOverage = true
		mu.OverageAmount = total - limit
	}
	return mu
}

func scanUsageRecord(row rowScanner) (*UsageRecord, error) {
	var rec UsageRecord
	var subscriptionID sql.NullInt64
	var nextAttemptAt, forwardedAt sql.NullTime
	var processorRef sql.NullString
	var metadata []byte
	err := row.Scan(
		&rec.ID, &rec.TenantID, &subscriptionID, &rec.Metric, &rec.Quantity, &rec.RecordedAt,
		&metadata, &rec.IdempotencyKey, &rec.ForwardStatus, &rec.ForwardAttempts,
		&nextAttemptAt, &forwardedAt, &processorRef, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if subscriptionID.Valid {
		rec.SubscriptionID = &subscriptionID.Int64
	}
	rec.NextAttemptAt = nullTimePtr(nextAttemptAt)
	rec.ForwardedAt = nullTimePtr(forwardedAt)
	rec.ProcessorUsageRef = processorRef.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}
