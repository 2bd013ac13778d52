package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/platinummonkey/turnstile/pkg/observability"
	"github.com/platinummonkey/turnstile/pkg/processor"
)

const subscriptionColumns = `id, tenant_id, plan_code, processor_subscription_id, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at,
	trial_start, trial_end, last_event_at, metadata, created_at, updated_at`

// PostgresLifecycleManager implements LifecycleManager backed by PostgreSQL
// and a payment processor. Every mutation calls the processor first and
// persists its synchronous response; period bounds and statuses are never
// invented locally.
type PostgresLifecycleManager struct {
	db        *sql.DB
	catalog   PlanCatalog
	customers CustomerDirectory
	proc      processor.Processor
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewPostgresLifecycleManager creates a new lifecycle manager. The metrics
// argument may be nil.
func NewPostgresLifecycleManager(db *sql.DB, catalog PlanCatalog, customers CustomerDirectory, proc processor.Processor, logger *observability.Logger, metrics *observability.Metrics) *PostgresLifecycleManager {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &PostgresLifecycleManager{
		db:        db,
		catalog:   catalog,
		customers: customers,
		proc:      proc,
		logger:    logger,
		metrics:   metrics,
	}
}

// CreateSubscription starts a subscription for the tenant. This is the only
// path that creates a subscription row. A tenant with a live subscription
// gets a ConflictError; the partial unique index on live statuses backstops
// the application-level check under races.
func (m *PostgresLifecycleManager) CreateSubscription(ctx context.Context, tenantID int64, req *CreateSubscriptionRequest) (*Subscription, error) {
	if tenantID <= 0 {
		return nil, &ValidationError{Field: "tenant_id", Reason: "is required"}
	}
	if req == nil || req.PlanCode == "" {
		return nil, &ValidationError{Field: "plan_code", Reason: "is required"}
	}

	plan, err := m.catalog.GetPlan(ctx, req.PlanCode)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, &InactivePlanError{Code: plan.Code}
	}

	if existing, err := m.getLiveSubscription(ctx, tenantID); err == nil {
		return nil, &ConflictError{
			Resource: "subscription",
			Reason:   fmt.Sprintf("tenant %d already has a live subscription (%s)", tenantID, existing.Status),
		}
	} else if !IsNotFound(err) {
		return nil, err
	}

	trialDays := plan.TrialDays
	if req.TrialDays != nil {
		if *req.TrialDays < 0 {
			return nil, &ValidationError{Field: "trial_days", Reason: "must not be negative"}
		}
		trialDays = *req.TrialDays
	}

	methodRef := ""
	if req.PaymentMethodID != nil {
		methodRef, err = m.paymentMethodRef(ctx, tenantID, *req.PaymentMethodID)
		if err != nil {
			return nil, err
		}
	}

	customer, err := m.customers.EnsureCustomer(ctx, tenantID, req.Email, req.Name)
	if err != nil {
		return nil, err
	}

	state, err := m.proc.CreateSubscription(ctx, &processor.CreateSubscriptionRequest{
		CustomerRef:      customer.ProcessorCustomerID,
		PriceRef:         plan.ProcessorPriceID,
		TrialDays:        trialDays,
		PaymentMethodRef: methodRef,
		Metadata: map[string]string{
			"tenant_id": strconv.FormatInt(tenantID, 10),
		},
	})
	if err != nil {
		return nil, wrapProcessorErr("create subscription", err)
	}

	metadata, err := json.Marshal(orEmptyMap(req.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	sub := &Subscription{
		TenantID:                tenantID,
		PlanCode:                plan.Code,
		ProcessorSubscriptionID: state.SubscriptionRef,
		Status:                  SubscriptionStatus(state.Status),
		CurrentPeriodStart:      state.CurrentPeriodStart,
		CurrentPeriodEnd:        state.CurrentPeriodEnd,
		CancelAtPeriodEnd:       state.CancelAtPeriodEnd,
		TrialStart:              state.TrialStart,
		TrialEnd:                state.TrialEnd,
		Metadata:                req.Metadata,
	}
	err = m.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (tenant_id, plan_code, processor_subscription_id, status,
			current_period_start, current_period_end, cancel_at_period_end,
			trial_start, trial_end, last_event_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), $10)
		RETURNING id, created_at, updated_at`,
		tenantID, plan.Code, state.SubscriptionRef, state.Status,
		state.CurrentPeriodStart, state.CurrentPeriodEnd, state.CancelAtPeriodEnd,
		state.TrialStart, state.TrialEnd, metadata,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		// The remote subscription exists but the local row does not: drift.
		m.logDrift("create_subscription", tenantID, err)
		if uniqueViolation(err, "idx_subscriptions_tenant_live") {
			return nil, &ConflictError{
				Resource: "subscription",
				Reason:   fmt.Sprintf("tenant %d already has a live subscription", tenantID),
			}
		}
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}

	m.countTransition(sub.Status)
	return sub, nil
}

// GetSubscription returns the tenant's live subscription, or the most
// recent terminal one when no live subscription exists.
func (m *PostgresLifecycleManager) GetSubscription(ctx context.Context, tenantID int64) (*Subscription, error) {
	sub, err := m.getLiveSubscription(ctx, tenantID)
	if err == nil {
		return sub, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	row := m.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, tenantID)
	sub, err = scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "subscription", Key: strconv.FormatInt(tenantID, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ChangePlan switches the tenant's live subscription to a different plan.
// Switching to the current plan is a no-op that makes no remote calls.
// Proration math is delegated to the processor; only its outcome is
// recorded locally.
func (m *PostgresLifecycleManager) ChangePlan(ctx context.Context, tenantID int64, req *ChangePlanRequest) (*Subscription, error) {
	if req == nil || req.PlanCode == "" {
		return nil, &ValidationError{Field: "plan_code", Reason: "is required"}
	}
	proration := req.Proration
	if proration == "" {
		proration = ProrationCreateProrations
	}
	if !proration.Valid() {
		return nil, &ValidationError{Field: "proration", Reason: `must be "create_prorations", "none" or "always_invoice"`}
	}

	sub, err := m.getLiveSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub.PlanCode == req.PlanCode {
		return sub, nil
	}

	plan, err := m.catalog.GetPlan(ctx, req.PlanCode)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, &InactivePlanError{Code: plan.Code}
	}

	state, err := m.proc.UpdateSubscriptionPrice(ctx, sub.ProcessorSubscriptionID, plan.ProcessorPriceID, string(proration))
	if err != nil {
		return nil, wrapProcessorErr("change plan", err)
	}

	_, err = m.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET plan_code = $2, status = $3, current_period_start = $4, current_period_end = $5,
			cancel_at_period_end = $6, last_event_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		sub.ID, plan.Code, state.Status, state.CurrentPeriodStart, state.CurrentPeriodEnd,
		state.CancelAtPeriodEnd)
	if err != nil {
		m.logDrift("change_plan", tenantID, err)
		return nil, fmt.Errorf("failed to store plan change: %w", err)
	}

	previous := sub.Status
	sub.PlanCode = plan.Code
	sub.Status = SubscriptionStatus(state.Status)
	sub.CurrentPeriodStart = state.CurrentPeriodStart
	sub.CurrentPeriodEnd = state.CurrentPeriodEnd
	sub.CancelAtPeriodEnd = state.CancelAtPeriodEnd
	if sub.Status != previous {
		m.countTransition(sub.Status)
	}
	return sub, nil
}

// CancelSubscription cancels immediately or at period end. With period-end
// cancellation the status stays live until the processor's deletion event
// arrives; only cancel_at_period_end flips now.
func (m *PostgresLifecycleManager) CancelSubscription(ctx context.Context, tenantID int64, immediate bool) (*Subscription, error) {
	sub, err := m.getLiveSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	state, err := m.proc.CancelSubscription(ctx, sub.ProcessorSubscriptionID, immediate)
	if err != nil {
		return nil, wrapProcessorErr("cancel subscription", err)
	}

	_, err = m.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $2, cancel_at_period_end = $3, canceled_at = $4,
			last_event_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		sub.ID, state.Status, state.CancelAtPeriodEnd, state.CanceledAt)
	if err != nil {
		m.logDrift("cancel_subscription", tenantID, err)
		return nil, fmt.Errorf("failed to store cancellation: %w", err)
	}

	previous := sub.Status
	sub.Status = SubscriptionStatus(state.Status)
	sub.CancelAtPeriodEnd = state.CancelAtPeriodEnd
	sub.CanceledAt = state.CanceledAt
	if sub.Status != previous {
		m.countTransition(sub.Status)
	}
	return sub, nil
}

// ReactivateSubscription clears a scheduled period-end cancellation, both
// remotely and locally. A subscription with nothing scheduled is returned
// unchanged without a remote call.
func (m *PostgresLifecycleManager) ReactivateSubscription(ctx context.Context, tenantID int64) (*Subscription, error) {
	sub, err := m.getLiveSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !sub.CancelAtPeriodEnd {
		return sub, nil
	}

	state, err := m.proc.ReactivateSubscription(ctx, sub.ProcessorSubscriptionID)
	if err != nil {
		return nil, wrapProcessorErr("reactivate subscription", err)
	}

	_, err = m.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $2, cancel_at_period_end = $3, last_event_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		sub.ID, state.Status, state.CancelAtPeriodEnd)
	if err != nil {
		m.logDrift("reactivate_subscription", tenantID, err)
		return nil, fmt.Errorf("failed to store reactivation: %w", err)
	}

	sub.Status = SubscriptionStatus(state.Status)
	sub.CancelAtPeriodEnd = state.CancelAtPeriodEnd
	return sub, nil
}

func (m *PostgresLifecycleManager) getLiveSubscription(ctx context.Context, tenantID int64) (*Subscription, error) {
	return liveSubscription(ctx, m.db, tenantID)
}

// liveSubscription returns the tenant's single live subscription. The
// partial unique index on live statuses guarantees at most one row.
func liveSubscription(ctx context.Context, db *sql.DB, tenantID int64) (*Subscription, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1 AND status IN ('active', 'trialing', 'past_due')`, tenantID)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "subscription", Key: strconv.FormatInt(tenantID, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get live subscription: %w", err)
	}
	return sub, nil
}

func (m *PostgresLifecycleManager) paymentMethodRef(ctx context.Context, tenantID, paymentMethodID int64) (string, error) {
	var ref string
	err := m.db.QueryRowContext(ctx,
		`SELECT processor_method_id FROM payment_methods WHERE id = $1 AND tenant_id = $2`,
		paymentMethodID, tenantID).Scan(&ref)
	if err == sql.ErrNoRows {
		return "", &NotFoundError{Resource: "payment method", Key: strconv.FormatInt(paymentMethodID, 10)}
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve payment method: %w", err)
	}
	return ref, nil
}

// logDrift records the one dangerous failure mode: the processor accepted a
// change but the local write failed. Reconciliation (webhooks, sync) heals
// it; until then the stores disagree.
func (m *PostgresLifecycleManager) logDrift(op string, tenantID int64, err error) {
	m.logger.WithFields(map[string]interface{}{
		"operation": op,
		"tenant_id": tenantID,
	}).WithError(err).Error("local write failed after successful processor call; state drift until reconciled")
	if m.metrics != nil {
		m.metrics.StateDrift.WithLabelValues(op).Inc()
	}
}

func (m *PostgresLifecycleManager) countTransition(status SubscriptionStatus) {
	if m.metrics != nil {
		m.metrics.SubscriptionTransitions.WithLabelValues(string(status)).Inc()
	}
}

func orEmptyMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	var periodStart, periodEnd, canceledAt, trialStart, trialEnd, lastEventAt sql.NullTime
	var metadata []byte
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.PlanCode, &sub.ProcessorSubscriptionID, &sub.Status,
		&periodStart, &periodEnd, &sub.CancelAtPeriodEnd, &canceledAt,
		&trialStart, &trialEnd, &lastEventAt, &metadata, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.CurrentPeriodStart = nullTimePtr(periodStart)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.CanceledAt = nullTimePtr(canceledAt)
	sub.TrialStart = nullTimePtr(trialStart)
	sub.TrialEnd = nullTimePtr(trialEnd)
	sub.LastEventAt = nullTimePtr(lastEventAt)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &sub, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
