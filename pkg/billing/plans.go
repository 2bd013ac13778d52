package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
)

const planColumns = `code, name, processor_price_id, amount_cents, currency, billing_interval,
	interval_count, trial_days, features, limits, active, created_at, updated_at`

// PostgresPlanCatalog implements PlanCatalog backed by PostgreSQL.
type PostgresPlanCatalog struct {
	db *sql.DB
}

// NewPostgresPlanCatalog creates a new PostgreSQL-backed plan catalog.
func NewPostgresPlanCatalog(db *sql.DB) *PostgresPlanCatalog {
	return &PostgresPlanCatalog{db: db}
}

// CreatePlan validates and inserts a new plan. A duplicate code returns a
// ConflictError.
func (c *PostgresPlanCatalog) CreatePlan(ctx context.Context, plan *Plan) (*Plan, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	features, limits, err := marshalPlanMaps(plan)
	if err != nil {
		return nil, err
	}

	err = c.db.QueryRowContext(ctx, `
		INSERT INTO subscription_plans (code, name, processor_price_id, amount_cents, currency,
			billing_interval, interval_count, trial_days, features, limits, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		plan.Code, plan.Name, plan.ProcessorPriceID, plan.AmountCents, plan.Currency,
		plan.Interval, plan.IntervalCount, plan.TrialDays, features, limits, plan.Active,
	).Scan(&plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		if uniqueViolation(err, "") {
			return nil, &ConflictError{Resource: "plan", Reason: fmt.Sprintf("plan %q already exists", plan.Code)}
		}
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}
	return plan, nil
}

// UpsertPlan inserts the plan or updates an existing row with the same code.
// Fields other than Active are immutable once the plan is referenced by a
// live subscription; an upsert that would change them returns a
// ConflictError instead.
func (c *PostgresPlanCatalog) UpsertPlan(ctx context.Context, plan *Plan) (*Plan, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	existing, err := c.GetPlan(ctx, plan.Code)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	if existing != nil && !immutableFieldsEqual(existing, plan) {
		referenced, err := c.referencedByLiveSubscription(ctx, plan.Code)
		if err != nil {
			return nil, err
		}
		if referenced {
			return nil, &ConflictError{
				Resource: "plan",
				Reason:   fmt.Sprintf("plan %q is referenced by a live subscription and cannot be modified", plan.Code),
			}
		}
	}

	features, limits, err := marshalPlanMaps(plan)
	if err != nil {
		return nil, err
	}

	err = c.db.QueryRowContext(ctx, `
		INSERT INTO subscription_plans (code, name, processor_price_id, amount_cents, currency,
			billing_interval, interval_count, trial_days, features, limits, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			processor_price_id = EXCLUDED.processor_price_id,
			amount_cents = EXCLUDED.amount_cents,
			currency = EXCLUDED.currency,
			billing_interval = EXCLUDED.billing_interval,
			interval_count = EXCLUDED.interval_count,
			trial_days = EXCLUDED.trial_days,
			features = EXCLUDED.features,
			limits = EXCLUDED.limits,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING created_at, updated_at`,
		plan.Code, plan.Name, plan.ProcessorPriceID, plan.AmountCents, plan.Currency,
		plan.Interval, plan.IntervalCount, plan.TrialDays, features, limits, plan.Active,
	).Scan(&plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert plan: %w", err)
	}
	return plan, nil
}

// GetPlan returns the plan with the given code.
func (c *PostgresPlanCatalog) GetPlan(ctx context.Context, code string) (*Plan, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM subscription_plans WHERE code = $1`, code)
	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "plan", Key: code}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// GetPlanByProcessorPrice returns the plan carrying the given processor
// price reference. Used by webhook reconciliation to map price changes back
// to a plan code.
func (c *PostgresPlanCatalog) GetPlanByProcessorPrice(ctx context.Context, priceRef string) (*Plan, error) {
	if priceRef == "" {
		return nil, &NotFoundError{Resource: "plan"}
	}
	row := c.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM subscription_plans WHERE processor_price_id = $1`, priceRef)
	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "plan", Key: priceRef}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan by price: %w", err)
	}
	return plan, nil
}

// ListPlans returns all plans, or only active ones.
func (c *PostgresPlanCatalog) ListPlans(ctx context.Context, activeOnly bool) ([]*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM subscription_plans ORDER BY code`
	if activeOnly {
		query = `SELECT ` + planColumns + ` FROM subscription_plans WHERE active = TRUE ORDER BY code`
	}

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// DeactivatePlan marks a plan inactive. Existing subscriptions keep the
// plan; new subscriptions to it are refused. Plans are never deleted.
func (c *PostgresPlanCatalog) DeactivatePlan(ctx context.Context, code string) error {
	result, err := c.db.ExecContext(ctx,
		`UPDATE subscription_plans SET active = FALSE, updated_at = NOW() WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("failed to deactivate plan: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check deactivation result: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{Resource: "plan", Key: code}
	}
	return nil
}

func (c *PostgresPlanCatalog) referencedByLiveSubscription(ctx context.Context, code string) (bool, error) {
	var referenced bool
	err := c.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM subscriptions
			WHERE plan_code = $1 AND status IN ('active', 'trialing', 'past_due')
		)`, code).Scan(&referenced)
	if err != nil {
		return false, fmt.Errorf("failed to check plan references: %w", err)
	}
	return referenced, nil
}

func validatePlan(plan *Plan) error {
	if plan == nil {
		return &ValidationError{Field: "plan", Reason: "is required"}
	}
	if plan.Code == "" {
		return &ValidationError{Field: "code", Reason: "is required"}
	}
	if plan.Name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if plan.AmountCents < 0 {
		return &ValidationError{Field: "amount_cents", Reason: "must not be negative"}
	}
	if len(plan.Currency) != 3 {
		return &ValidationError{Field: "currency", Reason: "must be a 3-letter code"}
	}
	if !plan.Interval.Valid() {
		return &ValidationError{Field: "interval", Reason: `must be "month" or "year"`}
	}
	if plan.IntervalCount == 0 {
		plan.IntervalCount = 1
	}
	if plan.IntervalCount < 1 {
		return &ValidationError{Field: "interval_count", Reason: "must be at least 1"}
	}
	if plan.TrialDays < 0 {
		return &ValidationError{Field: "trial_days", Reason: "must not be negative"}
	}
	for metric, limit := range plan.Limits {
		if limit < Unlimited {
			return &ValidationError{Field: "limits", Reason: fmt.Sprintf("limit for %q must be -1 or greater", metric)}
		}
	}
	return nil
}

func marshalPlanMaps(plan *Plan) ([]byte, []byte, error) {
	featuresMap := plan.Features
	if featuresMap == nil {
		featuresMap = map[string]bool{}
	}
	limitsMap := plan.Limits
	if limitsMap == nil {
		limitsMap = map[string]int64{}
	}
	features, err := json.Marshal(featuresMap)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal features: %w", err)
	}
	limits, err := json.Marshal(limitsMap)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal limits: %w", err)
	}
	return features, limits, nil
}

// immutableFieldsEqual compares every plan field except Active.
func immutableFieldsEqual(a, b *Plan) bool {
	return a.Name == b.Name &&
		a.ProcessorPriceID == b.ProcessorPriceID &&
		a.AmountCents == b.AmountCents &&
		a.Currency == b.Currency &&
		a.Interval == b.Interval &&
		a.IntervalCount == b.IntervalCount &&
		a.TrialDays == b.TrialDays &&
		maps.Equal(a.Features, b.Features) &&
		maps.Equal(a.Limits, b.Limits)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	var plan Plan
	var features, limits []byte
	err := row.Scan(
		&plan.Code, &plan.Name, &plan.ProcessorPriceID, &plan.AmountCents, &plan.Currency,
		&plan.Interval, &plan.IntervalCount, &plan.TrialDays, &features, &limits,
		&plan.Active, &plan.CreatedAt, &plan.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &plan.Features); err != nil {
			return nil, fmt.Errorf("failed to unmarshal features: %w", err)
		}
	}
	if len(limits) > 0 {
		if err := json.Unmarshal(limits, &plan.Limits); err != nil {
			return nil, fmt.Errorf("failed to unmarshal limits: %w", err)
		}
	}
	return &plan, nil
}
