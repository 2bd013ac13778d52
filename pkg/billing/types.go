package billing

import (
	"context"
	"time"
)

// Unlimited marks a usage limit with no cap. A metric absent from a plan's
// limits map is treated the same way.
const Unlimited int64 = -1

// SubscriptionStatus represents the status of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
)

// IsLive reports whether the status counts against the one-live-subscription
// rule. Live statuses are active, trialing and past_due.
func (s SubscriptionStatus) IsLive() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	}
	return false
}

// liveStatuses is the SQL-side counterpart of SubscriptionStatus.IsLive.
var liveStatuses = []string{
	string(SubscriptionStatusActive),
	string(SubscriptionStatusTrialing),
	string(SubscriptionStatusPastDue),
}

// BillingInterval is the recurrence unit of a plan.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// Valid reports whether the interval is a supported value.
func (i BillingInterval) Valid() bool {
	return i == IntervalMonth || i == IntervalYear
}

// ProrationMode controls how mid-period plan changes are billed.
type ProrationMode string

const (
	ProrationCreateProrations ProrationMode = "create_prorations"
	ProrationNone             ProrationMode = "none"
	ProrationAlwaysInvoice    ProrationMode = "always_invoice"
)

// Valid reports whether the proration mode is a supported value.
func (p ProrationMode) Valid() bool {
	switch p {
	case ProrationCreateProrations, ProrationNone, ProrationAlwaysInvoice:
		return true
	}
	return false
}

// ForwardStatus tracks a usage record's journey to the processor.
type ForwardStatus string

const (
	// ForwardPending means the record still needs a (re)forward attempt.
	ForwardPending ForwardStatus = "pending"
	// ForwardForwarded means the processor accepted the record.
	ForwardForwarded ForwardStatus = "forwarded"
	// ForwardSkipped means there was no live subscription to bill against;
	// the record still counts toward local summaries.
	ForwardSkipped ForwardStatus = "skipped"
	// ForwardFailed means forwarding was abandoned after exhausting retries.
	ForwardFailed ForwardStatus = "failed"
)

// Plan is a subscription plan definition. Amounts are minor units.
// Limits map metric names to per-period caps; Unlimited (or an absent
// metric) means no cap. Fields other than Active are immutable once the
// plan is referenced by a live subscription.
type Plan struct {
	Code             string           `json:"code"`
	Name             string           `json:"name"`
	ProcessorPriceID string           `json:"processor_price_id"`
	AmountCents      int64            `json:"amount_cents"`
	Currency         string           `json:"currency"`
	Interval         BillingInterval  `json:"interval"`
	IntervalCount    int              `json:"interval_count"`
	TrialDays        int              `json:"trial_days"`
	Features         map[string]bool  `json:"features,omitempty"`
	Limits           map[string]int64 `json:"limits,omitempty"`
	Active           bool             `json:"active"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// LimitFor returns the plan's cap for a metric, or Unlimited when the
// metric has no cap.
func (p *Plan) LimitFor(metric string) int64 {
	if p == nil || p.Limits == nil {
		return Unlimited
	}
	limit, ok := p.Limits[metric]
	if !ok {
		return Unlimited
	}
	return limit
}

// HasFeature reports whether the plan enables a named feature flag.
func (p *Plan) HasFeature(name string) bool {
	return p != nil && p.Features[name]
}

// Customer is the denormalized local mirror of a processor customer.
type Customer struct {
	TenantID            int64     `json:"tenant_id"`
	ProcessorCustomerID string    `json:"processor_customer_id"`
	Email               string    `json:"email,omitempty"`
	Name                string    `json:"name,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Subscription is the local mirror of a processor subscription. Status and
// period bounds always come from the processor, either from a synchronous
// call response or from a webhook event.
type Subscription struct {
	ID                      int64              `json:"id"`
	TenantID                int64              `json:"tenant_id"`
	PlanCode                string             `json:"plan_code"`
	ProcessorSubscriptionID string             `json:"processor_subscription_id,omitempty"`
	Status                  SubscriptionStatus `json:"status"`
	CurrentPeriodStart      *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd        *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd       bool               `json:"cancel_at_period_end"`
	CanceledAt              *time.Time         `json:"canceled_at,omitempty"`
	TrialStart              *time.Time         `json:"trial_start,omitempty"`
	TrialEnd                *time.Time         `json:"trial_end,omitempty"`
	LastEventAt             *time.Time         `json:"-"`
	Metadata                map[string]any     `json:"metadata,omitempty"`
	CreatedAt               time.Time          `json:"created_at"`
	UpdatedAt               time.Time          `json:"updated_at"`
}

// IsLive reports whether the subscription currently counts as live.
func (s *Subscription) IsLive() bool {
	return s != nil && s.Status.IsLive()
}

// PaymentMethodType identifies the kind of payment instrument.
type PaymentMethodType string

const (
	PaymentMethodTypeCard        PaymentMethodType = "card"
	PaymentMethodTypeBankAccount PaymentMethodType = "bank_account"
)

// PaymentMethod is the local snapshot of a processor payment method.
// Card and bank fields are display data only; the processor holds the truth.
type PaymentMethod struct {
	ID                int64             `json:"id"`
	TenantID          int64             `json:"tenant_id"`
	ProcessorMethodID string            `json:"processor_method_id"`
	Type              PaymentMethodType `json:"type"`
	CardBrand         string            `json:"card_brand,omitempty"`
	CardLast4         string            `json:"card_last4,omitempty"`
	CardExpMonth      int               `json:"card_exp_month,omitempty"`
	CardExpYear       int               `json:"card_exp_year,omitempty"`
	BankName          string            `json:"bank_name,omitempty"`
	BankLast4         string            `json:"bank_last4,omitempty"`
	IsDefault         bool              `json:"is_default"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// UsageRecord is one immutable metered usage event. Only the forwarding
// bookkeeping fields change after insert.
type UsageRecord struct {
	ID                string         `json:"id"`
	TenantID          int64          `json:"tenant_id"`
	SubscriptionID    *int64         `json:"subscription_id,omitempty"`
	Metric            string         `json:"metric"`
	Quantity          int64          `json:"quantity"`
	RecordedAt        time.Time      `json:"recorded_at"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key"`
	ForwardStatus     ForwardStatus  `json:"forward_status"`
	ForwardAttempts   int            `json:"forward_attempts"`
	NextAttemptAt     *time.Time     `json:"next_attempt_at,omitempty"`
	ForwardedAt       *time.Time     `json:"forwarded_at,omitempty"`
	ProcessorUsageRef string         `json:"processor_usage_ref,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// CreateSubscriptionRequest is the payload for creating a subscription.
// TrialDays overrides the plan default when set; an explicit 0 suppresses
// the trial. Email and Name seed the processor customer on first touch.
type CreateSubscriptionRequest struct {
	PlanCode        string         `json:"plan_code"`
	PaymentMethodID *int64         `json:"payment_method_id,omitempty"`
	TrialDays       *int           `json:"trial_days,omitempty"`
	Email           string         `json:"email,omitempty"`
	Name            string         `json:"name,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ChangePlanRequest is the payload for switching a live subscription to a
// different plan. Proration defaults to create_prorations when empty.
type ChangePlanRequest struct {
	PlanCode  string        `json:"plan_code"`
	Proration ProrationMode `json:"proration,omitempty"`
}

// AddPaymentMethodRequest attaches a processor payment method to a tenant.
// The method must already exist processor-side (typically created by a
// client-side tokenization flow).
type AddPaymentMethodRequest struct {
	ProcessorMethodID string `json:"processor_method_id"`
	SetDefault        bool   `json:"set_default,omitempty"`
}

// RecordUsageRequest is the payload for recording metered usage.
// RecordedAt defaults to now (UTC) when unset. IdempotencyKey defaults to a
// key derived from the record's generated ID; callers that retry their own
// submissions should supply a stable key.
type RecordUsageRequest struct {
	Metric         string         `json:"metric"`
	Quantity       int64          `json:"quantity"`
	RecordedAt     *time.Time     `json:"recorded_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// LimitCheck is the result of comparing projected usage against a plan cap.
// Limit is 0 with WithinLimit=false when the tenant has no live
// subscription, and Unlimited when the metric has no cap.
type LimitCheck struct {
	Metric       string `json:"metric"`
	WithinLimit  bool   `json:"within_limit"`
	Limit        int64  `json:"limit"`
	CurrentUsage int64  `json:"current_usage"`
	Requested    int64  `json:"requested"`
	Remaining    int64  `json:"remaining"`
}

// MetricUsage is one metric's aggregate inside a UsageSummary.
type MetricUsage struct {
	Metric        string  `json:"metric"`
	Total         int64   `json:"total"`
	Limit         int64   `json:"limit"`
	PercentUsed   float64 `json:"percent_used"`
	IsOverage     bool    `json:"is_overage"`
	OverageAmount int64   `json:"overage_amount"`
}

// UsageSummary aggregates a tenant's usage over a half-open period,
// covering the union of plan-limited metrics and recorded metrics.
type UsageSummary struct {
	TenantID    int64                   `json:"tenant_id"`
	PeriodStart time.Time               `json:"period_start"`
	PeriodEnd   time.Time               `json:"period_end"`
	Metrics     map[string]*MetricUsage `json:"metrics"`
}

// TrendPoint is one day's total in a usage trend series. Day is midnight UTC.
type TrendPoint struct {
	Day   time.Time `json:"day"`
	Total int64     `json:"total"`
}

// PlanCatalog manages subscription plan definitions.
type PlanCatalog interface {
	CreatePlan(ctx context.Context, plan *Plan) (*Plan, error)
	UpsertPlan(ctx context.Context, plan *Plan) (*Plan, error)
	GetPlan(ctx context.Context, code string) (*Plan, error)
	GetPlanByProcessorPrice(ctx context.Context, priceRef string) (*Plan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]*Plan, error)
	DeactivatePlan(ctx context.Context, code string) error
}

// CustomerDirectory manages the local mirror of processor customers.
type CustomerDirectory interface {
	EnsureCustomer(ctx context.Context, tenantID int64, email, name string) (*Customer, error)
	GetCustomer(ctx context.Context, tenantID int64) (*Customer, error)
	GetCustomerByProcessorRef(ctx context.Context, processorRef string) (*Customer, error)
	UpdateContact(ctx context.Context, processorRef, email, name string) error
}

// PaymentMethodRegistry manages tenant payment methods.
type PaymentMethodRegistry interface {
	AddPaymentMethod(ctx context.Context, tenantID int64, req *AddPaymentMethodRequest) (*PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, tenantID int64) ([]*PaymentMethod, error)
	ListExpiringPaymentMethods(ctx context.Context, tenantID int64, within time.Duration) ([]*PaymentMethod, error)
	SetDefaultPaymentMethod(ctx context.Context, tenantID, paymentMethodID int64) error
	RemovePaymentMethod(ctx context.Context, tenantID, paymentMethodID int64) error
	SyncFromProcessor(ctx context.Context, tenantID int64) error
}

// UsageMeter records and aggregates metered usage.
type UsageMeter interface {
	RecordUsage(ctx context.Context, tenantID int64, req *RecordUsageRequest) (*UsageRecord, error)
	CheckLimit(ctx context.Context, tenantID int64, metric string, additional int64) (*LimitCheck, error)
	GetUsageSummary(ctx context.Context, tenantID int64, periodStart, periodEnd time.Time) (*UsageSummary, error)
	GetUsageTrends(ctx context.Context, tenantID int64, metric string, days int) ([]TrendPoint, error)
}

// LifecycleManager drives subscription state against the processor.
type LifecycleManager interface {
	CreateSubscription(ctx context.Context, tenantID int64, req *CreateSubscriptionRequest) (*Subscription, error)
	GetSubscription(ctx context.Context, tenantID int64) (*Subscription, error)
	ChangePlan(ctx context.Context, tenantID int64, req *ChangePlanRequest) (*Subscription, error)
	CancelSubscription(ctx context.Context, tenantID int64, immediate bool) (*Subscription, error)
	ReactivateSubscription(ctx context.Context, tenantID int64) (*Subscription, error)
}

// WebhookReconciler ingests processor events and reconciles local state.
type WebhookReconciler interface {
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error
}
