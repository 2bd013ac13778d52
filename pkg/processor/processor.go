package processor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventType is the neutral classification of a processor webhook event.
type EventType string

const (
	EventSubscriptionCreated   EventType = "subscription.created"
	EventSubscriptionUpdated   EventType = "subscription.updated"
	EventSubscriptionDeleted   EventType = "subscription.deleted"
	EventInvoicePaid           EventType = "invoice.paid"
	EventInvoicePaymentFailed  EventType = "invoice.payment_failed"
	EventPaymentMethodAttached EventType = "payment_method.attached"
	EventPaymentMethodDetached EventType = "payment_method.detached"
	EventCustomerUpdated       EventType = "customer.updated"
	EventUnknown               EventType = "unknown"
)

// Event is a verified, parsed webhook event. Exactly one of the payload
// fields relevant to the Type is populated; RawType preserves the vendor's
// original type string for logging.
type Event struct {
	ID        string
	Type      EventType
	RawType   string
	CreatedAt time.Time

	// Subscription is set for subscription.* events.
	Subscription *SubscriptionState
	// Customer is set for customer.updated events.
	Customer *CustomerUpdate
	// CustomerRef and MethodRef are set for payment_method.* events.
	CustomerRef string
	MethodRef   string
}

// SubscriptionState is the processor's view of a subscription. Status uses
// the engine's vocabulary (active, trialing, past_due, canceled, incomplete,
// incomplete_expired); adapters translate vendor statuses on the way out.
type SubscriptionState struct {
	SubscriptionRef    string
	CustomerRef        string
	PriceRef           string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
}

// CustomerUpdate carries the contact fields of a customer.updated event.
type CustomerUpdate struct {
	CustomerRef string
	Email       string
	Name        string
}

// MethodDetails is the processor's description of a payment method.
type MethodDetails struct {
	MethodRef    string
	Type         string
	CardBrand    string
	CardLast4    string
	CardExpMonth int
	CardExpYear  int
	BankName     string
	BankLast4    string
}

// CreateSubscriptionRequest carries everything a processor needs to start
// a subscription. PaymentMethodRef and TrialDays are optional (zero values
// mean absent).
type CreateSubscriptionRequest struct {
	CustomerRef      string
	PriceRef         string
	TrialDays        int
	PaymentMethodRef string
	Metadata         map[string]string
}

// UsageEvent is one metered usage forward. IdempotencyKey must be stable
// across retries so the processor deduplicates repeated sends.
type UsageEvent struct {
	CustomerRef    string
	Metric         string
	Quantity       int64
	At             time.Time
	IdempotencyKey string
}

// Processor is the complete payment processor contract. Implementations
// must be safe for concurrent use.
type Processor interface {
	CreateCustomer(ctx context.Context, tenantID int64, email, name string) (string, error)
	CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*SubscriptionState, error)
	UpdateSubscriptionPrice(ctx context.Context, subscriptionRef, priceRef, proration string) (*SubscriptionState, error)
	CancelSubscription(ctx context.Context, subscriptionRef string, immediate bool) (*SubscriptionState, error)
	ReactivateSubscription(ctx context.Context, subscriptionRef string) (*SubscriptionState, error)
	AttachPaymentMethod(ctx context.Context, customerRef, methodRef string) (*MethodDetails, error)
	SetDefaultPaymentMethod(ctx context.Context, customerRef, methodRef string) error
	DetachPaymentMethod(ctx context.Context, methodRef string) error
	ListPaymentMethods(ctx context.Context, customerRef string) ([]*MethodDetails, string, error)
	RecordMeteredUsage(ctx context.Context, event *UsageEvent) (string, error)
	VerifyWebhookSignature(payload []byte, signatureHeader string) (*Event, error)
}

// Error wraps a processor failure with its retryability classification.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("processor %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err represents a retryable processor failure.
// Errors that are not *Error at all (network timeouts, context deadlines)
// count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}
