package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/billing/meterevent"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeProcessor implements Processor using the Stripe API. Subscription
// period bounds are read from the first subscription item, where the current
// API reports them.
type StripeProcessor struct {
	apiKey        string
	webhookSecret string
}

// NewStripeProcessor creates a StripeProcessor with the given API key and
// webhook signing secret.
func NewStripeProcessor(apiKey, webhookSecret string) *StripeProcessor {
	stripe.Key = apiKey
	return &StripeProcessor{
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
	}
}

// CreateCustomer creates a Stripe customer tagged with the tenant ID.
func (p *StripeProcessor) CreateCustomer(_ context.Context, tenantID int64, email, name string) (string, error) {
	params := &stripe.CustomerParams{
		Metadata: map[string]string{
			"tenant_id": strconv.FormatInt(tenantID, 10),
		},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	if name != "" {
		params.Name = stripe.String(name)
	}
	c, err := customer.New(params)
	if err != nil {
		return "", p.classify("create customer", err)
	}
	return c.ID, nil
}

// CreateSubscription starts a Stripe subscription on the given price.
func (p *StripeProcessor) CreateSubscription(_ context.Context, req *CreateSubscriptionRequest) (*SubscriptionState, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(req.CustomerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(req.PriceRef)},
		},
	}
	if req.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	}
	if req.PaymentMethodRef != "" {
		params.DefaultPaymentMethod = stripe.String(req.PaymentMethodRef)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = req.Metadata
	}
	sub, err := subscription.New(params)
	if err != nil {
		return nil, p.classify("create subscription", err)
	}
	return subscriptionState(sub), nil
}

// UpdateSubscriptionPrice swaps the subscription's single item to a new
// price. Proration must be one of create_prorations, none or always_invoice;
// Stripe uses the same vocabulary.
func (p *StripeProcessor) UpdateSubscriptionPrice(_ context.Context, subscriptionRef, priceRef, proration string) (*SubscriptionState, error) {
	current, err := subscription.Get(subscriptionRef, nil)
	if err != nil {
		return nil, p.classify("get subscription", err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, &Error{Op: "update subscription price", Err: errors.New("subscription has no items")}
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(priceRef),
			},
		},
		ProrationBehavior: stripe.String(proration),
	}
	sub, err := subscription.Update(subscriptionRef, params)
	if err != nil {
		return nil, p.classify("update subscription price", err)
	}
	return subscriptionState(sub), nil
}

// CancelSubscription cancels immediately or schedules cancellation at
// period end.
func (p *StripeProcessor) CancelSubscription(_ context.Context, subscriptionRef string, immediate bool) (*SubscriptionState, error) {
	if immediate {
		sub, err := subscription.Cancel(subscriptionRef, &stripe.SubscriptionCancelParams{})
		if err != nil {
			return nil, p.classify("cancel subscription", err)
		}
		return subscriptionState(sub), nil
	}

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	sub, err := subscription.Update(subscriptionRef, params)
	if err != nil {
		return nil, p.classify("schedule subscription cancellation", err)
	}
	return subscriptionState(sub), nil
}

// ReactivateSubscription clears a scheduled period-end cancellation.
func (p *StripeProcessor) ReactivateSubscription(_ context.Context, subscriptionRef string) (*SubscriptionState, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	sub, err := subscription.Update(subscriptionRef, params)
	if err != nil {
		return nil, p.classify("reactivate subscription", err)
	}
	return subscriptionState(sub), nil
}

// AttachPaymentMethod attaches a tokenized payment method to a customer.
func (p *StripeProcessor) AttachPaymentMethod(_ context.Context, customerRef, methodRef string) (*MethodDetails, error) {
	params := &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(customerRef),
	}
	pm, err := paymentmethod.Attach(methodRef, params)
	if err != nil {
		return nil, p.classify("attach payment method", err)
	}
	return methodDetails(pm), nil
}

// SetDefaultPaymentMethod updates the customer's invoice settings to use
// the given payment method.
func (p *StripeProcessor) SetDefaultPaymentMethod(_ context.Context, customerRef, methodRef string) error {
	params := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(methodRef),
		},
	}
	if _, err := customer.Update(customerRef, params); err != nil {
		return p.classify("set default payment method", err)
	}
	return nil
}

// DetachPaymentMethod detaches a payment method from its customer.
func (p *StripeProcessor) DetachPaymentMethod(_ context.Context, methodRef string) error {
	if _, err := paymentmethod.Detach(methodRef, &stripe.PaymentMethodDetachParams{}); err != nil {
		return p.classify("detach payment method", err)
	}
	return nil
}

// ListPaymentMethods returns the customer's payment methods and the ref of
// the current default, if any.
func (p *StripeProcessor) ListPaymentMethods(_ context.Context, customerRef string) ([]*MethodDetails, string, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerRef),
	}
	iter := paymentmethod.List(params)

	var methods []*MethodDetails
	for iter.Next() {
		methods = append(methods, methodDetails(iter.PaymentMethod()))
	}
	if err := iter.Err(); err != nil {
		return nil, "", p.classify("list payment methods", err)
	}

	c, err := customer.Get(customerRef, nil)
	if err != nil {
		return nil, "", p.classify("get customer", err)
	}
	defaultRef := ""
	if c.InvoiceSettings != nil && c.InvoiceSettings.DefaultPaymentMethod != nil {
		defaultRef = c.InvoiceSettings.DefaultPaymentMethod.ID
	}
	return methods, defaultRef, nil
}

// RecordMeteredUsage forwards one usage event through the Stripe meter
// events API. The identifier doubles as the idempotency key: Stripe drops
// repeats of the same identifier instead of double-counting them.
func (p *StripeProcessor) RecordMeteredUsage(_ context.Context, event *UsageEvent) (string, error) {
	params := &stripe.BillingMeterEventParams{
		EventName:  stripe.String(event.Metric),
		Identifier: stripe.String(event.IdempotencyKey),
		Timestamp:  stripe.Int64(event.At.Unix()),
		Payload: map[string]string{
			"stripe_customer_id": event.CustomerRef,
			"value":              strconv.FormatInt(event.Quantity, 10),
		},
	}
	me, err := meterevent.New(params)
	if err != nil {
		return "", p.classify("record metered usage", err)
	}
	return me.Identifier, nil
}

// VerifyWebhookSignature checks the payload signature and parses the event
// into the neutral representation. No I/O is performed.
func (p *StripeProcessor) VerifyWebhookSignature(payload []byte, signatureHeader string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, p.webhookSecret)
	if err != nil {
		return nil, err
	}
	return parseStripeEvent(&event)
}

// classify wraps a Stripe error with its retryability. Rate limits and 5xx
// responses are transient; API errors with 4xx statuses are permanent;
// anything that is not a Stripe error is a network-level failure and
// therefore transient.
func (p *StripeProcessor) classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		transient := se.HTTPStatusCode == 429 || se.HTTPStatusCode >= 500
		return &Error{Op: op, Transient: transient, Err: err}
	}
	return &Error{Op: op, Transient: true, Err: err}
}

func parseStripeEvent(event *stripe.Event) (*Event, error) {
	out := &Event{
		ID:        event.ID,
		RawType:   string(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		switch event.Type {
		case "customer.subscription.created":
			out.Type = EventSubscriptionCreated
		case "customer.subscription.updated":
			out.Type = EventSubscriptionUpdated
		default:
			out.Type = EventSubscriptionDeleted
		}
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, &Error{Op: "parse subscription event", Err: err}
		}
		out.Subscription = subscriptionState(&sub)

	case "invoice.paid":
		out.Type = EventInvoicePaid

	case "invoice.payment_failed":
		out.Type = EventInvoicePaymentFailed

	case "payment_method.attached", "payment_method.detached":
		if event.Type == "payment_method.attached" {
			out.Type = EventPaymentMethodAttached
		} else {
			out.Type = EventPaymentMethodDetached
		}
		var pm stripe.PaymentMethod
		if err := json.Unmarshal(event.Data.Raw, &pm); err != nil {
			return nil, &Error{Op: "parse payment method event", Err: err}
		}
		out.MethodRef = pm.ID
		if pm.Customer != nil {
			out.CustomerRef = pm.Customer.ID
		}

	case "customer.updated":
		out.Type = EventCustomerUpdated
		var c stripe.Customer
		if err := json.Unmarshal(event.Data.Raw, &c); err != nil {
			return nil, &Error{Op: "parse customer event", Err: err}
		}
		out.Customer = &CustomerUpdate{
			CustomerRef: c.ID,
			Email:       c.Email,
			Name:        c.Name,
		}

	default:
		out.Type = EventUnknown
	}

	return out, nil
}

func subscriptionState(sub *stripe.Subscription) *SubscriptionState {
	state := &SubscriptionState{
		SubscriptionRef:   sub.ID,
		Status:            mapStripeStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(sub.CanceledAt),
		TrialStart:        unixPtr(sub.TrialStart),
		TrialEnd:          unixPtr(sub.TrialEnd),
	}
	if sub.Customer != nil {
		state.CustomerRef = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			state.PriceRef = item.Price.ID
		}
		state.CurrentPeriodStart = unixPtr(item.CurrentPeriodStart)
		state.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
	}
	return state
}

// mapStripeStatus translates Stripe subscription statuses into the engine's
// vocabulary. Statuses the engine does not model (unpaid, paused) map to
// past_due: the subscription still exists and blocks a second live one, but
// it is not in good standing.
func mapStripeStatus(s stripe.SubscriptionStatus) string {
	switch s {
	case stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPaused:
		return "past_due"
	default:
		return string(s)
	}
}

func methodDetails(pm *stripe.PaymentMethod) *MethodDetails {
	details := &MethodDetails{
		MethodRef: pm.ID,
		Type:      mapMethodType(pm.Type),
	}
	if pm.Card != nil {
		details.CardBrand = string(pm.Card.Brand)
		details.CardLast4 = pm.Card.Last4
		details.CardExpMonth = int(pm.Card.ExpMonth)
		details.CardExpYear = int(pm.Card.ExpYear)
	}
	if pm.USBankAccount != nil {
		details.BankName = pm.USBankAccount.BankName
		details.BankLast4 = pm.USBankAccount.Last4
	}
	return details
}

func mapMethodType(t stripe.PaymentMethodType) string {
	switch t {
	case stripe.PaymentMethodTypeCard:
		return "card"
	case stripe.PaymentMethodTypeUSBankAccount:
		return "bank_account"
	default:
		return string(t)
	}
}

func unixPtr(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}
