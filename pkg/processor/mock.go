package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MockProcessor is an in-memory Processor for tests and local development.
// It records calls, returns configurable failures, and keeps just enough
// state to behave like a real processor across a session.
type MockProcessor struct {
	mu sync.Mutex

	// Customers maps tenantID -> customerRef.
	Customers map[int64]string
	// Subscriptions maps subscriptionRef -> last returned state.
	Subscriptions map[string]*SubscriptionState
	// Methods maps customerRef -> attached payment methods.
	Methods map[string][]*MethodDetails
	// Defaults maps customerRef -> default methodRef.
	Defaults map[string]string
	// UsageEvents collects accepted usage forwards, deduplicated by
	// idempotency key the way a real meter API would.
	UsageEvents []*UsageEvent

	// Error fields allow tests to inject failures per operation.
	CreateCustomerErr     error
	CreateSubscriptionErr error
	UpdatePriceErr        error
	CancelErr             error
	ReactivateErr         error
	AttachErr             error
	SetDefaultErr         error
	DetachErr             error
	ListMethodsErr        error
	RecordUsageErr        error

	// VerifyFunc overrides signature verification. The default accepts any
	// non-empty signature header and decodes the payload as a JSON Event.
	VerifyFunc func(payload []byte, signatureHeader string) (*Event, error)

	// PeriodLength controls the synthetic billing period (default 30 days).
	PeriodLength time.Duration

	seenUsageKeys map[string]bool
	nextCustomer  int
	nextSub       int
}

// NewMockProcessor creates a MockProcessor ready for use.
func NewMockProcessor() *MockProcessor {
	return &MockProcessor{
		Customers:     make(map[int64]string),
		Subscriptions: make(map[string]*SubscriptionState),
		Methods:       make(map[string][]*MethodDetails),
		Defaults:      make(map[string]string),
		seenUsageKeys: make(map[string]bool),
		PeriodLength:  30 * 24 * time.Hour,
	}
}

func (m *MockProcessor) CreateCustomer(_ context.Context, tenantID int64, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateCustomerErr != nil {
		return "", m.CreateCustomerErr
	}
	if ref, ok := m.Customers[tenantID]; ok {
		return ref, nil
	}
	m.nextCustomer++
	ref := fmt.Sprintf("cus_mock_%d", m.nextCustomer)
	m.Customers[tenantID] = ref
	return ref, nil
}

func (m *MockProcessor) CreateSubscription(_ context.Context, req *CreateSubscriptionRequest) (*SubscriptionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateSubscriptionErr != nil {
		return nil, m.CreateSubscriptionErr
	}

	m.nextSub++
	now := time.Now().UTC()
	periodEnd := now.Add(m.PeriodLength)
	state := &SubscriptionState{
		SubscriptionRef:    fmt.Sprintf("sub_mock_%d", m.nextSub),
		CustomerRef:        req.CustomerRef,
		PriceRef:           req.PriceRef,
		Status:             "active",
		CurrentPeriodStart: &now,
		CurrentPeriodEnd:   &periodEnd,
	}
	if req.TrialDays > 0 {
		trialEnd := now.Add(time.Duration(req.TrialDays) * 24 * time.Hour)
		state.Status = "trialing"
		state.TrialStart = &now
		state.TrialEnd = &trialEnd
	}
	m.Subscriptions[state.SubscriptionRef] = state
	return cloneState(state), nil
}

func (m *MockProcessor) UpdateSubscriptionPrice(_ context.Context, subscriptionRef, priceRef, _ string) (*SubscriptionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UpdatePriceErr != nil {
		return nil, m.UpdatePriceErr
	}
	state, ok := m.Subscriptions[subscriptionRef]
	if !ok {
		return nil, &Error{Op: "update subscription price", Err: errors.New("no such subscription")}
	}
	state.PriceRef = priceRef
	return cloneState(state), nil
}

func (m *MockProcessor) CancelSubscription(_ context.Context, subscriptionRef string, immediate bool) (*SubscriptionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CancelErr != nil {
		return nil, m.CancelErr
	}
	state, ok := m.Subscriptions[subscriptionRef]
	if !ok {
		return nil, &Error{Op: "cancel subscription", Err: errors.New("no such subscription")}
	}
	if immediate {
		now := time.Now().UTC()
		state.Status = "canceled"
		state.CanceledAt = &now
		state.CancelAtPeriodEnd = false
	} else {
		state.CancelAtPeriodEnd = true
	}
	return cloneState(state), nil
}

func (m *MockProcessor) ReactivateSubscription(_ context.Context, subscriptionRef string) (*SubscriptionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ReactivateErr != nil {
		return nil, m.ReactivateErr
	}
	state, ok := m.Subscriptions[subscriptionRef]
	if !ok {
		return nil, &Error{Op: "reactivate subscription", Err: errors.New("no such subscription")}
	}
	state.CancelAtPeriodEnd = false
	return cloneState(state), nil
}

func (m *MockProcessor) AttachPaymentMethod(_ context.Context, customerRef, methodRef string) (*MethodDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AttachErr != nil {
		return nil, m.AttachErr
	}
	details := &MethodDetails{
		MethodRef:    methodRef,
		Type:         "card",
		CardBrand:    "visa",
		CardLast4:    "4242",
		CardExpMonth: 12,
		CardExpYear:  time.Now().UTC().Year() + 2,
	}
	m.Methods[customerRef] = append(m.Methods[customerRef], details)
	return details, nil
}

func (m *MockProcessor) SetDefaultPaymentMethod(_ context.Context, customerRef, methodRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SetDefaultErr != nil {
		return m.SetDefaultErr
	}
	m.Defaults[customerRef] = methodRef
	return nil
}

func (m *MockProcessor) DetachPaymentMethod(_ context.Context, methodRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DetachErr != nil {
		return m.DetachErr
	}
	for customerRef, methods := range m.Methods {
		kept := methods[:0]
		for _, pm := range methods {
			if pm.MethodRef != methodRef {
				kept = append(kept, pm)
			}
		}
		m.Methods[customerRef] = kept
		if m.Defaults[customerRef] == methodRef {
			delete(m.Defaults, customerRef)
		}
	}
	return nil
}

func (m *MockProcessor) ListPaymentMethods(_ context.Context, customerRef string) ([]*MethodDetails, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListMethodsErr != nil {
		return nil, "", m.ListMethodsErr
	}
	methods := make([]*MethodDetails, len(m.Methods[customerRef]))
	copy(methods, m.Methods[customerRef])
	return methods, m.Defaults[customerRef], nil
}

func (m *MockProcessor) RecordMeteredUsage(_ context.Context, event *UsageEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RecordUsageErr != nil {
		return "", m.RecordUsageErr
	}
	if !m.seenUsageKeys[event.IdempotencyKey] {
		m.seenUsageKeys[event.IdempotencyKey] = true
		m.UsageEvents = append(m.UsageEvents, event)
	}
	return event.IdempotencyKey, nil
}

func (m *MockProcessor) VerifyWebhookSignature(payload []byte, signatureHeader string) (*Event, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(payload, signatureHeader)
	}
	if signatureHeader == "" {
		return nil, errors.New("missing signature header")
	}
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}
	return &event, nil
}

func cloneState(s *SubscriptionState) *SubscriptionState {
	out := *s
	return &out
}
