package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockProcessor_UsageDeduplicatedByIdempotencyKey(t *testing.T) {
	m := NewMockProcessor()
	ctx := context.Background()

	event := &UsageEvent{
		CustomerRef:    "cus_mock_1",
		Metric:         "api_calls",
		Quantity:       10,
		At:             time.Now().UTC(),
		IdempotencyKey: "usage-abc",
	}

	ref1, err := m.RecordMeteredUsage(ctx, event)
	require.NoError(t, err)
	ref2, err := m.RecordMeteredUsage(ctx, event)
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
	assert.Len(t, m.UsageEvents, 1, "repeated sends of one key must not double-count")
}

func TestMockProcessor_SubscriptionLifecycle(t *testing.T) {
	m := NewMockProcessor()
	ctx := context.Background()

	custRef, err := m.CreateCustomer(ctx, 42, "a@example.com", "A")
	require.NoError(t, err)

	state, err := m.CreateSubscription(ctx, &CreateSubscriptionRequest{
		CustomerRef: custRef,
		PriceRef:    "price_basic",
		TrialDays:   7,
	})
	require.NoError(t, err)
	assert.Equal(t, "trialing", state.Status)
	require.NotNil(t, state.TrialEnd)

	scheduled, err := m.CancelSubscription(ctx, state.SubscriptionRef, false)
	require.NoError(t, err)
	assert.True(t, scheduled.CancelAtPeriodEnd)

	back, err := m.ReactivateSubscription(ctx, state.SubscriptionRef)
	require.NoError(t, err)
	assert.False(t, back.CancelAtPeriodEnd)

	gone, err := m.CancelSubscription(ctx, state.SubscriptionRef, true)
	require.NoError(t, err)
	assert.Equal(t, "canceled", gone.Status)
	require.NotNil(t, gone.CanceledAt)
}

func TestMockProcessor_CreateCustomerIsIdempotentPerTenant(t *testing.T) {
	m := NewMockProcessor()
	ctx := context.Background()

	first, err := m.CreateCustomer(ctx, 7, "", "")
	require.NoError(t, err)
	second, err := m.CreateCustomer(ctx, 7, "", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
