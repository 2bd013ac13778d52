package billing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/turnstile/pkg/processor"
)

// stubRegistry records sync requests so tests can observe the background
// refresh triggered by payment method events.
type stubRegistry struct {
	synced chan int64
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{synced: make(chan int64, 1)}
}

func (s *stubRegistry) AddPaymentMethod(_ context.Context, _ int64, _ *AddPaymentMethodRequest) (*PaymentMethod, error) {
	return nil, nil
}

func (s *stubRegistry) ListPaymentMethods(_ context.Context, _ int64) ([]*PaymentMethod, error) {
	return nil, nil
}

func (s *stubRegistry) ListExpiringPaymentMethods(_ context.Context, _ int64, _ time.Duration) ([]*PaymentMethod, error) {
	return nil, nil
}

func (s *stubRegistry) SetDefaultPaymentMethod(_ context.Context, _, _ int64) error { return nil }

func (s *stubRegistry) RemovePaymentMethod(_ context.Context, _, _ int64) error { return nil }

func (s *stubRegistry) SyncFromProcessor(_ context.Context, tenantID int64) error {
	s.synced <- tenantID
	return nil
}

func eventPayload(t *testing.T, event *processor.Event) []byte {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return payload
}

func activeState(ref string) *processor.SubscriptionState {
	now := time.Now().UTC()
	start := now.Add(-5 * 24 * time.Hour)
	end := now.Add(25 * 24 * time.Hour)
	return &processor.SubscriptionState{
		SubscriptionRef:    ref,
		CustomerRef:        "cus_1",
		PriceRef:           "price_pro",
		Status:             "active",
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	}
}

func TestHandleWebhook_SignatureFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rec := NewReconciler(db, newStubCatalog(), newStubDirectory(), nil, processor.NewMockProcessor(), nil, nil)

	err = rec.HandleWebhook(context.Background(), []byte(`{}`), "")
	assert.True(t, IsSignature(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleWebhook_SubscriptionEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("applies newer state to the local row", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		rec := NewReconciler(db, newStubCatalog(proPlan()), newStubDirectory(), nil, processor.NewMockProcessor(), nil, nil)

		state := activeState("sub_1")
		state.Status = "past_due"
		payload := eventPayload(t, &processor.Event{
			ID:           "evt_1",
			Type:         processor.EventSubscriptionUpdated,
			RawType:      "customer.subscription.updated",
			CreatedAt:    time.Now().UTC(),
			Subscription: state,
		})

		mock.ExpectExec("UPDATE subscriptions SET status").
			WithArgs("sub_1", "past_due", sqlmock.AnyArg(), sqlmock.AnyArg(), false,
				nil, nil, nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE subscriptions SET plan_code").
			WithArgs("sub_1", "pro").
			WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, rec.HandleWebhook(ctx, payload, "sig"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("discards an event older than applied state", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		rec := NewReconciler(db, newStubCatalog(proPlan()), newStubDirectory(), nil, processor.NewMockProcessor(), nil, nil)

		payload := eventPayload(t, &processor.Event{
			ID:           "evt_old",
			Type:         processor.EventSubscriptionUpdated,
			CreatedAt:    time.Now().UTC().Add(-time.Hour),
			Subscription: activeState("sub_1"),
		})

		mock.ExpectExec("UPDATE subscriptions SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("sub_1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		require.NoError(t, rec.HandleWebhook(ctx, payload, "sig"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inserts a subscription first seen via webhook", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		directory := newStubDirectory(&Customer{TenantID: 9, ProcessorCustomerID: "cus_1"})
		rec := NewReconciler(db, newStubCatalog(proPlan()), directory, nil, processor.NewMockProcessor(), nil, nil)

		payload := eventPayload(t, &processor.Event{
			ID:           "evt_new",
			Type:         processor.EventSubscriptionCreated,
			CreatedAt:    time.Now().UTC(),
			Subscription: activeState("sub_9"),
		})

		mock.ExpectExec("UPDATE subscriptions SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("sub_9").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO subscriptions").
			WithArgs(int64(9), "pro", "sub_9", "active", sqlmock.AnyArg(), sqlmock.AnyArg(),
				false, nil, nil, nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, rec.HandleWebhook(ctx, payload, "sig"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("acknowledges events for unknown customers", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		rec := NewReconciler(db, newStubCatalog(proPlan()), newStubDirectory(), nil, processor.NewMockProcessor(), nil, nil)

		payload := eventPayload(t, &processor.Event{
			ID:           "evt_orphan",
			Type:         processor.EventSubscriptionCreated,
			CreatedAt:    time.Now().UTC(),
			Subscription: activeState("sub_x"),
		})

		mock.ExpectExec("UPDATE subscriptions SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("sub_x").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		require.NoError(t, rec.HandleWebhook(ctx, payload, "sig"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("acknowledges events for unknown prices", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		directory := newStubDirectory(&Customer{TenantID: 9, ProcessorCustomerID: "cus_1"})
		rec := NewReconciler(db, newStubCatalog(), directory, nil, processor.NewMockProcessor(), nil, nil)

		state := activeState("sub_x")
		state.PriceRef = "price_unmapped"
		payload := eventPayload(t, &processor.Event{
			ID:           "evt_unmapped",
			Type:         processor.EventSubscriptionCreated,
			CreatedAt:    time.Now().UTC(),
			Subscription: state,
		})

		mock.ExpectExec("UPDATE subscriptions SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("sub_x").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		require.NoError(t, rec.HandleWebhook(ctx, payload, "sig"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("absorbs a live subscription conflict on insert", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		directory := newStubDirectory(&Customer{TenantID: 9, ProcessorCustomerID: "cus_1"})
		rec := NewReconciler(db, newStubCatalog(proPlan()), directory, nil, processor.NewMockProcessor(), nil, nil)

		payload := eventPayload(t, &processor.Event{
			ID:           "evt_conflict",
			Type:         processor.EventSubscriptionCreated,
			CreatedAt:    time.Now().UTC(),
			Subscription: activeState("sub_dup"),
		})

		mock.ExpectExec("UPDATE subscriptions SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("sub_dup").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO subscriptions").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_subscriptions_tenant_live"})

		require.NoError(t, rec.HandleWebhook(ctx, payload, "sig"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("acknowledges a subscription event without payload", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		rec := NewReconciler(db, newStubCatalog(), newStubDirectory(), nil, processor.NewMockProcessor(), nil, nil)

		payload := eventPayload(t, &processor.Event{
			ID:        "evt_empty",
			Type:      processor.EventSubscriptionUpdated,
			CreatedAt: time.Now().UTC(),
		})

		require.NoError(t, rec.HandleWebhook(ctx, payload, "sig"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestHandleWebhook_InvoiceEvents(t *testing.T) {
	tests := []struct {
		name      string
		eventType processor.EventType
	}{
		{"invoice paid", processor.EventInvoicePaid},
		{"invoice payment failed", processor.EventInvoicePaymentFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			rec := NewReconciler(db, newStubCatalog(), newStubDirectory(), nil, processor.NewMockProcessor(), nil, nil)

			payload := eventPayload(t, &processor.Event{
				ID:          "evt_inv",
				Type:        tt.eventType,
				CreatedAt:   time.Now().UTC(),
				CustomerRef: "cus_1",
			})

			// Invoice outcomes must not write subscription state.
			require.NoError(t, rec.HandleWebhook(context.Background(), payload, "sig"))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestHandleWebhook_CustomerUpdated(t *testing.T) {
	ctx := context.Background()

	t.Run("updates local contact fields", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		directory := newStubDirectory(&Customer{TenantID: 5, ProcessorCustomerID: "cus_5", Email: "old@example.com"})
		rec := NewReconciler(db, newStubCatalog(), directory, nil, processor.NewMockProcessor(), nil, nil)

		payload := eventPayload(t, &processor.Event{
			ID:        "evt_cust",
			Type:      processor.EventCustomerUpdated,
			CreatedAt: time.Now().UTC(),
			Customer:  &processor.CustomerUpdate{CustomerRef: "cus_5", Email: "new@example.com", Name: "New Name"},
		})

		require.NoError(t, rec.HandleWebhook(ctx, payload, "sig"))
		assert.Equal(t, []string{"cus_5"}, directory.updates)
		assert.Equal(t, "new@example.com", directory.customers[5].Email)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("acknowledges updates for unknown customers", func(t *testing.T) {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		directory := newStubDirectory()
		rec := NewReconciler(db, newStubCatalog(), directory, nil, processor.NewMockProcessor(), nil, nil)

		payload := eventPayload(t, &processor.Event{
			ID:        "evt_cust",
			Type:      processor.EventCustomerUpdated,
			CreatedAt: time.Now().UTC(),
			Customer:  &processor.CustomerUpdate{CustomerRef: "cus_ghost", Email: "x@example.com"},
		})

		require.NoError(t, rec.HandleWebhook(ctx, payload, "sig"))
		assert.Empty(t, directory.updates)
	})
}

func TestHandleWebhook_PaymentMethodEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	directory := newStubDirectory(&Customer{TenantID: 3, ProcessorCustomerID: "cus_3"})
	registry := newStubRegistry()
	rec := NewReconciler(db, newStubCatalog(), directory, registry, processor.NewMockProcessor(), nil, nil)

	payload := eventPayload(t, &processor.Event{
		ID:          "evt_pm",
		Type:        processor.EventPaymentMethodAttached,
		CreatedAt:   time.Now().UTC(),
		CustomerRef: "cus_3",
		MethodRef:   "pm_1",
	})

	require.NoError(t, rec.HandleWebhook(context.Background(), payload, "sig"))

	select {
	case tenantID := <-registry.synced:
		assert.Equal(t, int64(3), tenantID)
	case <-time.After(2 * time.Second):
		t.Fatal("payment method sync was not triggered")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleWebhook_UnknownEventType(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rec := NewReconciler(db, newStubCatalog(), newStubDirectory(), nil, processor.NewMockProcessor(), nil, nil)

	payload := eventPayload(t, &processor.Event{
		ID:        "evt_misc",
		Type:      processor.EventUnknown,
		RawType:   "charge.succeeded",
		CreatedAt: time.Now().UTC(),
	})

	require.NoError(t, rec.HandleWebhook(context.Background(), payload, "sig"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
