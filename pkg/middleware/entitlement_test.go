package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/contextkeys"
)

type mockCatalog struct {
	getPlanFunc func(ctx context.Context, code string) (*billing.Plan, error)
}

func (m *mockCatalog) CreatePlan(ctx context.Context, plan *billing.Plan) (*billing.Plan, error) {
	return nil, errors.New("not implemented")
}

func (m *mockCatalog) UpsertPlan(ctx context.Context, plan *billing.Plan) (*billing.Plan, error) {
	return nil, errors.New("not implemented")
}

func (m *mockCatalog) GetPlan(ctx context.Context, code string) (*billing.Plan, error) {
	if m.getPlanFunc != nil {
		return m.getPlanFunc(ctx, code)
	}
	return nil, errors.New("not implemented")
}

func (m *mockCatalog) GetPlanByProcessorPrice(ctx context.Context, priceRef string) (*billing.Plan, error) {
	return nil, errors.New("not implemented")
}

func (m *mockCatalog) ListPlans(ctx context.Context, activeOnly bool) ([]*billing.Plan, error) {
	return nil, errors.New("not implemented")
}

func (m *mockCatalog) DeactivatePlan(ctx context.Context, code string) error {
	return errors.New("not implemented")
}

type mockLifecycle struct {
	getSubscriptionFunc func(ctx context.Context, tenantID int64) (*billing.Subscription, error)
}

func (m *mockLifecycle) CreateSubscription(ctx context.Context, tenantID int64, req *billing.CreateSubscriptionRequest) (*billing.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (m *mockLifecycle) GetSubscription(ctx context.Context, tenantID int64) (*billing.Subscription, error) {
	if m.getSubscriptionFunc != nil {
		return m.getSubscriptionFunc(ctx, tenantID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockLifecycle) ChangePlan(ctx context.Context, tenantID int64, req *billing.ChangePlanRequest) (*billing.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (m *mockLifecycle) CancelSubscription(ctx context.Context, tenantID int64, immediate bool) (*billing.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (m *mockLifecycle) ReactivateSubscription(ctx context.Context, tenantID int64) (*billing.Subscription, error) {
	return nil, errors.New("not implemented")
}

type mockMeter struct {
	checkLimitFunc func(ctx context.Context, tenantID int64, metric string, additional int64) (*billing.LimitCheck, error)
}

func (m *mockMeter) RecordUsage(ctx context.Context, tenantID int64, req *billing.RecordUsageRequest) (*billing.UsageRecord, error) {
	return nil, errors.New("not implemented")
}

func (m *mockMeter) CheckLimit(ctx context.Context, tenantID int64, metric string, additional int64) (*billing.LimitCheck, error) {
	if m.checkLimitFunc != nil {
		return m.checkLimitFunc(ctx, tenantID, metric, additional)
	}
	return nil, errors.New("not implemented")
}

func (m *mockMeter) GetUsageSummary(ctx context.Context, tenantID int64, periodStart, periodEnd time.Time) (*billing.UsageSummary, error) {
	return nil, errors.New("not implemented")
}

func (m *mockMeter) GetUsageTrends(ctx context.Context, tenantID int64, metric string, days int) ([]billing.TrendPoint, error) {
	return nil, errors.New("not implemented")
}

func tenantRequest(tenantID int64) *http.Request {
	req := httptest.NewRequest("GET", "/api/v1/tenants/42/export", nil)
	return req.WithContext(contextkeys.WithTenant(req.Context(), tenantID))
}

func liveSubscription(planCode string) *billing.Subscription {
	return &billing.Subscription{
		TenantID: 42,
		PlanCode: planCode,
		Status:   billing.SubscriptionStatusActive,
	}
}

func TestRequireFeature(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("requests without a tenant pass through", func(t *testing.T) {
		m := NewEntitlementMiddleware(&mockCatalog{}, &mockLifecycle{}, &mockMeter{}, nil)
		req := httptest.NewRequest("GET", "/api/v1/plans", nil)
		w := httptest.NewRecorder()
		m.RequireFeature("data_export")(okHandler).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("feature enabled", func(t *testing.T) {
		lifecycle := &mockLifecycle{
			getSubscriptionFunc: func(ctx context.Context, tenantID int64) (*billing.Subscription, error) {
				assert.Equal(t, int64(42), tenantID)
				return liveSubscription("pro"), nil
			},
		}
		catalog := &mockCatalog{
			getPlanFunc: func(ctx context.Context, code string) (*billing.Plan, error) {
				assert.Equal(t, "pro", code)
				return &billing.Plan{Code: "pro", Features: map[string]bool{"data_export": true}}, nil
			},
		}

		m := NewEntitlementMiddleware(catalog, lifecycle, &mockMeter{}, nil)
		w := httptest.NewRecorder()
		m.RequireFeature("data_export")(okHandler).ServeHTTP(w, tenantRequest(42))

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("plan lacks the feature", func(t *testing.T) {
		lifecycle := &mockLifecycle{
			getSubscriptionFunc: func(ctx context.Context, tenantID int64) (*billing.Subscription, error) {
				return liveSubscription("starter"), nil
			},
		}
		catalog := &mockCatalog{
			getPlanFunc: func(ctx context.Context, code string) (*billing.Plan, error) {
				return &billing.Plan{Code: "starter", Features: map[string]bool{"basic": true}}, nil
			},
		}

		m := NewEntitlementMiddleware(catalog, lifecycle, &mockMeter{}, nil)
		w := httptest.NewRecorder()
		m.RequireFeature("data_export")(okHandler).ServeHTTP(w, tenantRequest(42))

		require.Equal(t, http.StatusPaymentRequired, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "feature_not_available", body["error"])
		assert.Equal(t, "data_export", body["feature"])
		assert.Equal(t, "starter", body["plan"])
	})

	t.Run("no subscription", func(t *testing.T) {
		lifecycle := &mockLifecycle{
			getSubscriptionFunc: func(ctx context.Context, tenantID int64) (*billing.Subscription, error) {
				return nil, &billing.NotFoundError{Resource: "subscription", Key: "tenant 42"}
			},
		}

		m := NewEntitlementMiddleware(&mockCatalog{}, lifecycle, &mockMeter{}, nil)
		w := httptest.NewRecorder()
		m.RequireFeature("data_export")(okHandler).ServeHTTP(w, tenantRequest(42))

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
	})

	t.Run("subscription not live", func(t *testing.T) {
		lifecycle := &mockLifecycle{
			getSubscriptionFunc: func(ctx context.Context, tenantID int64) (*billing.Subscription, error) {
				return &billing.Subscription{
					TenantID: 42,
					PlanCode: "pro",
					Status:   billing.SubscriptionStatusCanceled,
				}, nil
			},
		}

		m := NewEntitlementMiddleware(&mockCatalog{}, lifecycle, &mockMeter{}, nil)
		w := httptest.NewRecorder()
		m.RequireFeature("data_export")(okHandler).ServeHTTP(w, tenantRequest(42))

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
	})

	t.Run("lifecycle failure", func(t *testing.T) {
		lifecycle := &mockLifecycle{
			getSubscriptionFunc: func(ctx context.Context, tenantID int64) (*billing.Subscription, error) {
				return nil, errors.New("db down")
			},
		}

		m := NewEntitlementMiddleware(&mockCatalog{}, lifecycle, &mockMeter{}, nil)
		w := httptest.NewRecorder()
		m.RequireFeature("data_export")(okHandler).ServeHTTP(w, tenantRequest(42))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestEnforceUsageLimit(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("within limit", func(t *testing.T) {
		meter := &mockMeter{
			checkLimitFunc: func(ctx context.Context, tenantID int64, metric string, additional int64) (*billing.LimitCheck, error) {
				assert.Equal(t, int64(42), tenantID)
				assert.Equal(t, "api_calls", metric)
				assert.Equal(t, int64(1), additional)
				return &billing.LimitCheck{Metric: metric, WithinLimit: true, Limit: 1000, CurrentUsage: 10}, nil
			},
		}

		m := NewEntitlementMiddleware(&mockCatalog{}, &mockLifecycle{}, meter, nil)
		w := httptest.NewRecorder()
		m.EnforceUsageLimit("api_calls")(okHandler).ServeHTTP(w, tenantRequest(42))

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("over the cap", func(t *testing.T) {
		meter := &mockMeter{
			checkLimitFunc: func(ctx context.Context, tenantID int64, metric string, additional int64) (*billing.LimitCheck, error) {
				return &billing.LimitCheck{
					Metric:       metric,
					WithinLimit:  false,
					Limit:        1000,
					CurrentUsage: 1000,
					Requested:    1,
				}, nil
			},
		}

		m := NewEntitlementMiddleware(&mockCatalog{}, &mockLifecycle{}, meter, nil)
		w := httptest.NewRecorder()
		m.EnforceUsageLimit("api_calls")(okHandler).ServeHTTP(w, tenantRequest(42))

		require.Equal(t, http.StatusTooManyRequests, w.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "usage_limit_exceeded", body["error"])
		assert.Equal(t, "api_calls", body["metric"])
		assert.Equal(t, float64(1000), body["limit"])
	})

	t.Run("no live subscription", func(t *testing.T) {
		meter := &mockMeter{
			checkLimitFunc: func(ctx context.Context, tenantID int64, metric string, additional int64) (*billing.LimitCheck, error) {
				return &billing.LimitCheck{Metric: metric, WithinLimit: false, Limit: 0}, nil
			},
		}

		m := NewEntitlementMiddleware(&mockCatalog{}, &mockLifecycle{}, meter, nil)
		w := httptest.NewRecorder()
		m.EnforceUsageLimit("api_calls")(okHandler).ServeHTTP(w, tenantRequest(42))

		require.Equal(t, http.StatusPaymentRequired, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "subscription_required", body["error"])
	})

	t.Run("metering failure fails open", func(t *testing.T) {
		meter := &mockMeter{
			checkLimitFunc: func(ctx context.Context, tenantID int64, metric string, additional int64) (*billing.LimitCheck, error) {
				return nil, errors.New("db down")
			},
		}

		m := NewEntitlementMiddleware(&mockCatalog{}, &mockLifecycle{}, meter, nil)
		w := httptest.NewRecorder()
		m.EnforceUsageLimit("api_calls")(okHandler).ServeHTTP(w, tenantRequest(42))

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("requests without a tenant pass through", func(t *testing.T) {
		m := NewEntitlementMiddleware(&mockCatalog{}, &mockLifecycle{}, &mockMeter{}, nil)
		req := httptest.NewRequest("GET", "/api/v1/plans", nil)
		w := httptest.NewRecorder()
		m.EnforceUsageLimit("api_calls")(okHandler).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}
