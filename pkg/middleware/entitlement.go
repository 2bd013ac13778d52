package middleware

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/observability"
)

// EntitlementMiddleware gates requests on the tenant's subscription plan.
//
// IMPORTANT: See package documentation for middleware ordering requirements.
// Entitlement checks are skipped when TenantContext has not run.
type EntitlementMiddleware struct {
	catalog   billing.PlanCatalog
	lifecycle billing.LifecycleManager
	meter     billing.UsageMeter
	logger    *observability.Logger
}

// NewEntitlementMiddleware creates a new EntitlementMiddleware
func NewEntitlementMiddleware(catalog billing.PlanCatalog, lifecycle billing.LifecycleManager, meter billing.UsageMeter, logger *observability.Logger) *EntitlementMiddleware {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &EntitlementMiddleware{
		catalog:   catalog,
		lifecycle: lifecycle,
		meter:     meter,
		logger:    logger,
	}
}

// RequireFeature allows the request only when the tenant's plan enables the
// named feature flag.
//
// REQUIRES: TenantContext must run before this middleware
// Returns: 402 Payment Required when there is no live subscription or the
// plan lacks the feature.
func (m *EntitlementMiddleware) RequireFeature(feature string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := TenantFromRequest(r)
			if tenantID == 0 {
				next.ServeHTTP(w, r)
				return
			}

			sub, err := m.lifecycle.GetSubscription(r.Context(), tenantID)
			if err != nil {
				if billing.IsNotFound(err) {
					m.featureUnavailable(w, feature, "")
					return
				}
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !sub.IsLive() {
				m.featureUnavailable(w, feature, sub.PlanCode)
				return
			}

			plan, err := m.catalog.GetPlan(r.Context(), sub.PlanCode)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !plan.HasFeature(feature) {
				m.featureUnavailable(w, feature, plan.Code)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// EnforceUsageLimit allows the request only when one more unit of the metric
// would stay within the tenant's plan cap.
//
// REQUIRES: TenantContext must run before this middleware
// Returns: 429 Too Many Requests over the cap, 402 Payment Required when the
// tenant has no live subscription. A metering failure fails open.
func (m *EntitlementMiddleware) EnforceUsageLimit(metric string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := TenantFromRequest(r)
			if tenantID == 0 {
				next.ServeHTTP(w, r)
				return
			}

			check, err := m.meter.CheckLimit(r.Context(), tenantID, metric, 1)
			if err != nil {
				m.logger.WithError(err).WithFields(map[string]interface{}{
					"tenant_id": tenantID,
					"metric":    metric,
				}).Warn("usage limit check failed, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			if !check.WithinLimit {
				// Limit 0 means there was no live subscription to check against.
				if check.Limit == 0 {
					m.subscriptionRequired(w, metric)
					return
				}
				m.limitExceeded(w, check)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (m *EntitlementMiddleware) featureUnavailable(w http.ResponseWriter, feature, planCode string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "feature_not_available",
		"feature": feature,
		"plan":    planCode,
	})
}

func (m *EntitlementMiddleware) subscriptionRequired(w http.ResponseWriter, metric string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(map[string]string{
		"error":  "subscription_required",
		"metric": metric,
	})
}

func (m *EntitlementMiddleware) limitExceeded(w http.ResponseWriter, check *billing.LimitCheck) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     "usage_limit_exceeded",
		"metric":    check.Metric,
		"limit":     check.Limit,
		"current":   check.CurrentUsage,
		"requested": check.Requested,
	})
}
