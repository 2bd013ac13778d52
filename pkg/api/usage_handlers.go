package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/httputil"
)

// UsageHandlers handles usage metering HTTP requests
type UsageHandlers struct {
	meter billing.UsageMeter
}

// NewUsageHandlers creates a new UsageHandlers
func NewUsageHandlers(meter billing.UsageMeter) *UsageHandlers {
	return &UsageHandlers{meter: meter}
}

// RegisterRoutes registers usage metering routes
func (h *UsageHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tenants/{tenant_id}/usage", h.RecordUsage).Methods("POST")
	router.HandleFunc("/tenants/{tenant_id}/usage/limit", h.CheckLimit).Methods("GET")
	router.HandleFunc("/tenants/{tenant_id}/usage/summary", h.GetUsageSummary).Methods("GET")
	router.HandleFunc("/tenants/{tenant_id}/usage/trends", h.GetUsageTrends).Methods("GET")
}

// RecordUsage records a metered usage event. Replaying an idempotency key
// returns the original record.
func (h *UsageHandlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	var req billing.RecordUsageRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	record, err := h.meter.RecordUsage(r.Context(), tenantID, &req)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteCreated(w, record)
}

// CheckLimit reports whether recording additional units would stay within
// the tenant's plan limit
func (h *UsageHandlers) CheckLimit(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	metric := httputil.ParseQueryString(r, "metric", "")
	if !httputil.RequireNonEmpty(w, metric, "metric") {
		return
	}

	additional, err := httputil.ParseQueryInt(r, "additional", 1)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	check, err := h.meter.CheckLimit(r.Context(), tenantID, metric, int64(additional))
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, check)
}

// GetUsageSummary returns per-metric totals for a billing period. Without
// period bounds the live subscription's current period is used.
func (h *UsageHandlers) GetUsageSummary(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	periodStart, err := httputil.ParseQueryTime(r, "period_start", time.Time{})
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	periodEnd, err := httputil.ParseQueryTime(r, "period_end", time.Time{})
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	summary, err := h.meter.GetUsageSummary(r.Context(), tenantID, periodStart, periodEnd)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, summary)
}

// GetUsageTrends returns day-bucketed totals for a metric
func (h *UsageHandlers) GetUsageTrends(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	metric := httputil.ParseQueryString(r, "metric", "")
	if !httputil.RequireNonEmpty(w, metric, "metric") {
		return
	}

	days, err := httputil.ParseQueryInt(r, "days", 30)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	points, err := h.meter.GetUsageTrends(r.Context(), tenantID, metric, days)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, points)
}
