package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/httputil"
)

// SubscriptionHandlers handles subscription lifecycle HTTP requests
type SubscriptionHandlers struct {
	lifecycle billing.LifecycleManager
}

// NewSubscriptionHandlers creates a new SubscriptionHandlers
func NewSubscriptionHandlers(lifecycle billing.LifecycleManager) *SubscriptionHandlers {
	return &SubscriptionHandlers{lifecycle: lifecycle}
}

// RegisterRoutes registers subscription routes
func (h *SubscriptionHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tenants/{tenant_id}/subscription", h.CreateSubscription).Methods("POST")
	router.HandleFunc("/tenants/{tenant_id}/subscription", h.GetSubscription).Methods("GET")
	router.HandleFunc("/tenants/{tenant_id}/subscription/plan", h.ChangePlan).Methods("PUT")
	router.HandleFunc("/tenants/{tenant_id}/subscription/cancel", h.CancelSubscription).Methods("POST")
	router.HandleFunc("/tenants/{tenant_id}/subscription/reactivate", h.ReactivateSubscription).Methods("POST")
}

// CreateSubscription creates a new subscription for a tenant
func (h *SubscriptionHandlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	var req billing.CreateSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	subscription, err := h.lifecycle.CreateSubscription(r.Context(), tenantID, &req)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteCreated(w, subscription)
}

// GetSubscription retrieves the tenant's subscription
func (h *SubscriptionHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	subscription, err := h.lifecycle.GetSubscription(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, subscription)
}

// ChangePlan moves the tenant's subscription to a different plan
func (h *SubscriptionHandlers) ChangePlan(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	var req billing.ChangePlanRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	subscription, err := h.lifecycle.ChangePlan(r.Context(), tenantID, &req)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, subscription)
}

// CancelSubscription cancels a subscription, immediately or at period end
func (h *SubscriptionHandlers) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	var req struct {
		Immediately bool `json:"immediately"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// An absent body means cancel at period end.
		req.Immediately = false
	}

	subscription, err := h.lifecycle.CancelSubscription(r.Context(), tenantID, req.Immediately)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, subscription)
}

// ReactivateSubscription clears a scheduled cancellation
func (h *SubscriptionHandlers) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	subscription, err := h.lifecycle.ReactivateSubscription(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, subscription)
}
