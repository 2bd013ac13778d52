package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/httputil"
)

// defaultExpiryWindowDays is how far ahead the expiring-cards endpoint looks
// when the caller does not say.
const defaultExpiryWindowDays = 60

// PaymentMethodHandlers handles payment method HTTP requests
type PaymentMethodHandlers struct {
	registry billing.PaymentMethodRegistry
}

// NewPaymentMethodHandlers creates a new PaymentMethodHandlers
func NewPaymentMethodHandlers(registry billing.PaymentMethodRegistry) *PaymentMethodHandlers {
	return &PaymentMethodHandlers{registry: registry}
}

// RegisterRoutes registers payment method routes. Literal segments are
// registered before the {pm_id} routes so "expiring" and "sync" never parse
// as method IDs.
func (h *PaymentMethodHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tenants/{tenant_id}/payment-methods", h.AddPaymentMethod).Methods("POST")
	router.HandleFunc("/tenants/{tenant_id}/payment-methods", h.ListPaymentMethods).Methods("GET")
	router.HandleFunc("/tenants/{tenant_id}/payment-methods/expiring", h.ListExpiringPaymentMethods).Methods("GET")
	router.HandleFunc("/tenants/{tenant_id}/payment-methods/sync", h.SyncPaymentMethods).Methods("POST")
	router.HandleFunc("/tenants/{tenant_id}/payment-methods/{pm_id}/default", h.SetDefaultPaymentMethod).Methods("PUT")
	router.HandleFunc("/tenants/{tenant_id}/payment-methods/{pm_id}", h.RemovePaymentMethod).Methods("DELETE")
}

// AddPaymentMethod attaches a processor payment method to a tenant
func (h *PaymentMethodHandlers) AddPaymentMethod(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	var req billing.AddPaymentMethodRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	method, err := h.registry.AddPaymentMethod(r.Context(), tenantID, &req)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteCreated(w, method)
}

// ListPaymentMethods lists a tenant's payment methods
func (h *PaymentMethodHandlers) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	methods, err := h.registry.ListPaymentMethods(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, methods)
}

// ListExpiringPaymentMethods lists cards expiring within the query window
func (h *PaymentMethodHandlers) ListExpiringPaymentMethods(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	days, err := httputil.ParseQueryInt(r, "within_days", defaultExpiryWindowDays)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if days <= 0 {
		httputil.WriteValidationError(w, "within_days must be positive")
		return
	}

	methods, err := h.registry.ListExpiringPaymentMethods(r.Context(), tenantID, time.Duration(days)*24*time.Hour)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, methods)
}

// SetDefaultPaymentMethod makes a payment method the tenant's default
func (h *PaymentMethodHandlers) SetDefaultPaymentMethod(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}
	pmID, ok := httputil.ParsePathInt64OrError(w, r, "pm_id")
	if !ok {
		return
	}

	if err := h.registry.SetDefaultPaymentMethod(r.Context(), tenantID, pmID); err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteNoContent(w)
}

// RemovePaymentMethod detaches and deletes a payment method
func (h *PaymentMethodHandlers) RemovePaymentMethod(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}
	pmID, ok := httputil.ParsePathInt64OrError(w, r, "pm_id")
	if !ok {
		return
	}

	if err := h.registry.RemovePaymentMethod(r.Context(), tenantID, pmID); err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteNoContent(w)
}

// SyncPaymentMethods reconciles local payment methods with the processor
func (h *PaymentMethodHandlers) SyncPaymentMethods(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	if err := h.registry.SyncFromProcessor(r.Context(), tenantID); err != nil {
		writeBillingError(w, r, err)
		return
	}

	methods, err := h.registry.ListPaymentMethods(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, methods)
}
