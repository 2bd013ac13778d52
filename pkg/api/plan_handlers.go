package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/httputil"
)

// PlanHandlers handles plan catalog HTTP requests
type PlanHandlers struct {
	catalog billing.PlanCatalog
}

// NewPlanHandlers creates a new PlanHandlers
func NewPlanHandlers(catalog billing.PlanCatalog) *PlanHandlers {
	return &PlanHandlers{catalog: catalog}
}

// RegisterRoutes registers plan catalog routes
func (h *PlanHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/plans", h.CreatePlan).Methods("POST")
	router.HandleFunc("/plans", h.ListPlans).Methods("GET")
	router.HandleFunc("/plans/{code}", h.GetPlan).Methods("GET")
	router.HandleFunc("/plans/{code}", h.UpsertPlan).Methods("PUT")
	router.HandleFunc("/plans/{code}", h.DeactivatePlan).Methods("DELETE")
}

// CreatePlan creates a new catalog plan
func (h *PlanHandlers) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var plan billing.Plan
	if !httputil.ParseJSONOrError(w, r, &plan) {
		return
	}

	created, err := h.catalog.CreatePlan(r.Context(), &plan)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteCreated(w, created)
}

// UpsertPlan creates or updates the plan at the path code
func (h *PlanHandlers) UpsertPlan(w http.ResponseWriter, r *http.Request) {
	code, ok := httputil.ParsePathStringOrError(w, r, "code")
	if !ok {
		return
	}

	var plan billing.Plan
	if !httputil.ParseJSONOrError(w, r, &plan) {
		return
	}
	// The path owns the plan identity.
	plan.Code = code

	saved, err := h.catalog.UpsertPlan(r.Context(), &plan)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, saved)
}

// GetPlan retrieves a plan by code
func (h *PlanHandlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	code, ok := httputil.ParsePathStringOrError(w, r, "code")
	if !ok {
		return
	}

	plan, err := h.catalog.GetPlan(r.Context(), code)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, plan)
}

// ListPlans lists catalog plans, optionally only active ones
func (h *PlanHandlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := httputil.ParseQueryBool(r, "active", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	plans, err := h.catalog.ListPlans(r.Context(), activeOnly)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, plans)
}

// DeactivatePlan retires a plan from sale
func (h *PlanHandlers) DeactivatePlan(w http.ResponseWriter, r *http.Request) {
	code, ok := httputil.ParsePathStringOrError(w, r, "code")
	if !ok {
		return
	}

	if err := h.catalog.DeactivatePlan(r.Context(), code); err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteNoContent(w)
}
