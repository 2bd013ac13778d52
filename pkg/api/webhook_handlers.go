package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/httputil"
)

// webhookMaxBody caps webhook payload reads. Processor events are a few KB;
// anything near the cap is not a legitimate delivery.
const webhookMaxBody = 1 << 20

// WebhookHandlers receives processor webhook deliveries
type WebhookHandlers struct {
	reconciler billing.WebhookReconciler
}

// NewWebhookHandlers creates a new WebhookHandlers
func NewWebhookHandlers(reconciler billing.WebhookReconciler) *WebhookHandlers {
	return &WebhookHandlers{reconciler: reconciler}
}

// RegisterRoutes registers the webhook endpoint
func (h *WebhookHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/billing/webhook",
		httputil.MaxBytesMiddleware(webhookMaxBody)(http.HandlerFunc(h.HandleWebhook))).Methods("POST")
}

// HandleWebhook verifies and processes a processor event. Signature failures
// are 400s; internal failures return non-2xx so the processor redelivers.
func (h *WebhookHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	signature := r.Header.Get("Stripe-Signature")

	if err := h.reconciler.HandleWebhook(r.Context(), payload, signature); err != nil {
		writeBillingError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}
