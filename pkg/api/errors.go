package api

import (
	"net/http"

	"github.com/platinummonkey/turnstile/pkg/billing"
	"github.com/platinummonkey/turnstile/pkg/httputil"
	"github.com/platinummonkey/turnstile/pkg/observability"
)

// writeBillingError translates billing errors into HTTP responses. Remote
// processor failures and anything unrecognized are logged with the request
// context before a generic body goes out.
func writeBillingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case billing.IsValidation(err):
		httputil.WriteValidationError(w, err.Error())
	case billing.IsNotFound(err):
		httputil.WriteNotFoundError(w, err.Error())
	case billing.IsConflict(err):
		httputil.WriteConflict(w, err.Error())
	case billing.IsInactivePlan(err):
		httputil.WriteUnprocessableEntity(w, err.Error())
	case billing.IsSignature(err):
		httputil.WriteBadRequest(w, err.Error())
	case billing.IsProcessor(err):
		observability.FromContext(r.Context()).WithError(err).Error("payment processor call failed")
		httputil.WriteBadGateway(w, "payment processor error")
	case billing.IsTransient(err):
		observability.FromContext(r.Context()).WithError(err).Warn("transient billing failure")
		httputil.WriteServiceUnavailable(w, "temporarily unavailable, retry the request")
	default:
		observability.FromContext(r.Context()).WithError(err).Error("billing operation failed")
		httputil.WriteInternalError(w, err)
	}
}
