package middleware

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/turnstile/pkg/contextkeys"
	"github.com/platinummonkey/turnstile/pkg/observability"
)

// TenantContext extracts the tenant identifier from the request path and adds
// it to the request context. Routes without a {tenant_id} variable pass
// through untouched, so the middleware can sit on a shared router.
func TenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		tenantStr, ok := vars["tenant_id"]
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		tenantID, err := strconv.ParseInt(tenantStr, 10, 64)
		if err != nil || tenantID <= 0 {
			http.Error(w, "Invalid tenant ID", http.StatusBadRequest)
			return
		}

		// Both keys are set: contextkeys for middleware and handlers,
		// the observability key so request loggers pick up tenant_id.
		ctx := contextkeys.WithTenant(r.Context(), tenantID)
		ctx = observability.WithTenantID(ctx, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantFromRequest returns the tenant identifier stored by TenantContext,
// or 0 when the request carries no tenant.
func TenantFromRequest(r *http.Request) int64 {
	tenantID, ok := contextkeys.GetTenant(r.Context())
	if !ok {
		return 0
	}
	return tenantID
}
