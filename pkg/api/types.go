package api

import (
	"github.com/platinummonkey/turnstile/pkg/billing"
)

// Services bundles the billing services the server exposes over HTTP. Every
// field must be non-nil; handlers do not guard against missing services.
type Services struct {
	Plans          billing.PlanCatalog
	Lifecycle      billing.LifecycleManager
	PaymentMethods billing.PaymentMethodRegistry
	Usage          billing.UsageMeter
	Webhooks       billing.WebhookReconciler
}
