// Package processor defines the narrow contract between the billing engine
// and the payment processor, plus its implementations.
//
// # Overview
//
// Everything the engine needs from a processor fits one interface:
// customer creation, subscription create/update/cancel/reactivate, payment
// method attach/detach/default/list, metered usage forwarding, and webhook
// signature verification. Vendor SDK types never leave this package; events
// and subscription state cross the boundary as neutral structs whose status
// values already use the engine's vocabulary.
//
// # Usage Example
//
//	proc := processor.NewStripeProcessor(cfg.Processor.APIKey, cfg.Processor.WebhookSecret)
//	state, err := proc.CreateSubscription(ctx, &processor.CreateSubscriptionRequest{
//		CustomerRef: "cus_123",
//		PriceRef:    "price_abc",
//		TrialDays:   14,
//	})
//
// Tests use MockProcessor, which has an overridable func field per method.
//
// # Related Packages
//
//   - pkg/billing: the services driving this contract
package processor
