package billing

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/platinummonkey/turnstile/pkg/async"
	"github.com/platinummonkey/turnstile/pkg/observability"
	"github.com/platinummonkey/turnstile/pkg/processor"
)

// paymentMethodSyncTimeout bounds the background sync triggered by
// payment method webhooks.
const paymentMethodSyncTimeout = 30 * time.Second

// Reconciler ingests processor webhook events and converges local state
// onto them. Events are idempotent and may arrive out of order; each
// subscription row keeps the timestamp of the newest event applied to it
// and older events are discarded. Nothing is written before the payload
// signature verifies.
type Reconciler struct {
	db        *sql.DB
	catalog   PlanCatalog
	customers CustomerDirectory
	methods   PaymentMethodRegistry
	proc      processor.Processor
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewReconciler creates a new webhook reconciler. The metrics argument may
// be nil.
func NewReconciler(db *sql.DB, catalog PlanCatalog, customers CustomerDirectory, methods PaymentMethodRegistry, proc processor.Processor, logger *observability.Logger, metrics *observability.Metrics) *Reconciler {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &Reconciler{
		db:        db,
		catalog:   catalog,
		customers: customers,
		methods:   methods,
		proc:      proc,
		logger:    logger,
		metrics:   metrics,
	}
}

// HandleWebhook verifies and applies a single webhook delivery. A nil
// return acknowledges the event; unrecognized or unmappable events are
// acknowledged too, so the processor does not redeliver what will never
// apply. Only signature failures and our own storage errors are returned.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := r.proc.VerifyWebhookSignature(payload, signatureHeader)
	if err != nil {
		r.countEvent("invalid", "rejected")
		return &SignatureError{Err: err}
	}

	log := r.logger.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.RawType,
	})

	switch event.Type {
	case processor.EventSubscriptionCreated, processor.EventSubscriptionUpdated, processor.EventSubscriptionDeleted:
		if err := r.applySubscriptionEvent(ctx, event); err != nil {
			r.countEvent(event.RawType, "error")
			return err
		}
		r.countEvent(event.RawType, "processed")

	case processor.EventInvoicePaid:
		// Invoice outcomes never touch subscription status; the processor
		// reports status changes through subscription events.
		log.Debug("invoice paid")
		r.countEvent(event.RawType, "processed")

	case processor.EventInvoicePaymentFailed:
		log.WithField("customer_ref", event.CustomerRef).Warn("invoice payment failed")
		r.countEvent(event.RawType, "processed")

	case processor.EventPaymentMethodAttached, processor.EventPaymentMethodDetached:
		r.schedulePaymentMethodSync(event, log)
		r.countEvent(event.RawType, "processed")

	case processor.EventCustomerUpdated:
		if err := r.applyCustomerUpdate(ctx, event, log); err != nil {
			r.countEvent(event.RawType, "error")
			return err
		}
		r.countEvent(event.RawType, "processed")

	default:
		log.Debug("ignoring unhandled event type")
		r.countEvent("unknown", "ignored")
	}
	return nil
}

// applySubscriptionEvent converges the local row onto the event's state.
// The last_event_at guard discards events older than what is already
// applied, which makes redelivery and reordering safe.
func (r *Reconciler) applySubscriptionEvent(ctx context.Context, event *processor.Event) error {
	state := event.Subscription
	if state == nil {
		r.logger.WithField("event_id", event.ID).Warn("subscription event without subscription payload")
		return nil
	}
	eventTime := event.CreatedAt.UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $2, current_period_start = $3, current_period_end = $4,
			cancel_at_period_end = $5, canceled_at = $6, trial_start = $7, trial_end = $8,
			last_event_at = $9, updated_at = NOW()
		WHERE processor_subscription_id = $1
			AND (last_event_at IS NULL OR last_event_at <= $9)`,
		state.SubscriptionRef, state.Status, state.CurrentPeriodStart, state.CurrentPeriodEnd,
		state.CancelAtPeriodEnd, state.CanceledAt, state.TrialStart, state.TrialEnd, eventTime)
	if err != nil {
		return fmt.Errorf("failed to apply subscription event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check subscription event update: %w", err)
	}
	if affected > 0 {
		r.syncPlanCode(ctx, state)
		return nil
	}

	var exists bool
	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM subscriptions WHERE processor_subscription_id = $1)`,
		state.SubscriptionRef).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check subscription existence: %w", err)
	}
	if exists {
		r.logger.WithFields(map[string]interface{}{
			"event_id":         event.ID,
			"subscription_ref": state.SubscriptionRef,
		}).Debug("discarding event older than applied state")
		return nil
	}
	return r.insertFromEvent(ctx, state, eventTime)
}

// insertFromEvent creates a local row for a subscription first seen via
// webhook (created out-of-band, or the create event beat our own insert).
// Events that cannot be mapped to a local tenant and plan are logged and
// acknowledged.
func (r *Reconciler) insertFromEvent(ctx context.Context, state *processor.SubscriptionState, eventTime time.Time) error {
	customer, err := r.customers.GetCustomerByProcessorRef(ctx, state.CustomerRef)
	if IsNotFound(err) {
		r.logger.WithFields(map[string]interface{}{
			"subscription_ref": state.SubscriptionRef,
			"customer_ref":     state.CustomerRef,
		}).Warn("subscription event for unknown customer; ignored")
		return nil
	}
	if err != nil {
		return err
	}

	plan, err := r.catalog.GetPlanByProcessorPrice(ctx, state.PriceRef)
	if IsNotFound(err) {
		r.logger.WithFields(map[string]interface{}{
			"subscription_ref": state.SubscriptionRef,
			"price_ref":        state.PriceRef,
		}).Warn("subscription event for unknown price; ignored")
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (tenant_id, plan_code, processor_subscription_id, status,
			current_period_start, current_period_end, cancel_at_period_end, canceled_at,
			trial_start, trial_end, last_event_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '{}')
		ON CONFLICT (processor_subscription_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			canceled_at = EXCLUDED.canceled_at,
			trial_start = EXCLUDED.trial_start,
			trial_end = EXCLUDED.trial_end,
			last_event_at = EXCLUDED.last_event_at,
			updated_at = NOW()
		WHERE subscriptions.last_event_at IS NULL OR subscriptions.last_event_at <= EXCLUDED.last_event_at`,
		customer.TenantID, plan.Code, state.SubscriptionRef, state.Status,
		state.CurrentPeriodStart, state.CurrentPeriodEnd, state.CancelAtPeriodEnd, state.CanceledAt,
		state.TrialStart, state.TrialEnd, eventTime)
	if err != nil {
		if uniqueViolation(err, "idx_subscriptions_tenant_live") {
			r.logger.WithFields(map[string]interface{}{
				"tenant_id":        customer.TenantID,
				"subscription_ref": state.SubscriptionRef,
			}).Error("webhook subscription conflicts with the tenant's live subscription; ignored")
			if r.metrics != nil {
				r.metrics.StateDrift.WithLabelValues("webhook_insert").Inc()
			}
			return nil
		}
		return fmt.Errorf("failed to insert subscription from event: %w", err)
	}
	return nil
}

// syncPlanCode points the row at the plan matching the event's price, when
// that price is known. A price change through an unknown price keeps the
// old plan code and is logged for the operator.
func (r *Reconciler) syncPlanCode(ctx context.Context, state *processor.SubscriptionState) {
	if state.PriceRef == "" {
		return
	}
	plan, err := r.catalog.GetPlanByProcessorPrice(ctx, state.PriceRef)
	if err != nil {
		if IsNotFound(err) {
			r.logger.WithFields(map[string]interface{}{
				"subscription_ref": state.SubscriptionRef,
				"price_ref":        state.PriceRef,
			}).Warn("subscription price does not match any local plan")
		} else {
			r.logger.WithError(err).Warn("failed to resolve plan for subscription price")
		}
		return
	}
	if _, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET plan_code = $2, updated_at = NOW()
		WHERE processor_subscription_id = $1 AND plan_code <> $2`,
		state.SubscriptionRef, plan.Code); err != nil {
		r.logger.WithError(err).Warn("failed to update subscription plan code")
	}
}

func (r *Reconciler) applyCustomerUpdate(ctx context.Context, event *processor.Event, log *observability.Logger) error {
	update := event.Customer
	if update == nil {
		log.Warn("customer event without customer payload")
		return nil
	}
	err := r.customers.UpdateContact(ctx, update.CustomerRef, update.Email, update.Name)
	if IsNotFound(err) {
		log.WithField("customer_ref", update.CustomerRef).Debug("customer update for unknown customer; ignored")
		return nil
	}
	return err
}

// schedulePaymentMethodSync refreshes the tenant's payment method
// snapshots off the webhook path. The webhook payload itself is not
// trusted for snapshot contents; the sync pulls the authoritative list.
func (r *Reconciler) schedulePaymentMethodSync(event *processor.Event, log *observability.Logger) {
	customerRef := event.CustomerRef
	if customerRef == "" {
		log.Debug("payment method event without customer; skipping sync")
		return
	}
	async.SafeGo(context.Background(), paymentMethodSyncTimeout, "payment method sync", func(ctx context.Context) error {
		customer, err := r.customers.GetCustomerByProcessorRef(ctx, customerRef)
		if IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return r.methods.SyncFromProcessor(ctx, customer.TenantID)
	})
}

func (r *Reconciler) countEvent(eventType, outcome string) {
	if r.metrics != nil {
		r.metrics.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	}
}
