package billing

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/turnstile/pkg/async"
	"github.com/platinummonkey/turnstile/pkg/observability"
)

// Sweeper runs the fleet-wide maintenance passes the reconciler schedules:
// processor payment method re-syncs, the expiring-card report and the
// catalog gauges. Everything else in this package operates on one tenant;
// the sweeper is the only piece that walks all of them.
type Sweeper struct {
	db      *sql.DB
	methods PaymentMethodRegistry
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewSweeper creates a sweeper. Tenant listing reads may run against a
// replica; all writes go through the registry. The metrics argument may
// be nil.
func NewSweeper(db *sql.DB, methods PaymentMethodRegistry, logger *observability.Logger, metrics *observability.Metrics) *Sweeper {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &Sweeper{db: db, methods: methods, logger: logger, metrics: metrics}
}

// LiveTenantIDs returns the tenants currently holding a live subscription,
// in ascending order.
func (s *Sweeper) LiveTenantIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM subscriptions
		WHERE status = ANY($1)
		ORDER BY tenant_id`, pq.Array(liveStatuses))
	if err != nil {
		return nil, fmt.Errorf("failed to list live tenants: %w", err)
	}
	defer rows.Close()

	var tenants []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// SyncPaymentMethods re-syncs payment methods from the processor for every
// tenant with a live subscription, at most workers tenants in flight at
// once. Returns the number of tenants synced. Tenants that fail are logged
// and skipped; the returned error reports how many failed.
func (s *Sweeper) SyncPaymentMethods(ctx context.Context, workers int, perTenant time.Duration) (int, error) {
	tenants, err := s.LiveTenantIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(tenants) == 0 {
		s.logger.Debug("Payment method sweep found no live tenants")
		return 0, nil
	}

	var mu sync.Mutex
	synced := 0

	errs := async.Batch(ctx, tenants, workers, "payment-method-sync", perTenant,
		func(ctx context.Context, tenantID int64) error {
			if err := s.methods.SyncFromProcessor(ctx, tenantID); err != nil {
				return fmt.Errorf("tenant %d: %w", tenantID, err)
			}
			mu.Lock()
			synced++
			mu.Unlock()
			return nil
		})
	for _, err := range errs {
		s.logger.WithError(err).Error("Payment method sync failed")
	}

	s.logger.WithFields(map[string]interface{}{
		"tenants": len(tenants),
		"synced":  synced,
		"failed":  len(errs),
	}).Info("Payment method sweep complete")

	if len(errs) > 0 {
		return synced, fmt.Errorf("payment method sweep: %d of %d tenants failed", len(errs), len(tenants))
	}
	return synced, nil
}

// ReportExpiringCards logs a warning for every card expiring within the
// window and returns how many it found. Delivery of customer notifications
// is left to whatever consumes the log stream.
func (s *Sweeper) ReportExpiringCards(ctx context.Context, within time.Duration) (int, error) {
	expiring, err := s.methods.ListExpiringPaymentMethods(ctx, 0, within)
	if err != nil {
		return 0, err
	}

	for _, pm := range expiring {
		s.logger.WithFields(map[string]interface{}{
			"tenant_id":         pm.TenantID,
			"payment_method_id": pm.ID,
			"brand":             pm.CardBrand,
			"last4":             pm.CardLast4,
			"expires":           fmt.Sprintf("%04d-%02d", pm.CardExpYear, pm.CardExpMonth),
			"is_default":        pm.IsDefault,
		}).Warn("Card expiring soon")
	}

	s.logger.WithField("expiring", len(expiring)).Info("Expiring card sweep complete")
	return len(expiring), nil
}

// RefreshGauges recomputes the live subscription and active plan gauges.
// No-op without metrics.
func (s *Sweeper) RefreshGauges(ctx context.Context) error {
	if s.metrics == nil {
		return nil
	}

	var live int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscriptions WHERE status = ANY($1)`,
		pq.Array(liveStatuses)).Scan(&live); err != nil {
		return fmt.Errorf("failed to count live subscriptions: %w", err)
	}
	s.metrics.SubscriptionsLive.Set(float64(live))

	var active int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscription_plans WHERE active`).Scan(&active); err != nil {
		return fmt.Errorf("failed to count active plans: %w", err)
	}
	s.metrics.PlansActive.Set(float64(active))

	return nil
}
