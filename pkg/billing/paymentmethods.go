package billing

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/turnstile/pkg/observability"
	"github.com/platinummonkey/turnstile/pkg/processor"
)

const paymentMethodColumns = `id, tenant_id, processor_method_id, method_type, card_brand,
	card_last4, card_exp_month, card_exp_year, bank_name, bank_last4, is_default,
	created_at, updated_at`

// defaultExpiryWindow is how far ahead the expiring-card sweep looks.
const defaultExpiryWindow = 30 * 24 * time.Hour

// PostgresPaymentMethodRegistry implements PaymentMethodRegistry backed by
// PostgreSQL. Local rows are display snapshots; the processor stores the
// actual instruments. Default changes go remote first so a local failure
// leaves the processor authoritative and the drift visible.
type PostgresPaymentMethodRegistry struct {
	db        *sql.DB
	customers CustomerDirectory
	proc      processor.Processor
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewPostgresPaymentMethodRegistry creates a new payment method registry.
// The metrics argument may be nil.
func NewPostgresPaymentMethodRegistry(db *sql.DB, customers CustomerDirectory, proc processor.Processor, logger *observability.Logger, metrics *observability.Metrics) *PostgresPaymentMethodRegistry {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &PostgresPaymentMethodRegistry{
		db:        db,
		customers: customers,
		proc:      proc,
		logger:    logger,
		metrics:   metrics,
	}
}

// AddPaymentMethod attaches a processor-tokenized payment method to the
// tenant's customer and stores a display snapshot. The tenant must already
// have a billing customer.
func (r *PostgresPaymentMethodRegistry) AddPaymentMethod(ctx context.Context, tenantID int64, req *AddPaymentMethodRequest) (*PaymentMethod, error) {
	if req == nil || req.ProcessorMethodID == "" {
		return nil, &ValidationError{Field: "processor_method_id", Reason: "is required"}
	}

	customer, err := r.customers.GetCustomer(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	details, err := r.proc.AttachPaymentMethod(ctx, customer.ProcessorCustomerID, req.ProcessorMethodID)
	if err != nil {
		return nil, wrapProcessorErr("attach payment method", err)
	}

	pm := &PaymentMethod{
		TenantID:          tenantID,
		ProcessorMethodID: details.MethodRef,
		Type:              PaymentMethodType(details.Type),
		CardBrand:         details.CardBrand,
		CardLast4:         details.CardLast4,
		CardExpMonth:      details.CardExpMonth,
		CardExpYear:       details.CardExpYear,
		BankName:          details.BankName,
		BankLast4:         details.BankLast4,
	}
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO payment_methods (tenant_id, processor_method_id, method_type,
			card_brand, card_last4, card_exp_month, card_exp_year, bank_name, bank_last4)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		pm.TenantID, pm.ProcessorMethodID, pm.Type, pm.CardBrand, pm.CardLast4,
		pm.CardExpMonth, pm.CardExpYear, pm.BankName, pm.BankLast4,
	).Scan(&pm.ID, &pm.CreatedAt, &pm.UpdatedAt)
	if err != nil {
		if uniqueViolation(err, "") {
			return nil, &ConflictError{
				Resource: "payment method",
				Reason:   fmt.Sprintf("processor method %s is already attached", details.MethodRef),
			}
		}
		return nil, fmt.Errorf("failed to store payment method: %w", err)
	}

	if req.SetDefault {
		if err := r.SetDefaultPaymentMethod(ctx, tenantID, pm.ID); err != nil {
			return nil, err
		}
		pm.IsDefault = true
	}
	return pm, nil
}

// ListPaymentMethods returns the tenant's payment methods, default first.
func (r *PostgresPaymentMethodRegistry) ListPaymentMethods(ctx context.Context, tenantID int64) ([]*PaymentMethod, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paymentMethodColumns+`
		FROM payment_methods
		WHERE tenant_id = $1
		ORDER BY is_default DESC, created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	defer rows.Close()

	var methods []*PaymentMethod
	for rows.Next() {
		pm, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		methods = append(methods, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment methods: %w", err)
	}
	return methods, nil
}

// ListExpiringPaymentMethods returns cards whose expiry falls within the
// window. A card is valid through the last day of its expiry month, so the
// comparison is by calendar month, not timestamp distance. tenantID 0
// scans all tenants.
func (r *PostgresPaymentMethodRegistry) ListExpiringPaymentMethods(ctx context.Context, tenantID int64, within time.Duration) ([]*PaymentMethod, error) {
	if within <= 0 {
		within = defaultExpiryWindow
	}

	query := `
		SELECT ` + paymentMethodColumns + `
		FROM payment_methods
		WHERE method_type = 'card'`
	var args []interface{}
	if tenantID > 0 {
		query += ` AND tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` ORDER BY card_exp_year, card_exp_month, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list card payment methods: %w", err)
	}
	defer rows.Close()

	cutoff := time.Now().UTC().Add(within)
	var expiring []*PaymentMethod
	for rows.Next() {
		pm, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		if !cardExpiryBoundary(pm).After(cutoff) {
			expiring = append(expiring, pm)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment methods: %w", err)
	}
	return expiring, nil
}

// SetDefaultPaymentMethod makes a stored method the tenant's default. The
// processor is updated first; the local clear-then-set runs in one
// transaction so no reader observes two defaults.
func (r *PostgresPaymentMethodRegistry) SetDefaultPaymentMethod(ctx context.Context, tenantID, paymentMethodID int64) error {
	pm, err := r.getPaymentMethod(ctx, tenantID, paymentMethodID)
	if err != nil {
		return err
	}
	if pm.IsDefault {
		return nil
	}

	customer, err := r.customers.GetCustomer(ctx, tenantID)
	if err != nil {
		return err
	}

	if err := r.proc.SetDefaultPaymentMethod(ctx, customer.ProcessorCustomerID, pm.ProcessorMethodID); err != nil {
		return wrapProcessorErr("set default payment method", err)
	}

	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE payment_methods SET is_default = FALSE, updated_at = NOW()
			WHERE tenant_id = $1 AND is_default`, tenantID); err != nil {
			return fmt.Errorf("failed to clear default payment method: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE payment_methods SET is_default = TRUE, updated_at = NOW()
			WHERE id = $1 AND tenant_id = $2`, paymentMethodID, tenantID)
		if err != nil {
			return fmt.Errorf("failed to set default payment method: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check default payment method update: %w", err)
		}
		if affected == 0 {
			return &NotFoundError{Resource: "payment method", Key: strconv.FormatInt(paymentMethodID, 10)}
		}
		return nil
	})
	if err != nil {
		r.logDrift("set_default_payment_method", tenantID, err)
		return err
	}
	return nil
}

// RemovePaymentMethod detaches a method remotely and deletes the local
// snapshot. The default method of a tenant with a live subscription cannot
// be removed; promote another method first.
func (r *PostgresPaymentMethodRegistry) RemovePaymentMethod(ctx context.Context, tenantID, paymentMethodID int64) error {
	pm, err := r.getPaymentMethod(ctx, tenantID, paymentMethodID)
	if err != nil {
		return err
	}

	if pm.IsDefault {
		_, err := liveSubscription(ctx, r.db, tenantID)
		if err == nil {
			return &ConflictError{
				Resource: "payment method",
				Reason:   "cannot remove the default payment method while a subscription is live",
			}
		}
		if !IsNotFound(err) {
			return err
		}
	}

	if err := r.proc.DetachPaymentMethod(ctx, pm.ProcessorMethodID); err != nil {
		return wrapProcessorErr("detach payment method", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM payment_methods WHERE id = $1 AND tenant_id = $2`,
		paymentMethodID, tenantID); err != nil {
		r.logDrift("remove_payment_method", tenantID, err)
		return fmt.Errorf("failed to delete payment method: %w", err)
	}
	return nil
}

// SyncFromProcessor reconciles the tenant's local snapshots against the
// processor's authoritative list: stale rows are deleted, current methods
// upserted and the default re-pointed, all in one transaction. The remote
// read happens before the transaction opens.
func (r *PostgresPaymentMethodRegistry) SyncFromProcessor(ctx context.Context, tenantID int64) error {
	customer, err := r.customers.GetCustomer(ctx, tenantID)
	if err != nil {
		return err
	}

	remote, defaultRef, err := r.proc.ListPaymentMethods(ctx, customer.ProcessorCustomerID)
	if err != nil {
		r.countSync("failure")
		return wrapProcessorErr("list payment methods", err)
	}

	refs := make([]string, 0, len(remote))
	for _, details := range remote {
		refs = append(refs, details.MethodRef)
	}

	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM payment_methods
			WHERE tenant_id = $1 AND NOT (processor_method_id = ANY($2))`,
			tenantID, pq.Array(refs)); err != nil {
			return fmt.Errorf("failed to delete stale payment methods: %w", err)
		}

		for _, details := range remote {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO payment_methods (tenant_id, processor_method_id, method_type,
					card_brand, card_last4, card_exp_month, card_exp_year, bank_name, bank_last4)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (processor_method_id) DO UPDATE SET
					method_type = EXCLUDED.method_type,
					card_brand = EXCLUDED.card_brand,
					card_last4 = EXCLUDED.card_last4,
					card_exp_month = EXCLUDED.card_exp_month,
					card_exp_year = EXCLUDED.card_exp_year,
					bank_name = EXCLUDED.bank_name,
					bank_last4 = EXCLUDED.bank_last4,
					updated_at = NOW()`,
				tenantID, details.MethodRef, details.Type, details.CardBrand, details.CardLast4,
				details.CardExpMonth, details.CardExpYear, details.BankName, details.BankLast4); err != nil {
				return fmt.Errorf("failed to upsert payment method %s: %w", details.MethodRef, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE payment_methods SET is_default = FALSE, updated_at = NOW()
			WHERE tenant_id = $1 AND is_default`, tenantID); err != nil {
			return fmt.Errorf("failed to clear default payment method: %w", err)
		}
		if defaultRef != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE payment_methods SET is_default = TRUE, updated_at = NOW()
				WHERE tenant_id = $1 AND processor_method_id = $2`,
				tenantID, defaultRef); err != nil {
				return fmt.Errorf("failed to set default payment method: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		r.countSync("failure")
		return err
	}

	r.logger.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"methods":   len(remote),
	}).Debug("payment methods synced from processor")
	r.countSync("success")
	return nil
}

func (r *PostgresPaymentMethodRegistry) getPaymentMethod(ctx context.Context, tenantID, paymentMethodID int64) (*PaymentMethod, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+paymentMethodColumns+`
		FROM payment_methods
		WHERE id = $1 AND tenant_id = $2`, paymentMethodID, tenantID)
	pm, err := scanPaymentMethod(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "payment method", Key: strconv.FormatInt(paymentMethodID, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment method: %w", err)
	}
	return pm, nil
}

func (r *PostgresPaymentMethodRegistry) logDrift(op string, tenantID int64, err error) {
	r.logger.WithFields(map[string]interface{}{
		"operation": op,
		"tenant_id": tenantID,
	}).WithError(err).Error("local write failed after successful processor call; state drift until reconciled")
	if r.metrics != nil {
		r.metrics.StateDrift.WithLabelValues(op).Inc()
	}
}

func (r *PostgresPaymentMethodRegistry) countSync(outcome string) {
	if r.metrics != nil {
		r.metrics.PaymentMethodSyncs.WithLabelValues(outcome).Inc()
	}
}

// cardExpiryBoundary returns the first instant at which a card is expired:
// midnight UTC on the first day of the month after its expiry month.
func cardExpiryBoundary(pm *PaymentMethod) time.Time {
	return time.Date(pm.CardExpYear, time.Month(pm.CardExpMonth), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

func scanPaymentMethod(row rowScanner) (*PaymentMethod, error) {
	var pm PaymentMethod
	var cardBrand, cardLast4, bankName, bankLast4 sql.NullString
	var expMonth, expYear sql.NullInt64
	err := row.Scan(
		&pm.ID, &pm.TenantID, &pm.ProcessorMethodID, &pm.Type, &cardBrand,
		&cardLast4, &expMonth, &expYear, &bankName, &bankLast4, &pm.IsDefault,
		&pm.CreatedAt, &pm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pm.CardBrand = cardBrand.String
	pm.CardLast4 = cardLast4.String
	pm.CardExpMonth = int(expMonth.Int64)
	pm.CardExpYear = int(expYear.Int64)
	pm.BankName = bankName.String
	pm.BankLast4 = bankLast4.String
	return &pm, nil
}
