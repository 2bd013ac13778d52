package billing

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/platinummonkey/turnstile/pkg/processor"
)

const customerColumns = `tenant_id, processor_customer_id, email, name, created_at, updated_at`

// PostgresCustomerDirectory implements CustomerDirectory backed by
// PostgreSQL. Processor customers are created lazily on first touch.
type PostgresCustomerDirectory struct {
	db   *sql.DB
	proc processor.Processor
}

// NewPostgresCustomerDirectory creates a new PostgreSQL-backed customer
// directory.
func NewPostgresCustomerDirectory(db *sql.DB, proc processor.Processor) *PostgresCustomerDirectory {
	return &PostgresCustomerDirectory{db: db, proc: proc}
}

// EnsureCustomer returns the tenant's billing customer, creating the
// processor customer and the local row on first touch. Safe under
// concurrent first touches: the loser of the insert race returns the
// winner's row.
func (d *PostgresCustomerDirectory) EnsureCustomer(ctx context.Context, tenantID int64, email, name string) (*Customer, error) {
	customer, err := d.GetCustomer(ctx, tenantID)
	if err == nil {
		return customer, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	processorRef, err := d.proc.CreateCustomer(ctx, tenantID, email, name)
	if err != nil {
		return nil, wrapProcessorErr("create customer", err)
	}

	created := &Customer{
		TenantID:            tenantID,
		ProcessorCustomerID: processorRef,
		Email:               email,
		Name:                name,
	}
	err = d.db.QueryRowContext(ctx, `
		INSERT INTO billing_customers (tenant_id, processor_customer_id, email, name)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		tenantID, processorRef, email, name,
	).Scan(&created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		if uniqueViolation(err, "") {
			// Lost a concurrent first touch; the winner's row is authoritative.
			return d.GetCustomer(ctx, tenantID)
		}
		return nil, fmt.Errorf("failed to store billing customer: %w", err)
	}
	return created, nil
}

// GetCustomer returns the tenant's billing customer.
func (d *PostgresCustomerDirectory) GetCustomer(ctx context.Context, tenantID int64) (*Customer, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM billing_customers WHERE tenant_id = $1`, tenantID)
	customer, err := scanCustomer(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "billing customer", Key: strconv.FormatInt(tenantID, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing customer: %w", err)
	}
	return customer, nil
}

// GetCustomerByProcessorRef resolves a processor customer reference back to
// the local record. Used by webhook reconciliation.
func (d *PostgresCustomerDirectory) GetCustomerByProcessorRef(ctx context.Context, processorRef string) (*Customer, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM billing_customers WHERE processor_customer_id = $1`, processorRef)
	customer, err := scanCustomer(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "billing customer", Key: processorRef}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing customer by ref: %w", err)
	}
	return customer, nil
}

// UpdateContact refreshes the denormalized email/name for the customer with
// the given processor reference. Empty fields keep their current values.
func (d *PostgresCustomerDirectory) UpdateContact(ctx context.Context, processorRef, email, name string) error {
	result, err := d.db.ExecContext(ctx, `
		UPDATE billing_customers
		SET email = COALESCE(NULLIF($2, ''), email),
			name = COALESCE(NULLIF($3, ''), name),
			updated_at = NOW()
		WHERE processor_customer_id = $1`,
		processorRef, email, name)
	if err != nil {
		return fmt.Errorf("failed to update customer contact: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check contact update result: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{Resource: "billing customer", Key: processorRef}
	}
	return nil
}

func scanCustomer(row rowScanner) (*Customer, error) {
	var customer Customer
	err := row.Scan(
		&customer.TenantID, &customer.ProcessorCustomerID, &customer.Email,
		&customer.Name, &customer.CreatedAt, &customer.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &customer, nil
}
