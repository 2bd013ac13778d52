package billing

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all billing migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create subscription_plans table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscription_plans (
					code VARCHAR(100) PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					processor_price_id VARCHAR(255) NOT NULL DEFAULT '',
					amount_cents BIGINT NOT NULL,
					currency VARCHAR(3) NOT NULL,
					billing_interval VARCHAR(10) NOT NULL,
					interval_count INT NOT NULL DEFAULT 1,
					trial_days INT NOT NULL DEFAULT 0,
					features JSONB NOT NULL DEFAULT '{}',
					limits JSONB NOT NULL DEFAULT '{}',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_subscription_plans_price
					ON subscription_plans(processor_price_id)
					WHERE processor_price_id <> '';
				CREATE INDEX idx_subscription_plans_active ON subscription_plans(active);
			`,
		},
		{
			Version:     2,
			Description: "Create billing_customers table",
			SQL: `
				CREATE TABLE IF NOT EXISTS billing_customers (
					tenant_id BIGINT PRIMARY KEY,
					processor_customer_id VARCHAR(255) NOT NULL UNIQUE,
					email VARCHAR(255) NOT NULL DEFAULT '',
					name VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     3,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					plan_code VARCHAR(100) NOT NULL REFERENCES subscription_plans(code),
					processor_subscription_id VARCHAR(255) NOT NULL UNIQUE,
					status VARCHAR(30) NOT NULL,
					current_period_start TIMESTAMP,
					current_period_end TIMESTAMP,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					canceled_at TIMESTAMP,
					trial_start TIMESTAMP,
					trial_end TIMESTAMP,
					last_event_at TIMESTAMP,
					metadata JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_subscriptions_tenant_live
					ON subscriptions(tenant_id)
					WHERE status IN ('active', 'trialing', 'past_due');
				CREATE INDEX idx_subscriptions_tenant_id ON subscriptions(tenant_id);
				CREATE INDEX idx_subscriptions_status ON subscriptions(status);
			`,
		},
		{
			Version:     4,
			Description: "Create payment_methods table",
			SQL: `
				CREATE TABLE IF NOT EXISTS payment_methods (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					processor_method_id VARCHAR(255) NOT NULL UNIQUE,
					method_type VARCHAR(20) NOT NULL,
					card_brand VARCHAR(50),
					card_last4 VARCHAR(4),
					card_exp_month INT,
					card_exp_year INT,
					bank_name VARCHAR(255),
					bank_last4 VARCHAR(4),
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_payment_methods_tenant_default
					ON payment_methods(tenant_id)
					WHERE is_default;
				CREATE INDEX idx_payment_methods_tenant_id ON payment_methods(tenant_id);
			`,
		},
		{
			Version:     5,
			Description: "Create usage_records table",
			SQL: `
				CREATE TABLE IF NOT EXISTS usage_records (
					id UUID PRIMARY KEY,
					tenant_id BIGINT NOT NULL,
					subscription_id BIGINT REFERENCES subscriptions(id),
					metric VARCHAR(100) NOT NULL,
					quantity BIGINT NOT NULL CHECK (quantity >= 0),
					recorded_at TIMESTAMP NOT NULL,
					metadata JSONB NOT NULL DEFAULT '{}',
					idempotency_key VARCHAR(255) NOT NULL UNIQUE,
					forward_status VARCHAR(20) NOT NULL DEFAULT 'pending',
					forward_attempts INT NOT NULL DEFAULT 0,
					next_attempt_at TIMESTAMP,
					forwarded_at TIMESTAMP,
					processor_usage_ref VARCHAR(255),
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_usage_records_tenant_metric_time
					ON usage_records(tenant_id, metric, recorded_at);
				CREATE INDEX idx_usage_records_forwarding
					ON usage_records(forward_status, next_attempt_at);
			`,
		},
	}
}

// RunMigrations applies all pending billing migrations to the database
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return applyMigrations(ctx, db, GetMigrations())
}

func applyMigrations(ctx context.Context, db *sql.DB, migrations []Migration) error {
	// Create migration tracking table
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get applied migrations
	rows, err := db.QueryContext(ctx, "SELECT version FROM billing_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	// Run pending migrations
	for _, migration := range migrations {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO billing_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
