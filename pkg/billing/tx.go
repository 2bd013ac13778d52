package billing

import (
	"context"
	"database/sql"
	"fmt"
)

// withTx runs fn inside a transaction. The transaction is rolled back on
// any error from fn and committed otherwise. Callers must complete all
// remote processor calls before entering withTx; a transaction is never
// held open across network I/O.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
