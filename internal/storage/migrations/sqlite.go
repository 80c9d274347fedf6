package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// RunSQLiteMigrations applies every embedded SQLite file in one transaction.
func RunSQLiteMigrations(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	err = eachStatement(SQLiteFS, "sqlite", func(file, stmt string) error {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}
