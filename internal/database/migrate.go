package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is kept to the subset of SQL both MySQL and SQLite accept.
// Timestamps are unix milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS balances (
		user_id    BIGINT NOT NULL PRIMARY KEY,
		balance    BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id             VARCHAR(36)  NOT NULL PRIMARY KEY,
		user_id        BIGINT       NOT NULL,
		amount         BIGINT       NOT NULL,
		balance_before BIGINT       NOT NULL,
		balance_after  BIGINT       NOT NULL,
		reference_id   VARCHAR(191) NOT NULL,
		created_at     BIGINT       NOT NULL,
		UNIQUE (user_id, reference_id),
		UNIQUE (reference_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS table_archives (
		table_id  VARCHAR(64) NOT NULL,
		version   BIGINT      NOT NULL,
		game      VARCHAR(64) NOT NULL,
		state     MEDIUMTEXT  NOT NULL,
		closed_at BIGINT      NOT NULL,
		PRIMARY KEY (table_id, version)
	)`,
}

// Migrate creates the ledger schema when it is missing.  It is safe to
// run on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("database: migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
