package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/gametable/internal/model"
)

// TableArchiveRepo stores the final snapshot of closed tables.  One row
// per (table_id, version); archiving the same version twice reports
// ErrDuplicate so a retried close can carry on to the delete step.
type TableArchiveRepo struct {
	db *sql.DB
}

// NewTableArchiveRepo returns a new TableArchiveRepo bound to the given database.
func NewTableArchiveRepo(db *sql.DB) *TableArchiveRepo { return &TableArchiveRepo{db: db} }

// Archive inserts a snapshot unless that table version is already stored.
func (r *TableArchiveRepo) Archive(ctx context.Context, a *model.TableArchive) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM table_archives WHERE table_id = ? AND version = ?`,
		a.TableID, a.Version,
	).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrDuplicate
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO table_archives (table_id, version, game, state, closed_at) VALUES (?, ?, ?, ?, ?)`,
		a.TableID, a.Version, a.Game, string(a.State), toMillis(a.ClosedAt),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Latest returns the newest archived snapshot of a table, or sql.ErrNoRows.
func (r *TableArchiveRepo) Latest(ctx context.Context, tableID string) (*model.TableArchive, error) {
	var (
		a        model.TableArchive
		state    string
		closedAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT table_id, version, game, state, closed_at FROM table_archives
		 WHERE table_id = ? ORDER BY version DESC LIMIT 1`, tableID,
	).Scan(&a.TableID, &a.Version, &a.Game, &state, &closedAt)
	if err != nil {
		return nil, err
	}
	a.State = []byte(state)
	a.ClosedAt = fromMillis(closedAt)
	return &a, nil
}
