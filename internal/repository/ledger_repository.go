package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/gametable/internal/model"
)

// LedgerRepo provides access to the append-only ledger_entries table.
// Rows are only ever inserted; there is deliberately no update or delete.
type LedgerRepo struct {
	db *sql.DB
}

// NewLedgerRepo returns a new LedgerRepo bound to the given database.
func NewLedgerRepo(db *sql.DB) *LedgerRepo { return &LedgerRepo{db: db} }

const ledgerColumns = `id, user_id, amount, balance_before, balance_after, reference_id, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLedgerEntry(s rowScanner) (*model.LedgerEntry, error) {
	var (
		e         model.LedgerEntry
		createdAt int64
	)
	if err := s.Scan(&e.ID, &e.UserID, &e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.ReferenceID, &createdAt); err != nil {
		return nil, err
	}
	e.CreatedAt = fromMillis(createdAt)
	return &e, nil
}

// FindByReferenceTx returns the entry a user already has for referenceID,
// or sql.ErrNoRows.  Running it inside the writing transaction makes the
// duplicate check and the insert one serializable unit.
func (r *LedgerRepo) FindByReferenceTx(ctx context.Context, tx *sql.Tx, userID uint64, referenceID string) (*model.LedgerEntry, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE user_id = ? AND reference_id = ?`,
		userID, referenceID)
	return scanLedgerEntry(row)
}

// CountByReferenceTx counts the entries recorded under referenceID for
// every user.
func (r *LedgerRepo) CountByReferenceTx(ctx context.Context, tx *sql.Tx, referenceID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE reference_id = ?`, referenceID,
	).Scan(&n)
	return n, err
}

// InsertTx appends one entry within the provided transaction.  The
// UNIQUE(user_id, reference_id) constraint backs up FindByReferenceTx.
func (r *LedgerRepo) InsertTx(ctx context.Context, tx *sql.Tx, e *model.LedgerEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (`+ledgerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Amount, e.BalanceBefore, e.BalanceAfter, e.ReferenceID, toMillis(e.CreatedAt))
	return err
}

// ListByUser returns a user's most recent entries, newest first.  Entry
// ids are UUIDv7 so ordering by id follows insertion time.
func (r *LedgerRepo) ListByUser(ctx context.Context, userID uint64, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]model.LedgerEntry, 0)
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// SumByUser adds up every amount ever recorded for a user.  For a
// consistent ledger this equals the cached balance.
func (r *LedgerRepo) SumByUser(ctx context.Context, userID uint64) (int64, error) {
	var sum sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM ledger_entries WHERE user_id = ?`, userID,
	).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}
