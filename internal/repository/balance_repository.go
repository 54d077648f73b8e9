package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/gametable/internal/model"
)

// BalanceRepo provides access to the balances table, the cached current
// balance of every user.  A missing row means a zero balance; rows are
// created on the first credit.
type BalanceRepo struct {
	db *sql.DB
}

// NewBalanceRepo returns a new BalanceRepo bound to the given database.
func NewBalanceRepo(db *sql.DB) *BalanceRepo { return &BalanceRepo{db: db} }

// GetTx reads a user's balance inside tx.  The boolean reports whether a
// row exists; a missing row is not an error.
func (r *BalanceRepo) GetTx(ctx context.Context, tx *sql.Tx, userID uint64) (int64, bool, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM balances WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

// CreateTx inserts the first balance row for a user.
func (r *BalanceRepo) CreateTx(ctx context.Context, tx *sql.Tx, userID uint64, balance int64, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO balances (user_id, balance, updated_at) VALUES (?, ?, ?)`,
		userID, balance, toMillis(at))
	return err
}

// UpdateTx moves a user's balance from before to after.  The update is
// conditional on the stored balance still being before; ErrConflict is
// returned when no row matched.
func (r *BalanceRepo) UpdateTx(ctx context.Context, tx *sql.Tx, userID uint64, before, after int64, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE balances SET balance = ?, updated_at = ? WHERE user_id = ? AND balance = ?`,
		after, toMillis(at), userID, before)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

// Get returns the balance row of a user, or sql.ErrNoRows when the user
// has never been credited.
func (r *BalanceRepo) Get(ctx context.Context, userID uint64) (*model.Balance, error) {
	var (
		b         model.Balance
		updatedAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, balance, updated_at FROM balances WHERE user_id = ?`, userID,
	).Scan(&b.UserID, &b.Balance, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.UpdatedAt = fromMillis(updatedAt)
	return &b, nil
}

// ListByUsers returns the balances of the given users.  Users without a
// row are absent from the map.
func (r *BalanceRepo) ListByUsers(ctx context.Context, userIDs []uint64) (map[uint64]int64, error) {
	out := make(map[uint64]int64, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]interface{}, 0, len(userIDs))
	for _, id := range userIDs {
		args = append(args, id)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, balance FROM balances WHERE user_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id      uint64
			balance int64
		)
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, err
		}
		out[id] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Total sums every cached balance.  Used by conservation audits.
func (r *BalanceRepo) Total(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT SUM(balance) FROM balances`).Scan(&total); err != nil {
		return 0, err
	}
	return total.Int64, nil
}
