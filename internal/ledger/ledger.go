// Package ledger applies balance changes atomically and with an audit
// trail.  Each change updates the cached balance and appends one
// immutable ledger entry inside a single serializable transaction, so the
// sum of a user's entries always equals their balance.
//
// Callers must hold the user's balance lock while calling the mutating
// methods.  The transaction isolation protects the SQL rows; the lock
// keeps the surrounding read-decide-write sequence of the caller
// exclusive.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/iliyamo/gametable/internal/metrics"
	"github.com/iliyamo/gametable/internal/model"
	"github.com/iliyamo/gametable/internal/repository"
)

var (
	// ErrInsufficientFunds is returned when a debit would take a balance
	// below zero.  Nothing is written.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrZeroAmount rejects deltas that would not change anything.
	ErrZeroAmount = errors.New("ledger: amount must be non-zero")
	// ErrDuplicateReference reports that the (user, reference) pair was
	// applied before.  The returned balance is the one recorded then.
	ErrDuplicateReference = errors.New("ledger: reference already applied")
	// ErrInvalidDelta covers a missing user or reference.
	ErrInvalidDelta = errors.New("ledger: invalid delta")
	// ErrReferenceMismatch means referenceID was recorded before with
	// different users or amounts.  Nothing is written.
	ErrReferenceMismatch = errors.New("ledger: reference reused with different deltas")
	// ErrBalanceOverflow rejects credits a balance cannot represent.
	ErrBalanceOverflow = errors.New("ledger: balance overflow")
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Delta is one signed balance change.
type Delta struct {
	UserID uint64 `json:"user_id"`
	Amount int64  `json:"amount"`
}

// Applied describes the outcome of one delta.
type Applied struct {
	UserID        uint64 `json:"user_id"`
	Amount        int64  `json:"amount"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
	EntryID       string `json:"entry_id"`
	// Replayed is true when the entry already existed and nothing new
	// was written.
	Replayed bool `json:"replayed"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the structured logger.
func WithLogger(l pslog.Logger) Option {
	return func(led *Ledger) {
		if l != nil {
			led.logger = l
		}
	}
}

// WithMetrics records applied entries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(led *Ledger) { led.metrics = m }
}

// WithIsolation overrides the transaction isolation level.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(led *Ledger) { led.isolation = level }
}

// Ledger is the SQL-backed balance ledger.
type Ledger struct {
	db        *sql.DB
	balances  *repository.BalanceRepo
	entries   *repository.LedgerRepo
	isolation sql.IsolationLevel
	logger    pslog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New returns a Ledger over db.  The schema must already exist.
func New(db *sql.DB, opts ...Option) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("ledger: db is required")
	}
	l := &Ledger{
		db:        db,
		balances:  repository.NewBalanceRepo(db),
		entries:   repository.NewLedgerRepo(db),
		isolation: sql.LevelSerializable,
		logger:    pslog.NoopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// ApplyDelta changes one user's balance by amount and returns the new
// balance.  A repeated referenceID for the same user returns the balance
// recorded the first time together with ErrDuplicateReference.
func (l *Ledger) ApplyDelta(ctx context.Context, userID uint64, amount int64, referenceID string) (int64, error) {
	applied, err := l.ApplyDeltas(ctx, []Delta{{UserID: userID, Amount: amount}}, referenceID)
	if err != nil {
		return 0, err
	}
	if len(applied) != 1 {
		return 0, fmt.Errorf("ledger: expected one applied delta, got %d", len(applied))
	}
	if applied[0].Replayed {
		return applied[0].BalanceAfter, fmt.Errorf("%w: user %d reference %s", ErrDuplicateReference, userID, referenceID)
	}
	return applied[0].BalanceAfter, nil
}

// ApplyDeltas applies every delta in one transaction: either all of them
// are recorded or none.  Deltas for the same user are merged first and a
// net-zero result is dropped; the rest are applied in user id order.
// A referenceID seen before is only accepted when the merged deltas are
// exactly the recorded ones; they are then reported as Replayed and
// nothing is written.  Any other reuse fails with ErrReferenceMismatch.
func (l *Ledger) ApplyDeltas(ctx context.Context, deltas []Delta, referenceID string) ([]Applied, error) {
	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return nil, fmt.Errorf("%w: reference id is required", ErrInvalidDelta)
	}
	merged, err := merge(deltas)
	if err != nil {
		return nil, err
	}
	if len(merged) == 0 {
		return []Applied{}, nil
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: l.isolation})
	if err != nil {
		return nil, fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback()

	now := l.now().UTC()
	out := make([]Applied, 0, len(merged))
	for _, d := range merged {
		a, err := l.applyTx(ctx, tx, d, referenceID, now)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := l.checkReplay(ctx, tx, out, referenceID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit %s: %w", referenceID, err)
	}

	for _, a := range out {
		if a.Replayed {
			l.logger.Info("ledger.delta.replayed", "user_id", a.UserID, "reference_id", referenceID)
			continue
		}
		l.metrics.LedgerEntry(a.Amount)
		l.logger.Debug("ledger.delta.applied",
			"user_id", a.UserID, "amount", a.Amount,
			"balance_before", a.BalanceBefore, "balance_after", a.BalanceAfter,
			"reference_id", referenceID)
	}
	return out, nil
}

func (l *Ledger) applyTx(ctx context.Context, tx *sql.Tx, d Delta, referenceID string, now time.Time) (Applied, error) {
	existing, err := l.entries.FindByReferenceTx(ctx, tx, d.UserID, referenceID)
	switch {
	case err == nil:
		if existing.Amount != d.Amount {
			return Applied{}, fmt.Errorf("%w: %s recorded %d for user %d, got %d",
				ErrReferenceMismatch, referenceID, existing.Amount, d.UserID, d.Amount)
		}
		return Applied{
			UserID:        d.UserID,
			Amount:        existing.Amount,
			BalanceBefore: existing.BalanceBefore,
			BalanceAfter:  existing.BalanceAfter,
			EntryID:       existing.ID,
			Replayed:      true,
		}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Applied{}, fmt.Errorf("ledger: check reference for user %d: %w", d.UserID, err)
	}

	current, exists, err := l.balances.GetTx(ctx, tx, d.UserID)
	if err != nil {
		return Applied{}, fmt.Errorf("ledger: read balance of user %d: %w", d.UserID, err)
	}
	if d.Amount > 0 && current > math.MaxInt64-d.Amount {
		return Applied{}, fmt.Errorf("%w: user %d has %d, credit %d", ErrBalanceOverflow, d.UserID, current, d.Amount)
	}
	next := current + d.Amount
	if d.Amount < 0 && next < 0 {
		return Applied{}, fmt.Errorf("%w: user %d has %d, needs %d", ErrInsufficientFunds, d.UserID, current, -d.Amount)
	}
	if exists {
		err = l.balances.UpdateTx(ctx, tx, d.UserID, current, next, now)
	} else {
		err = l.balances.CreateTx(ctx, tx, d.UserID, next, now)
	}
	if err != nil {
		return Applied{}, fmt.Errorf("ledger: write balance of user %d: %w", d.UserID, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Applied{}, fmt.Errorf("ledger: entry id: %w", err)
	}
	entry := &model.LedgerEntry{
		ID:            id.String(),
		UserID:        d.UserID,
		Amount:        d.Amount,
		BalanceBefore: current,
		BalanceAfter:  next,
		ReferenceID:   referenceID,
		CreatedAt:     now,
	}
	if err := l.entries.InsertTx(ctx, tx, entry); err != nil {
		return Applied{}, fmt.Errorf("ledger: insert entry for user %d: %w", d.UserID, err)
	}
	return Applied{
		UserID:        d.UserID,
		Amount:        d.Amount,
		BalanceBefore: current,
		BalanceAfter:  next,
		EntryID:       entry.ID,
	}, nil
}

// checkReplay makes a reference all-new or an exact repeat.  A partial
// repeat, or one that adds or leaves out users, means the caller is
// reusing the reference for a different change.
func (l *Ledger) checkReplay(ctx context.Context, tx *sql.Tx, applied []Applied, referenceID string) error {
	replayed := 0
	for _, a := range applied {
		if a.Replayed {
			replayed++
		}
	}
	if replayed != 0 && replayed != len(applied) {
		return fmt.Errorf("%w: %s recorded for %d of %d users", ErrReferenceMismatch, referenceID, replayed, len(applied))
	}
	n, err := l.entries.CountByReferenceTx(ctx, tx, referenceID)
	if err != nil {
		return fmt.Errorf("ledger: count reference %s: %w", referenceID, err)
	}
	if n != len(applied) {
		return fmt.Errorf("%w: %s has %d entries, got %d deltas", ErrReferenceMismatch, referenceID, n, len(applied))
	}
	return nil
}

func merge(deltas []Delta) ([]Delta, error) {
	sums := make(map[uint64]int64, len(deltas))
	for _, d := range deltas {
		if d.UserID == 0 {
			return nil, fmt.Errorf("%w: user id is required", ErrInvalidDelta)
		}
		if d.Amount == 0 {
			return nil, fmt.Errorf("%w: user %d", ErrZeroAmount, d.UserID)
		}
		sum := sums[d.UserID]
		if (d.Amount > 0 && sum > math.MaxInt64-d.Amount) || (d.Amount < 0 && sum < math.MinInt64-d.Amount) {
			return nil, fmt.Errorf("%w: deltas for user %d", ErrBalanceOverflow, d.UserID)
		}
		sums[d.UserID] = sum + d.Amount
	}
	out := make([]Delta, 0, len(sums))
	for id, amount := range sums {
		if amount != 0 {
			out = append(out, Delta{UserID: id, Amount: amount})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Balance returns a user's current balance; unknown users have 0.
func (l *Ledger) Balance(ctx context.Context, userID uint64) (int64, error) {
	b, err := l.balances.Get(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: balance of user %d: %w", userID, err)
	}
	return b.Balance, nil
}

// Balances returns the balance of every requested user, 0 for unknown ones.
func (l *Ledger) Balances(ctx context.Context, userIDs []uint64) (map[uint64]int64, error) {
	found, err := l.balances.ListByUsers(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("ledger: balances: %w", err)
	}
	out := make(map[uint64]int64, len(userIDs))
	for _, id := range userIDs {
		out[id] = found[id]
	}
	return out, nil
}

// History returns a user's latest entries, newest first.  limit <= 0
// selects the default page size.
func (l *Ledger) History(ctx context.Context, userID uint64, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	entries, err := l.entries.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: history of user %d: %w", userID, err)
	}
	return entries, nil
}

// Sum adds every recorded amount of a user.  It equals Balance for a
// consistent ledger.
func (l *Ledger) Sum(ctx context.Context, userID uint64) (int64, error) {
	sum, err := l.entries.SumByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("ledger: sum of user %d: %w", userID, err)
	}
	return sum, nil
}

// Total adds up every cached balance in the store.
func (l *Ledger) Total(ctx context.Context) (int64, error) {
	total, err := l.balances.Total(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: total: %w", err)
	}
	return total, nil
}
