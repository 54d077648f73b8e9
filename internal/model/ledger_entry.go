package model

import "time"

// LedgerEntry is an immutable audit record of one balance change.  It
// corresponds to a row in the `ledger_entries` table.  Entries are never
// updated or deleted; the running sum of Amount for a user always equals
// the cached balance.
//
// Fields:
//
//	ID            – UUIDv7 primary key.
//	UserID        – owner of the balance.
//	Amount        – signed change in chips.
//	BalanceBefore – cached balance before the change.
//	BalanceAfter  – cached balance after the change.
//	ReferenceID   – the action that caused the change; unique per user.
//	CreatedAt     – UTC timestamp of the insert.
type LedgerEntry struct {
	ID            string    `json:"id"`
	UserID        uint64    `json:"user_id"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	ReferenceID   string    `json:"reference_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Balance mirrors the `balances` table: the denormalized current balance
// of a user, updated atomically with every ledger entry.
type Balance struct {
	UserID    uint64    `json:"user_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableArchive is the final snapshot of a closed table kept in the
// `table_archives` table.
type TableArchive struct {
	TableID  string    `json:"table_id"`
	Game     string    `json:"game"`
	Version  int64     `json:"version"`
	State    []byte    `json:"state"`
	ClosedAt time.Time `json:"closed_at"`
}
