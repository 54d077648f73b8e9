// Package repository holds the SQL access layer for balances, ledger
// entries and archived tables.  Methods suffixed with Tx run inside a
// caller-owned transaction; the caller commits or rolls back.  Sentinel
// values below let the ledger tell "someone else changed this row" apart
// from ordinary driver failures.
package repository

import (
	"errors"
	"time"
)

// ErrConflict is returned when a conditional update matched no row
// because the stored value no longer equals the one the caller read.
// Under correct locking this never happens; the ledger aborts the
// transaction when it does.
var ErrConflict = errors.New("conflict")

// ErrDuplicate is returned when an insert would violate a uniqueness rule
// that the repository checks itself (for example an already archived
// table version).
var ErrDuplicate = errors.New("duplicate")

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
