// Package engine defines the contract between the action pipeline and the
// per-game rules.  Engines are pure: they read a table snapshot and
// describe the next one plus the balance changes it implies.  They never
// touch the store, the ledger or the locks.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/iliyamo/gametable/internal/model"
)

// ErrUnknownGame is returned by Registry.Get for unregistered names.
var ErrUnknownGame = errors.New("engine: unknown game")

// ValidationError is a business-rule rejection.  Message is safe to show
// to end users.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Reject builds a ValidationError.
func Reject(code, format string, args ...interface{}) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsValidation extracts a ValidationError from err's chain.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Config carries the parameters of a new table.
type Config struct {
	TableID string
	Seats   int
	Options map[string]string
	// Seed is fresh table randomness.  Engines that shuffle or draw
	// derive from it; its commitment is published in the table state.
	Seed []byte
}

// Plan lists the users whose balances an action may change.  The pipeline
// locks their balance keys before the action runs.
type Plan struct {
	Users []uint64
}

// TouchesBalance reports whether the action may move money.
func (p Plan) TouchesBalance() bool { return len(p.Users) > 0 }

// Input is what Apply receives.  State is a private copy the engine may
// modify and return.
type Input struct {
	State    *model.TableState
	Actor    uint64
	Action   string
	Balances map[uint64]int64
}

// Delta is a signed balance change requested by an engine.
type Delta struct {
	UserID uint64 `json:"user_id"`
	Amount int64  `json:"amount"`
}

// Outcome is the result of a valid action.
type Outcome struct {
	State  *model.TableState
	Deltas []Delta
}

// Engine implements the rules of one game.
type Engine interface {
	Name() string
	// Init lays out a fresh table.
	Init(cfg Config) (*model.TableState, error)
	// Plan inspects an action before any lock is taken.  Malformed
	// actions are rejected here with a ValidationError.
	Plan(actor uint64, action string) (Plan, error)
	// Apply runs the action against the locked state.
	Apply(ctx context.Context, in Input) (Outcome, error)
	// CanClose rejects closing a table that still holds chips.
	CanClose(state *model.TableState) error
}
