package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest rejects requests missing a table, user or action id.
	ErrInvalidRequest = errors.New("pipeline: invalid request")
	// ErrInvalidResource rejects malformed caller-supplied resource keys.
	ErrInvalidResource = errors.New("pipeline: invalid resource key")
	// ErrUnlockedResource means the engine asked to move money of a user
	// whose balance lock is not held.  Nothing is persisted.
	ErrUnlockedResource = errors.New("pipeline: balance change on unlocked resource")
	// ErrStaleState means the stored version moved although the table
	// lock was held.  That is a locking defect; it is logged and never
	// retried automatically.
	ErrStaleState = errors.New("pipeline: stale table state")
	// ErrValidationFailed wraps a rule rejection from the game engine.
	ErrValidationFailed = errors.New("pipeline: validation failed")
	// ErrTableNotFound is returned for tables that are not live.
	ErrTableNotFound = errors.New("pipeline: table not found")
	// ErrTableExists is returned by OpenTable for a live table id.
	ErrTableExists = errors.New("pipeline: table already exists")
)

// Stage is a step of the action state machine.
type Stage int

const (
	StageRequested Stage = iota
	StageLockAcquired
	StageValidated
	StageMutated
	StagePersisted
	StageReleased
	StageCompleted
	StageFailed
)

var stageNames = [...]string{
	StageRequested:    "requested",
	StageLockAcquired: "lock_acquired",
	StageValidated:    "validated",
	StageMutated:      "mutated",
	StagePersisted:    "persisted",
	StageReleased:     "released",
	StageCompleted:    "completed",
	StageFailed:       "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Failure is returned by every pipeline operation that did not complete.
// Stage is the last stage reached before the failure; Err unwraps to the
// lock, ledger or pipeline sentinel that caused it.
type Failure struct {
	Op    string
	Stage Stage
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failed after %s: %v", f.Op, f.Stage, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// StageOf returns the stage a failed operation reached, or StageCompleted
// when err is not a *Failure.
func StageOf(err error) Stage {
	var f *Failure
	if errors.As(err, &f) {
		return f.Stage
	}
	return StageCompleted
}
