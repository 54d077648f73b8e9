package model

import (
	"encoding/json"
	"time"
)

// MaxAppliedActions bounds how many recent action ids a table remembers
// for idempotent retries.
const MaxAppliedActions = 64

// Seat binds a seat index to the user sitting in it.  UserID is zero
// when the seat is open.
type Seat struct {
	Index  int    `json:"index"`
	UserID uint64 `json:"user_id"`
	Stake  int64  `json:"stake"` // chips the seat has put into the current pot
}

// Open reports whether nobody sits in the seat.
func (s Seat) Open() bool { return s.UserID == 0 }

// TableState is the authoritative description of one live game table.
// It lives in the state store and is only mutated while the table lock
// is held.
//
// Fields:
//
//	TableID        – stable table identifier.
//	Game           – name of the engine that owns the rules.
//	Version        – starts at 1, increases by exactly one per accepted mutation.
//	Phase          – engine-defined phase name.
//	Seats          – ordered seat to user bindings.
//	Pot            – chips currently in the pot.
//	SeedMaterial   – hex commitment of the table's randomness seed.
//	Data           – engine-private state.
//	AppliedActions – ids of the most recently applied actions, oldest first.
type TableState struct {
	TableID        string          `json:"table_id"`
	Game           string          `json:"game"`
	Version        int64           `json:"version"`
	Phase          string          `json:"phase"`
	Seats          []Seat          `json:"seats"`
	Pot            int64           `json:"pot"`
	SeedMaterial   string          `json:"seed_material"`
	Data           json.RawMessage `json:"data,omitempty"`
	AppliedActions []string        `json:"applied_actions,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so engines can mutate freely without touching
// the snapshot the pipeline read from the store.
func (t *TableState) Clone() *TableState {
	if t == nil {
		return nil
	}
	out := *t
	out.Seats = append([]Seat(nil), t.Seats...)
	out.AppliedActions = append([]string(nil), t.AppliedActions...)
	if t.Data != nil {
		out.Data = append(json.RawMessage(nil), t.Data...)
	}
	return &out
}

// SeatOf returns the seat index held by userID, or -1.
func (t *TableState) SeatOf(userID uint64) int {
	for i, s := range t.Seats {
		if s.UserID == userID && userID != 0 {
			return i
		}
	}
	return -1
}

// OpenSeat returns the index of the first open seat, or -1 when the
// table is full.
func (t *TableState) OpenSeat() int {
	for i, s := range t.Seats {
		if s.Open() {
			return i
		}
	}
	return -1
}

// SeatedUsers lists the users currently sitting at the table in seat order.
func (t *TableState) SeatedUsers() []uint64 {
	out := make([]uint64, 0, len(t.Seats))
	for _, s := range t.Seats {
		if !s.Open() {
			out = append(out, s.UserID)
		}
	}
	return out
}

// HasApplied reports whether actionID was already accepted on this table.
func (t *TableState) HasApplied(actionID string) bool {
	if actionID == "" {
		return false
	}
	for _, id := range t.AppliedActions {
		if id == actionID {
			return true
		}
	}
	return false
}

// RecordAction appends actionID to the applied list, dropping the oldest
// entries beyond MaxAppliedActions.
func (t *TableState) RecordAction(actionID string) {
	if actionID == "" {
		return
	}
	t.AppliedActions = append(t.AppliedActions, actionID)
	if n := len(t.AppliedActions); n > MaxAppliedActions {
		t.AppliedActions = append([]string(nil), t.AppliedActions[n-MaxAppliedActions:]...)
	}
}

// TableUpdate is what the core hands to the real-time fan-out layer after
// an action completes.
type TableUpdate struct {
	TableID string      `json:"table_id"`
	Version int64       `json:"version"`
	State   *TableState `json:"state,omitempty"`
	Closed  bool        `json:"closed"`
	At      time.Time   `json:"at"`
}
