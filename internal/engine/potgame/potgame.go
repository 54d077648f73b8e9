// Package potgame is a minimal pot-based table game: players take seats,
// bet chips into a shared pot, and a seated winner is paid the whole pot.
//
// Actions:
//
//	sit            take the first open seat
//	bet:<n>        put n chips into the pot, taking a seat first if needed
//	leave          give up the seat; only allowed with no stake in the pot
//	settle:<user>  pay the pot to a seated user and start a new round
package potgame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/iliyamo/gametable/internal/engine"
	"github.com/iliyamo/gametable/internal/model"
)

// Name is the registry name of the game.
const Name = "potgame"

// Phases.
const (
	PhaseWaiting = "waiting"
	PhaseBetting = "betting"
)

const (
	defaultSeats = 2
	maxSeats     = 10
)

type data struct {
	MaxBet int64 `json:"max_bet,omitempty"`
	Round  int   `json:"round"`
}

// Game implements engine.Engine.
type Game struct{}

// New returns the engine.
func New() *Game { return &Game{} }

// Name implements engine.Engine.
func (g *Game) Name() string { return Name }

// Init lays out cfg.Seats empty seats.  Option "max_bet" caps single bets.
func (g *Game) Init(cfg engine.Config) (*model.TableState, error) {
	seats := cfg.Seats
	if seats == 0 {
		seats = defaultSeats
	}
	if seats < 1 || seats > maxSeats {
		return nil, engine.Reject("invalid_seats", "a table has between 1 and %d seats", maxSeats)
	}
	d := data{Round: 1}
	if raw, ok := cfg.Options["max_bet"]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return nil, engine.Reject("invalid_option", "max_bet must be a positive integer")
		}
		d.MaxBet = n
	}
	encoded, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	st := &model.TableState{
		TableID: cfg.TableID,
		Game:    Name,
		Phase:   PhaseWaiting,
		Seats:   make([]model.Seat, seats),
		Data:    encoded,
	}
	for i := range st.Seats {
		st.Seats[i].Index = i
	}
	return st, nil
}

type action struct {
	verb   string
	amount int64
	winner uint64
}

func parse(raw string) (action, error) {
	verb, arg, hasArg := strings.Cut(strings.TrimSpace(raw), ":")
	switch verb {
	case "sit", "leave":
		if hasArg {
			return action{}, engine.Reject("invalid_action", "%s takes no argument", verb)
		}
		return action{verb: verb}, nil
	case "bet":
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || n <= 0 {
			return action{}, engine.Reject("invalid_amount", "bet amount must be a positive integer")
		}
		return action{verb: verb, amount: n}, nil
	case "settle":
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil || id == 0 {
			return action{}, engine.Reject("invalid_winner", "settle needs a winner user id")
		}
		return action{verb: verb, winner: id}, nil
	}
	return action{}, engine.Reject("invalid_action", "unknown action %q", raw)
}

// Plan implements engine.Engine.  Bets move the actor's money; settling
// moves the winner's.
func (g *Game) Plan(actor uint64, raw string) (engine.Plan, error) {
	a, err := parse(raw)
	if err != nil {
		return engine.Plan{}, err
	}
	switch a.verb {
	case "bet":
		return engine.Plan{Users: []uint64{actor}}, nil
	case "settle":
		return engine.Plan{Users: []uint64{a.winner}}, nil
	}
	return engine.Plan{}, nil
}

// Apply implements engine.Engine.
func (g *Game) Apply(_ context.Context, in engine.Input) (engine.Outcome, error) {
	if in.State == nil {
		return engine.Outcome{}, errors.New("potgame: nil state")
	}
	a, err := parse(in.Action)
	if err != nil {
		return engine.Outcome{}, err
	}
	st := in.State
	var d data
	if len(st.Data) > 0 {
		if err := json.Unmarshal(st.Data, &d); err != nil {
			return engine.Outcome{}, fmt.Errorf("potgame: decode data: %w", err)
		}
	}

	switch a.verb {
	case "sit":
		if st.SeatOf(in.Actor) >= 0 {
			return engine.Outcome{}, engine.Reject("already_seated", "you already have a seat")
		}
		if err := takeSeat(st, in.Actor); err != nil {
			return engine.Outcome{}, err
		}
		return engine.Outcome{State: st}, nil

	case "bet":
		if d.MaxBet > 0 && a.amount > d.MaxBet {
			return engine.Outcome{}, engine.Reject("bet_too_large", "bets are limited to %d", d.MaxBet)
		}
		if st.SeatOf(in.Actor) < 0 {
			if err := takeSeat(st, in.Actor); err != nil {
				return engine.Outcome{}, err
			}
		}
		seat := st.SeatOf(in.Actor)
		st.Seats[seat].Stake += a.amount
		st.Pot += a.amount
		st.Phase = PhaseBetting
		return engine.Outcome{
			State:  st,
			Deltas: []engine.Delta{{UserID: in.Actor, Amount: -a.amount}},
		}, nil

	case "leave":
		seat := st.SeatOf(in.Actor)
		if seat < 0 {
			return engine.Outcome{}, engine.Reject("not_seated", "you are not seated at this table")
		}
		if st.Seats[seat].Stake > 0 {
			return engine.Outcome{}, engine.Reject("stake_in_pot", "you cannot leave while your chips are in the pot")
		}
		st.Seats[seat].UserID = 0
		return engine.Outcome{State: st}, nil

	case "settle":
		if st.SeatOf(in.Actor) < 0 {
			return engine.Outcome{}, engine.Reject("not_seated", "only seated players can settle")
		}
		if st.SeatOf(a.winner) < 0 {
			return engine.Outcome{}, engine.Reject("winner_not_seated", "the winner must be seated")
		}
		if st.Pot == 0 {
			return engine.Outcome{}, engine.Reject("empty_pot", "there is nothing to settle")
		}
		payout := st.Pot
		st.Pot = 0
		for i := range st.Seats {
			st.Seats[i].Stake = 0
		}
		st.Phase = PhaseWaiting
		d.Round++
		encoded, err := json.Marshal(d)
		if err != nil {
			return engine.Outcome{}, err
		}
		st.Data = encoded
		return engine.Outcome{
			State:  st,
			Deltas: []engine.Delta{{UserID: a.winner, Amount: payout}},
		}, nil
	}
	return engine.Outcome{}, engine.Reject("invalid_action", "unknown action %q", in.Action)
}

func takeSeat(st *model.TableState, user uint64) error {
	seat := st.OpenSeat()
	if seat < 0 {
		return engine.Reject("table_full", "no open seat at this table")
	}
	st.Seats[seat].UserID = user
	st.Seats[seat].Stake = 0
	return nil
}

// CanClose implements engine.Engine.
func (g *Game) CanClose(st *model.TableState) error {
	if st.Pot != 0 {
		return engine.Reject("pot_not_empty", "settle the pot before closing the table")
	}
	return nil
}

// Round reports the current round number stored in the engine data.
func Round(st *model.TableState) int {
	var d data
	if err := json.Unmarshal(st.Data, &d); err != nil {
		return 0
	}
	return d.Round
}
