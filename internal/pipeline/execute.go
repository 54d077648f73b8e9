package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/gametable/internal/engine"
	"github.com/iliyamo/gametable/internal/ledger"
	"github.com/iliyamo/gametable/internal/lock"
	"github.com/iliyamo/gametable/internal/model"
	"github.com/iliyamo/gametable/internal/state"
)

// Request is one game action.
type Request struct {
	TableID string
	UserID  uint64
	// ActionID identifies the action across retries.  An action id the
	// table already applied is answered from the current state.
	ActionID string
	Payload  string
	// ResourceKeys are extra resources the caller needs locked for the
	// duration of the action.
	ResourceKeys []string
}

// BalanceChange is one applied balance delta.
type BalanceChange struct {
	UserID       uint64 `json:"user_id"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
}

// ActionResult is the outcome of a completed action.
type ActionResult struct {
	State    *model.TableState `json:"state"`
	Deltas   []BalanceChange   `json:"deltas"`
	Version  int64             `json:"version"`
	Replayed bool              `json:"replayed"`
}

// ReferenceID is the ledger reference recorded for an action's deltas
// when applied on top of state version.  A retry against the same version
// replays the ledger entries; an action id reused once the table has moved
// on is charged as a new action.
func ReferenceID(tableID, actionID string, version int64) string {
	return "action:" + tableID + ":" + actionID + ":v" + strconv.FormatInt(version, 10)
}

// ExecuteAction runs one action through the full pipeline.  On success the
// new state is persisted, every balance delta is in the ledger and the
// update has been offered to the fan-out layer.  On failure nothing was
// persisted unless the error says otherwise, and all locks were released.
func (p *Pipeline) ExecuteAction(ctx context.Context, req Request) (res *ActionResult, err error) {
	start := p.now()
	t := &tracker{op: "execute_action", stage: StageRequested}
	log := p.logger.With("table_id", req.TableID, "user_id", req.UserID, "action_id", req.ActionID)
	defer func() {
		p.observe(t.op, start, err)
		if err != nil {
			err = t.fail(err)
			log.Info("pipeline.action.failed", "stage", t.stage.String(), "error", err)
		}
	}()

	if err := validTableID(req.TableID); err != nil {
		return nil, err
	}
	if req.UserID == 0 || strings.TrimSpace(req.ActionID) == "" || strings.TrimSpace(req.Payload) == "" {
		return nil, fmt.Errorf("%w: user, action id and payload are required", ErrInvalidRequest)
	}

	// The game of a table never changes, so an unlocked read is enough to
	// pick the engine and plan the lock set.
	snapshot, _, err := p.store.Get(ctx, req.TableID)
	if err != nil {
		return nil, p.storeErr(err)
	}
	eng, err := p.engines.Get(snapshot.Game)
	if err != nil {
		return nil, err
	}
	plan, err := eng.Plan(req.UserID, req.Payload)
	if err != nil {
		return nil, rejected(err)
	}

	keys := []string{lock.TableKey(req.TableID)}
	for _, uid := range plan.Users {
		keys = append(keys, lock.BalanceKey(uid))
	}
	for _, k := range req.ResourceKeys {
		if _, err := lock.ParseKey(k); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidResource, err)
		}
		keys = append(keys, k)
	}
	ordered, err := lock.Order(keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResource, err)
	}
	held := make(map[uint64]bool)
	for _, k := range ordered {
		if r, _ := lock.ParseKey(k); r.Kind == lock.KindBalance {
			held[r.UserID] = true
		}
	}
	preset := p.opts.TablePreset
	if len(held) > 0 {
		preset = p.opts.MoneyPreset
	}

	res, err = lock.WithLocks(ctx, p.locks, ordered, preset, func(ctx context.Context) (*ActionResult, error) {
		t.advance(StageLockAcquired)
		return p.runAction(ctx, t, eng, req, held)
	})
	if err != nil {
		return nil, err
	}
	t.advance(StageReleased)

	if !res.Replayed {
		p.publish(ctx, model.TableUpdate{
			TableID: req.TableID,
			Version: res.Version,
			State:   res.State,
			At:      p.now().UTC(),
		})
	}
	t.advance(StageCompleted)
	log.Info("pipeline.action.completed", "version", res.Version, "replayed", res.Replayed, "deltas", len(res.Deltas))
	return res, nil
}

const stateWriteTimeout = 5 * time.Second

func (p *Pipeline) runAction(ctx context.Context, t *tracker, eng engine.Engine, req Request, held map[uint64]bool) (*ActionResult, error) {
	current, version, err := p.store.Get(ctx, req.TableID)
	if err != nil {
		return nil, p.storeErr(err)
	}
	if current.HasApplied(req.ActionID) {
		return &ActionResult{State: current, Deltas: []BalanceChange{}, Version: version, Replayed: true}, nil
	}

	users := make([]uint64, 0, len(held))
	for uid := range held {
		users = append(users, uid)
	}
	balances, err := p.ledger.Balances(ctx, users)
	if err != nil {
		return nil, err
	}

	out, err := eng.Apply(ctx, engine.Input{
		State:    current.Clone(),
		Actor:    req.UserID,
		Action:   req.Payload,
		Balances: balances,
	})
	if err != nil {
		return nil, rejected(err)
	}
	if out.State == nil {
		return nil, fmt.Errorf("pipeline: engine %s returned no state", eng.Name())
	}
	t.advance(StageValidated)

	deltas := make([]ledger.Delta, 0, len(out.Deltas))
	for _, d := range out.Deltas {
		if !held[d.UserID] {
			return nil, fmt.Errorf("%w: user %d", ErrUnlockedResource, d.UserID)
		}
		deltas = append(deltas, ledger.Delta{UserID: d.UserID, Amount: d.Amount})
	}
	next := out.State
	next.TableID = current.TableID
	next.Game = current.Game
	next.SeedMaterial = current.SeedMaterial
	next.CreatedAt = current.CreatedAt
	next.AppliedActions = current.AppliedActions
	next.RecordAction(req.ActionID)
	t.advance(StageMutated)

	if err := lock.CheckHeld(ctx); err != nil {
		return nil, err
	}
	changes := []BalanceChange{}
	if len(deltas) > 0 {
		applied, err := p.ledger.ApplyDeltas(ctx, deltas, ReferenceID(req.TableID, req.ActionID, version))
		if err != nil {
			return nil, err
		}
		for _, a := range applied {
			changes = append(changes, BalanceChange{UserID: a.UserID, Amount: a.Amount, BalanceAfter: a.BalanceAfter})
		}
	}
	// Money has moved.  Losing the lease from here on no longer aborts; the
	// conditional write decides.
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateWriteTimeout)
	defer cancel()
	newVersion, err := p.store.Put(putCtx, next, version)
	if err != nil {
		if errors.Is(err, state.ErrConflict) {
			p.logger.Error("pipeline.state.stale",
				"table_id", req.TableID, "expected_version", version, "action_id", req.ActionID, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrStaleState, err)
		}
		return nil, p.storeErr(err)
	}
	t.advance(StagePersisted)
	return &ActionResult{State: next, Deltas: changes, Version: newVersion}, nil
}

func (p *Pipeline) storeErr(err error) error {
	if errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrTableNotFound, err)
	}
	return err
}
