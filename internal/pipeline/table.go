package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/iliyamo/gametable/internal/engine"
	"github.com/iliyamo/gametable/internal/ledger"
	"github.com/iliyamo/gametable/internal/lock"
	"github.com/iliyamo/gametable/internal/model"
	"github.com/iliyamo/gametable/internal/repository"
	"github.com/iliyamo/gametable/internal/state"
	"github.com/iliyamo/gametable/internal/utils"
)

// OpenRequest describes a new table.  An empty TableID gets a generated one.
type OpenRequest struct {
	TableID string            `json:"table_id"`
	Game    string            `json:"game"`
	Seats   int               `json:"seats"`
	Options map[string]string `json:"options,omitempty"`
}

// OpenTable creates a table in the state store at version 1.
func (p *Pipeline) OpenTable(ctx context.Context, req OpenRequest) (st *model.TableState, err error) {
	start := p.now()
	t := &tracker{op: "open_table", stage: StageRequested}
	defer func() {
		p.observe(t.op, start, err)
		if err != nil {
			err = t.fail(err)
		}
	}()

	if strings.TrimSpace(req.TableID) == "" {
		req.TableID = uuid.NewString()
	}
	if err := validTableID(req.TableID); err != nil {
		return nil, err
	}
	eng, err := p.engines.Get(req.Game)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	st, err = lock.WithLock(ctx, p.locks, lock.TableKey(req.TableID), p.opts.TablePreset, func(ctx context.Context) (*model.TableState, error) {
		t.advance(StageLockAcquired)
		seed, commitment, err := utils.NewSeed()
		if err != nil {
			return nil, fmt.Errorf("pipeline: table seed: %w", err)
		}
		fresh, err := eng.Init(engine.Config{TableID: req.TableID, Seats: req.Seats, Options: req.Options, Seed: seed})
		if err != nil {
			return nil, rejected(err)
		}
		t.advance(StageValidated)
		fresh.TableID = req.TableID
		fresh.Game = eng.Name()
		fresh.SeedMaterial = commitment
		t.advance(StageMutated)
		if err := lock.CheckHeld(ctx); err != nil {
			return nil, err
		}
		if _, err := p.store.Create(ctx, fresh); err != nil {
			if errors.Is(err, state.ErrExists) {
				return nil, fmt.Errorf("%w: %s", ErrTableExists, req.TableID)
			}
			return nil, err
		}
		t.advance(StagePersisted)
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	t.advance(StageReleased)
	p.publish(ctx, model.TableUpdate{TableID: st.TableID, Version: st.Version, State: st, At: p.now().UTC()})
	t.advance(StageCompleted)
	p.logger.Info("pipeline.table.opened", "table_id", st.TableID, "game", st.Game, "seats", len(st.Seats))
	return st, nil
}

// CloseTable archives a table's final state and removes it from the
// store.  The engine decides whether the table may close.
func (p *Pipeline) CloseTable(ctx context.Context, tableID string) (err error) {
	start := p.now()
	t := &tracker{op: "close_table", stage: StageRequested}
	defer func() {
		p.observe(t.op, start, err)
		if err != nil {
			err = t.fail(err)
		}
	}()
	if err := validTableID(tableID); err != nil {
		return err
	}

	final, err := lock.WithLock(ctx, p.locks, lock.TableKey(tableID), p.opts.TablePreset, func(ctx context.Context) (*model.TableState, error) {
		t.advance(StageLockAcquired)
		current, version, err := p.store.Get(ctx, tableID)
		if err != nil {
			return nil, p.storeErr(err)
		}
		eng, err := p.engines.Get(current.Game)
		if err != nil {
			return nil, err
		}
		if err := eng.CanClose(current); err != nil {
			return nil, rejected(err)
		}
		t.advance(StageValidated)
		if err := lock.CheckHeld(ctx); err != nil {
			return nil, err
		}
		if p.archive != nil {
			snapshot, err := json.Marshal(current)
			if err != nil {
				return nil, fmt.Errorf("pipeline: encode archive: %w", err)
			}
			err = p.archive.Archive(ctx, &model.TableArchive{
				TableID:  tableID,
				Game:     current.Game,
				Version:  version,
				State:    snapshot,
				ClosedAt: p.now().UTC(),
			})
			if err != nil && !errors.Is(err, repository.ErrDuplicate) {
				return nil, fmt.Errorf("pipeline: archive %s: %w", tableID, err)
			}
		}
		t.advance(StageMutated)
		if err := p.store.Delete(ctx, tableID, version); err != nil {
			if errors.Is(err, state.ErrConflict) {
				p.logger.Error("pipeline.state.stale", "table_id", tableID, "expected_version", version, "error", err)
				return nil, fmt.Errorf("%w: %w", ErrStaleState, err)
			}
			return nil, p.storeErr(err)
		}
		t.advance(StagePersisted)
		return current, nil
	})
	if err != nil {
		return err
	}
	t.advance(StageReleased)
	p.publish(ctx, model.TableUpdate{TableID: tableID, Version: final.Version, Closed: true, At: p.now().UTC()})
	t.advance(StageCompleted)
	p.logger.Info("pipeline.table.closed", "table_id", tableID, "version", final.Version)
	return nil
}

// Table returns the current snapshot of a table without locking.  The
// snapshot may be superseded by the time the caller looks at it.
func (p *Pipeline) Table(ctx context.Context, tableID string) (*model.TableState, error) {
	if err := validTableID(tableID); err != nil {
		return nil, err
	}
	st, _, err := p.store.Get(ctx, tableID)
	if err != nil {
		return nil, p.storeErr(err)
	}
	return st, nil
}

// AdjustBalance credits or debits a user outside of any table, for
// deposits, withdrawals and rewards.  A repeated referenceID returns the
// balance recorded the first time and ledger.ErrDuplicateReference.
func (p *Pipeline) AdjustBalance(ctx context.Context, userID uint64, amount int64, referenceID string) (balance int64, err error) {
	start := p.now()
	t := &tracker{op: "adjust_balance", stage: StageRequested}
	defer func() {
		p.observe(t.op, start, err)
		if err != nil && !errors.Is(err, ledger.ErrDuplicateReference) {
			err = t.fail(err)
		}
	}()
	if userID == 0 || strings.TrimSpace(referenceID) == "" {
		return 0, fmt.Errorf("%w: user and reference id are required", ErrInvalidRequest)
	}
	if amount == 0 {
		return 0, ledger.ErrZeroAmount
	}

	type adjusted struct {
		balance int64
		dupErr  error
	}
	out, err := lock.WithLock(ctx, p.locks, lock.BalanceKey(userID), p.opts.MoneyPreset, func(ctx context.Context) (adjusted, error) {
		t.advance(StageLockAcquired)
		t.advance(StageValidated)
		if err := lock.CheckHeld(ctx); err != nil {
			return adjusted{}, err
		}
		bal, err := p.ledger.ApplyDelta(ctx, userID, amount, referenceID)
		if errors.Is(err, ledger.ErrDuplicateReference) {
			return adjusted{balance: bal, dupErr: err}, nil
		}
		if err != nil {
			return adjusted{}, err
		}
		t.advance(StagePersisted)
		return adjusted{balance: bal}, nil
	})
	if err != nil {
		return 0, err
	}
	t.advance(StageCompleted)
	if out.dupErr != nil {
		p.logger.Info("pipeline.balance.replayed", "user_id", userID, "reference_id", referenceID)
		return out.balance, out.dupErr
	}
	p.logger.Info("pipeline.balance.adjusted", "user_id", userID, "amount", amount, "balance", out.balance, "reference_id", referenceID)
	return out.balance, nil
}
