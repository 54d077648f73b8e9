// Package pipeline is the only code path allowed to change table state or
// balances.  Every operation follows the same shape: take the quorum
// locks of every resource involved in the global order, read, let the
// engine decide, re-check the leases, commit the ledger transaction,
// conditionally write the table state, release, then hand the new state
// to the fan-out layer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/iliyamo/gametable/internal/engine"
	"github.com/iliyamo/gametable/internal/ledger"
	"github.com/iliyamo/gametable/internal/lock"
	"github.com/iliyamo/gametable/internal/metrics"
	"github.com/iliyamo/gametable/internal/model"
)

// StateStore is the versioned table store.
type StateStore interface {
	Get(ctx context.Context, tableID string) (*model.TableState, int64, error)
	Create(ctx context.Context, st *model.TableState) (int64, error)
	Put(ctx context.Context, st *model.TableState, expectedVersion int64) (int64, error)
	Delete(ctx context.Context, tableID string, expectedVersion int64) error
	IdleTTL() time.Duration
}

// Ledger applies audited balance changes.
type Ledger interface {
	ApplyDelta(ctx context.Context, userID uint64, amount int64, referenceID string) (int64, error)
	ApplyDeltas(ctx context.Context, deltas []ledger.Delta, referenceID string) ([]ledger.Applied, error)
	Balances(ctx context.Context, userIDs []uint64) (map[uint64]int64, error)
}

// Broadcaster hands completed updates to the real-time fan-out layer.
type Broadcaster interface {
	Publish(ctx context.Context, update model.TableUpdate) error
}

// Archive keeps the final snapshot of closed tables.
type Archive interface {
	Archive(ctx context.Context, a *model.TableArchive) error
}

// Deps are the collaborators of a Pipeline.  Broadcaster, Archive,
// Logger and Metrics are optional.
type Deps struct {
	Locks       *lock.Manager
	Store       StateStore
	Ledger      Ledger
	Engines     *engine.Registry
	Broadcaster Broadcaster
	Archive     Archive
	Logger      pslog.Logger
	Metrics     *metrics.Metrics
}

// Options tunes lock presets and fan-out.
type Options struct {
	// TablePreset guards actions that move no money.
	TablePreset lock.Preset
	// MoneyPreset guards anything holding a balance lock.
	MoneyPreset lock.Preset
	// BroadcastTimeout bounds a single fan-out publish.
	BroadcastTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.TablePreset.TTL == 0 {
		o.TablePreset = lock.Standard
	}
	if o.MoneyPreset.TTL == 0 {
		o.MoneyPreset = lock.Critical
	}
	if o.BroadcastTimeout <= 0 {
		o.BroadcastTimeout = 2 * time.Second
	}
	return o
}

// Pipeline orchestrates game actions.  It is safe for concurrent use and
// keeps no table or balance state in memory.
type Pipeline struct {
	locks     *lock.Manager
	store     StateStore
	ledger    Ledger
	engines   *engine.Registry
	broadcast Broadcaster
	archive   Archive
	logger    pslog.Logger
	metrics   *metrics.Metrics
	opts      Options
	now       func() time.Time
}

// New validates deps and returns a Pipeline.  The store's idle TTL must be
// at least twice the longest lock TTL in use so a table can never expire
// while an action holds its lock.
func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Locks == nil || deps.Store == nil || deps.Ledger == nil || deps.Engines == nil {
		return nil, errors.New("pipeline: locks, store, ledger and engines are required")
	}
	opts = opts.withDefaults()
	if floor := 2 * lock.MaxTTL(opts.TablePreset, opts.MoneyPreset); deps.Store.IdleTTL() < floor {
		return nil, fmt.Errorf("pipeline: state idle ttl %s must be at least %s", deps.Store.IdleTTL(), floor)
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Pipeline{
		locks:     deps.Locks,
		store:     deps.Store,
		ledger:    deps.Ledger,
		engines:   deps.Engines,
		broadcast: deps.Broadcaster,
		archive:   deps.Archive,
		logger:    logger,
		metrics:   deps.Metrics,
		opts:      opts,
		now:       time.Now,
	}, nil
}

// tracker follows one operation through the stage machine.
type tracker struct {
	op    string
	stage Stage
}

func (t *tracker) advance(s Stage) { t.stage = s }

func (t *tracker) fail(err error) error {
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return &Failure{Op: t.op, Stage: t.stage, Err: err}
}

func (p *Pipeline) publish(ctx context.Context, update model.TableUpdate) {
	if p.broadcast == nil {
		return
	}
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.BroadcastTimeout)
	defer cancel()
	if err := p.broadcast.Publish(bctx, update); err != nil {
		p.logger.Warn("pipeline.broadcast.failed", "table_id", update.TableID, "version", update.Version, "error", err)
	}
}

// resultLabel turns an operation error into a metrics label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, lock.ErrAcquisitionTimeout), errors.Is(err, lock.ErrQuorumUnavailable):
		return "busy"
	case errors.Is(err, ErrStaleState):
		return "stale"
	case errors.Is(err, lock.ErrQuorumLost):
		return "quorum_lost"
	case errors.Is(err, ErrValidationFailed):
		return "validation"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return "overflow"
	case errors.Is(err, ledger.ErrReferenceMismatch):
		return "reference_mismatch"
	case errors.Is(err, ErrTableNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrDuplicateReference):
		return "replayed"
	}
	return "error"
}

func (p *Pipeline) observe(op string, start time.Time, err error) {
	p.metrics.Action(op, resultLabel(err), p.now().Sub(start))
}

func validTableID(tableID string) error {
	if _, err := lock.ParseKey(lock.TableKey(tableID)); err != nil {
		return fmt.Errorf("%w: table id %q", ErrInvalidRequest, tableID)
	}
	return nil
}

func rejected(err error) error {
	if ve, ok := engine.AsValidation(err); ok {
		return fmt.Errorf("%w: %w", ErrValidationFailed, ve)
	}
	return err
}
