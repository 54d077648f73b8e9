package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/gametable/internal/database"
	"github.com/iliyamo/gametable/internal/engine"
	"github.com/iliyamo/gametable/internal/engine/potgame"
	"github.com/iliyamo/gametable/internal/ledger"
	"github.com/iliyamo/gametable/internal/lock"
	"github.com/iliyamo/gametable/internal/model"
	"github.com/iliyamo/gametable/internal/repository"
	"github.com/iliyamo/gametable/internal/state"
)

var testPreset = lock.Preset{
	Name:        "test",
	TTL:         2 * time.Second,
	Retries:     400,
	RetryDelay:  5 * time.Millisecond,
	Jitter:      5 * time.Millisecond,
	Wait:        5 * time.Second,
	NodeTimeout: 200 * time.Millisecond,
}

type recorder struct {
	mu      sync.Mutex
	updates []model.TableUpdate
}

func (r *recorder) Publish(_ context.Context, u model.TableUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *recorder) all() []model.TableUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TableUpdate(nil), r.updates...)
}

type env struct {
	lockNodes []*miniredis.Miniredis
	locks     *lock.Manager
	store     *state.Store
	ledger    *ledger.Ledger
	archive   *repository.TableArchiveRepo
	engines   *engine.Registry
	bus       *recorder
	p         *Pipeline
}

func newEnv(t *testing.T, opts Options, extra ...engine.Engine) *env {
	t.Helper()
	e := &env{bus: &recorder{}}

	clients := make([]*redis.Client, 3)
	for i := range clients {
		mr := miniredis.RunT(t)
		e.lockNodes = append(e.lockNodes, mr)
		clients[i] = redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		c := clients[i]
		t.Cleanup(func() { _ = c.Close() })
	}
	var err error
	if e.locks, err = lock.New(clients); err != nil {
		t.Fatalf("lock manager: %v", err)
	}

	stateNode := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: stateNode.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	if e.store, err = state.New(rdb, state.Options{IdleTTL: time.Minute, MinTTL: 2 * testPreset.TTL}); err != nil {
		t.Fatalf("state store: %v", err)
	}

	db, err := database.Open(database.Options{Driver: database.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "ledger.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if e.ledger, err = ledger.New(db); err != nil {
		t.Fatalf("ledger: %v", err)
	}
	e.archive = repository.NewTableArchiveRepo(db)

	e.engines = engine.NewRegistry(append([]engine.Engine{potgame.New()}, extra...)...)
	if opts.TablePreset.TTL == 0 {
		opts.TablePreset = testPreset
	}
	if opts.MoneyPreset.TTL == 0 {
		opts.MoneyPreset = testPreset
	}
	e.p, err = New(Deps{
		Locks:       e.locks,
		Store:       e.store,
		Ledger:      e.ledger,
		Engines:     e.engines,
		Broadcaster: e.bus,
		Archive:     e.archive,
	}, opts)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	return e
}

func (e *env) open(t *testing.T, id string, seats int) *model.TableState {
	t.Helper()
	st, err := e.p.OpenTable(context.Background(), OpenRequest{TableID: id, Game: potgame.Name, Seats: seats})
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	return st
}

func (e *env) fund(t *testing.T, userID uint64, amount int64) {
	t.Helper()
	if _, err := e.p.AdjustBalance(context.Background(), userID, amount, fmt.Sprintf("deposit:%d", userID)); err != nil {
		t.Fatalf("fund user %d: %v", userID, err)
	}
}

func (e *env) balance(t *testing.T, userID uint64) int64 {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func (e *env) act(userID uint64, actionID, payload string) (*ActionResult, error) {
	return e.p.ExecuteAction(context.Background(), Request{TableID: "T1", UserID: userID, ActionID: actionID, Payload: payload})
}

func (e *env) assertUnlocked(t *testing.T, keys ...string) {
	t.Helper()
	for i, mr := range e.lockNodes {
		for _, k := range keys {
			if mr.Exists("lock:" + k) {
				t.Fatalf("node %d still holds %s", i, k)
			}
		}
	}
}

func TestNewRejectsShortIdleTTL(t *testing.T) {
	e := newEnv(t, Options{})
	_, err := New(Deps{Locks: e.locks, Store: e.store, Ledger: e.ledger, Engines: e.engines}, Options{
		TablePreset: testPreset,
		MoneyPreset: lock.Preset{Name: "long", TTL: 45 * time.Second},
	})
	if err == nil {
		t.Fatal("expected error when idle ttl is below twice the lock ttl")
	}
	if _, err := New(Deps{Store: e.store}, Options{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

func TestOneOpenSeatOnlyOneBetWins(t *testing.T) {
	e := newEnv(t, Options{})
	e.open(t, "T1", 1)
	e.fund(t, 1, 1000)
	e.fund(t, 2, 1000)

	type outcome struct {
		user uint64
		bet  int64
		res  *ActionResult
		err  error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, b := range []struct {
		user uint64
		bet  int64
	}{{1, 100}, {2, 50}} {
		wg.Add(1)
		go func(user uint64, bet int64) {
			defer wg.Done()
			res, err := e.act(user, fmt.Sprintf("a-%d", user), fmt.Sprintf("bet:%d", bet))
			results <- outcome{user: user, bet: bet, res: res, err: err}
		}(b.user, b.bet)
	}
	wg.Wait()
	close(results)

	var winner, loser *outcome
	for o := range results {
		switch {
		case o.err == nil:
			if winner != nil {
				t.Fatal("both bets succeeded on a one-seat table")
			}
			winner = &o
		case errors.Is(o.err, ErrValidationFailed):
			loser = &o
		default:
			t.Fatalf("user %d: unexpected error %v", o.user, o.err)
		}
	}
	if winner == nil || loser == nil {
		t.Fatalf("want one winner and one validation failure, got %+v %+v", winner, loser)
	}
	if winner.res.Version != 2 {
		t.Fatalf("winner version = %d, want 2", winner.res.Version)
	}
	st, err := e.p.Table(context.Background(), "T1")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if st.Pot != winner.bet || st.Version != 2 || st.Seats[0].UserID != winner.user {
		t.Fatalf("unexpected table %+v", st)
	}
	if got := e.balance(t, winner.user); got != 1000-winner.bet {
		t.Fatalf("winner balance = %d", got)
	}
	if got := e.balance(t, loser.user); got != 1000 {
		t.Fatalf("loser balance = %d, want 1000", got)
	}
	e.assertUnlocked(t, "table:T1", lock.BalanceKey(1), lock.BalanceKey(2))
}

func TestConcurrentActionsAreSerialized(t *testing.T) {
	e := newEnv(t, Options{})
	const players = 8
	e.open(t, "T1", players)
	for u := uint64(1); u <= players; u++ {
		e.fund(t, u, 100)
	}

	versions := make(chan int64, players)
	var wg sync.WaitGroup
	for u := uint64(1); u <= players; u++ {
		wg.Add(1)
		go func(u uint64) {
			defer wg.Done()
			res, err := e.act(u, fmt.Sprintf("bet-%d", u), "bet:10")
			if err != nil {
				t.Errorf("user %d: %v", u, err)
				return
			}
			versions <- res.Version
		}(u)
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		if seen[v] {
			t.Fatalf("two actions observed the same version %d", v)
		}
		seen[v] = true
	}
	for v := int64(2); v <= players+1; v++ {
		if !seen[v] {
			t.Fatalf("version %d missing; versions must grow by one per action", v)
		}
	}
	st, _ := e.p.Table(context.Background(), "T1")
	if st.Pot != 10*players || st.Version != players+1 || len(st.SeatedUsers()) != players {
		t.Fatalf("unexpected final table %+v", st)
	}
}

func TestConservationAcrossRounds(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	e.open(t, "T1", 3)
	users := []uint64{1, 2, 3}
	for _, u := range users {
		e.fund(t, u, 500)
	}

	steps := []struct {
		user    uint64
		payload string
	}{
		{1, "bet:100"}, {2, "bet:200"}, {3, "bet:50"}, {1, "settle:2"},
		{2, "bet:400"}, {3, "bet:25"}, {3, "settle:3"},
	}
	for i, s := range steps {
		if _, err := e.act(s.user, fmt.Sprintf("s%d", i), s.payload); err != nil {
			t.Fatalf("step %d %s: %v", i, s.payload, err)
		}
	}
	st, _ := e.p.Table(ctx, "T1")
	if st.Pot != 0 {
		t.Fatalf("pot = %d, want 0 after settle", st.Pot)
	}

	var total int64
	for _, u := range users {
		bal := e.balance(t, u)
		if bal < 0 {
			t.Fatalf("user %d balance negative: %d", u, bal)
		}
		sum, err := e.ledger.Sum(ctx, u)
		if err != nil {
			t.Fatalf("sum: %v", err)
		}
		if sum != bal {
			t.Fatalf("user %d: sum of entries %d != balance %d", u, sum, bal)
		}
		total += bal
	}
	if total != 1500 {
		t.Fatalf("total chips = %d, want 1500", total)
	}
}

func TestInsufficientFundsPersistsNothing(t *testing.T) {
	e := newEnv(t, Options{})
	e.open(t, "T1", 2)
	e.fund(t, 1, 50)

	_, err := e.act(1, "big", "bet:100")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if StageOf(err) != StageMutated {
		t.Fatalf("stage = %s, want mutated", StageOf(err))
	}
	st, _ := e.p.Table(context.Background(), "T1")
	if st.Version != 1 || st.Pot != 0 || st.SeatOf(1) >= 0 {
		t.Fatalf("state changed: %+v", st)
	}
	if got := e.balance(t, 1); got != 50 {
		t.Fatalf("balance = %d, want 50", got)
	}
	e.assertUnlocked(t, "table:T1", lock.BalanceKey(1))
}

func TestRetriedActionIsAppliedOnce(t *testing.T) {
	e := newEnv(t, Options{})
	e.open(t, "T1", 2)
	e.fund(t, 1, 300)

	first, err := e.act(1, "x1", "bet:100")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	again, err := e.act(1, "x1", "bet:100")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !again.Replayed || again.Version != first.Version {
		t.Fatalf("retry result %+v, want replay of version %d", again, first.Version)
	}
	if got := e.balance(t, 1); got != 200 {
		t.Fatalf("balance = %d, want 200", got)
	}
	if n := len(e.bus.all()); n != 2 {
		t.Fatalf("%d broadcasts, want 2 (open and first bet)", n)
	}
}

func TestCrashedHolderSelfHealsAndRetryIsNotDoubleApplied(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	e.open(t, "T1", 2)
	e.fund(t, 1, 300)

	// A process took the locks, committed the ledger part of action "c1"
	// and died before writing the table state or releasing.
	for _, k := range []string{lock.TableKey("T1"), lock.BalanceKey(1)} {
		if _, err := e.locks.Acquire(ctx, k, testPreset); err != nil {
			t.Fatalf("acquire %s: %v", k, err)
		}
	}
	if _, err := e.ledger.ApplyDeltas(ctx, []ledger.Delta{{UserID: 1, Amount: -100}}, ReferenceID("T1", "c1", 1)); err != nil {
		t.Fatalf("partial ledger write: %v", err)
	}

	short := testPreset
	short.Retries = 1
	short.Wait = 50 * time.Millisecond
	busy, err := New(Deps{Locks: e.locks, Store: e.store, Ledger: e.ledger, Engines: e.engines}, Options{TablePreset: short, MoneyPreset: short})
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if _, err := busy.ExecuteAction(ctx, Request{TableID: "T1", UserID: 1, ActionID: "c1", Payload: "bet:100"}); !errors.Is(err, lock.ErrAcquisitionTimeout) {
		t.Fatalf("err = %v, want ErrAcquisitionTimeout while the dead holder's lease lives", err)
	}

	for _, mr := range e.lockNodes {
		mr.FastForward(testPreset.TTL + time.Second)
	}
	res, err := e.act(1, "c1", "bet:100")
	if err != nil {
		t.Fatalf("retry after expiry: %v", err)
	}
	if res.Version != 2 || res.State.Pot != 100 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Deltas) != 1 || res.Deltas[0].BalanceAfter != 200 {
		t.Fatalf("deltas = %+v", res.Deltas)
	}
	if got := e.balance(t, 1); got != 200 {
		t.Fatalf("balance = %d, want 200 (debited once)", got)
	}
	hist, _ := e.ledger.History(ctx, 1, 10)
	if len(hist) != 2 {
		t.Fatalf("ledger has %d entries, want deposit and one bet", len(hist))
	}
}

func TestValidationFailureReleasesLocks(t *testing.T) {
	e := newEnv(t, Options{})
	e.open(t, "T1", 2)

	_, err := e.act(1, "l1", "leave")
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("err = %v, want ErrValidationFailed", err)
	}
	ve, ok := engine.AsValidation(err)
	if !ok || ve.Code != "not_seated" {
		t.Fatalf("engine reason lost: %v", err)
	}
	if StageOf(err) != StageLockAcquired {
		t.Fatalf("stage = %s, want lock_acquired", StageOf(err))
	}
	e.assertUnlocked(t, "table:T1")

	if _, err := e.act(1, "l2", "dance"); !errors.Is(err, ErrValidationFailed) || StageOf(err) != StageRequested {
		t.Fatalf("malformed action: err = %v stage = %s", err, StageOf(err))
	}
}

func TestRequestValidation(t *testing.T) {
	e := newEnv(t, Options{})
	e.open(t, "T1", 2)
	ctx := context.Background()

	if _, err := e.p.ExecuteAction(ctx, Request{TableID: "T1", UserID: 1, Payload: "sit"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing action id: %v", err)
	}
	if _, err := e.p.ExecuteAction(ctx, Request{TableID: "T1", UserID: 1, ActionID: "a", Payload: "sit", ResourceKeys: []string{"user:abc:balance"}}); !errors.Is(err, ErrInvalidResource) {
		t.Fatalf("bad resource key: %v", err)
	}
	if _, err := e.p.ExecuteAction(ctx, Request{TableID: "nope", UserID: 1, ActionID: "a", Payload: "sit"}); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("unknown table: %v", err)
	}
}

func TestCallerResourceKeysAreHeld(t *testing.T) {
	e := newEnv(t, Options{})
	e.open(t, "T1", 2)
	scripted := &scriptedEngine{}
	e.engines.Register(scripted)
	scripted.onApply = func(ctx context.Context) {
		scripted.held = lockKeys(ctx)
	}
	if _, err := e.p.OpenTable(context.Background(), OpenRequest{TableID: "P1", Game: "scripted"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err := e.p.ExecuteAction(context.Background(), Request{
		TableID: "P1", UserID: 4, ActionID: "p", Payload: "noop",
		ResourceKeys: []string{lock.BalanceKey(9), lock.TableKey("T1")},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []string{"table:P1", "table:T1", "user:9:balance"}
	if fmt.Sprint(scripted.held) != fmt.Sprint(want) {
		t.Fatalf("held %v, want %v", scripted.held, want)
	}
}

func TestEngineCannotMoveUnlockedMoney(t *testing.T) {
	e := newEnv(t, Options{})
	scripted := &scriptedEngine{deltas: []engine.Delta{{UserID: 77, Amount: 10}}}
	e.engines.Register(scripted)
	if _, err := e.p.OpenTable(context.Background(), OpenRequest{TableID: "T1", Game: "scripted"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err := e.act(1, "r1", "noop")
	if !errors.Is(err, ErrUnlockedResource) {
		t.Fatalf("err = %v, want ErrUnlockedResource", err)
	}
	if got := e.balance(t, 77); got != 0 {
		t.Fatalf("unlocked user credited: %d", got)
	}
	st, _ := e.p.Table(context.Background(), "T1")
	if st.Version != 1 {
		t.Fatalf("version = %d, want 1", st.Version)
	}
}

func TestConcurrentWriterWithoutLockIsStale(t *testing.T) {
	e := newEnv(t, Options{})
	scripted := &scriptedEngine{}
	e.engines.Register(scripted)
	if _, err := e.p.OpenTable(context.Background(), OpenRequest{TableID: "T1", Game: "scripted"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	scripted.onApply = func(ctx context.Context) {
		// a rogue writer that ignores the table lock
		st, v, err := e.store.Get(ctx, "T1")
		if err != nil {
			t.Errorf("get: %v", err)
			return
		}
		st.Phase = "rogue"
		if _, err := e.store.Put(ctx, st, v); err != nil {
			t.Errorf("rogue put: %v", err)
		}
	}
	_, err := e.act(1, "s1", "noop")
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("err = %v, want ErrStaleState", err)
	}
	st, _ := e.p.Table(context.Background(), "T1")
	if st.Phase != "rogue" || st.Version != 2 {
		t.Fatalf("rogue write was overwritten: %+v", st)
	}
}

func TestExpiredLeaseAbortsBeforePersisting(t *testing.T) {
	short := testPreset
	short.TTL = 150 * time.Millisecond
	e := newEnv(t, Options{TablePreset: short, MoneyPreset: short})
	scripted := &scriptedEngine{onApply: func(context.Context) { time.Sleep(200 * time.Millisecond) }}
	e.engines.Register(scripted)
	if _, err := e.p.OpenTable(context.Background(), OpenRequest{TableID: "T1", Game: "scripted"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err := e.act(1, "slow", "noop")
	if !errors.Is(err, lock.ErrQuorumLost) {
		t.Fatalf("err = %v, want ErrQuorumLost", err)
	}
	st, _ := e.p.Table(context.Background(), "T1")
	if st.Version != 1 || st.HasApplied("slow") {
		t.Fatalf("state persisted after losing the lease: %+v", st)
	}
}

func TestAllLockNodesDownFailsFast(t *testing.T) {
	e := newEnv(t, Options{})
	e.open(t, "T1", 2)
	for _, mr := range e.lockNodes {
		mr.SetError("ERR node down")
	}
	start := time.Now()
	_, err := e.act(1, "d1", "sit")
	if !errors.Is(err, lock.ErrQuorumUnavailable) {
		t.Fatalf("err = %v, want ErrQuorumUnavailable", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("unavailable quorum was retried instead of failing fast")
	}
}

func TestTableLifecycle(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	st := e.open(t, "T1", 2)
	if st.Version != 1 || len(st.SeedMaterial) != 64 {
		t.Fatalf("unexpected new table %+v", st)
	}
	if _, err := e.p.OpenTable(ctx, OpenRequest{TableID: "T1", Game: potgame.Name}); !errors.Is(err, ErrTableExists) {
		t.Fatalf("err = %v, want ErrTableExists", err)
	}
	if _, err := e.p.OpenTable(ctx, OpenRequest{Game: "chess"}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("unknown game: %v", err)
	}

	e.fund(t, 1, 100)
	if _, err := e.act(1, "b", "bet:40"); err != nil {
		t.Fatalf("bet: %v", err)
	}
	if err := e.p.CloseTable(ctx, "T1"); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("close with pot: %v", err)
	}
	if _, err := e.act(1, "s", "settle:1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := e.p.CloseTable(ctx, "T1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := e.p.Table(ctx, "T1"); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("err = %v, want ErrTableNotFound", err)
	}
	archived, err := e.archive.Latest(ctx, "T1")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.Version != 3 || archived.Game != potgame.Name {
		t.Fatalf("unexpected archive %+v", archived)
	}
	updates := e.bus.all()
	last := updates[len(updates)-1]
	if !last.Closed || last.TableID != "T1" {
		t.Fatalf("last update %+v, want close", last)
	}
	if got := e.balance(t, 1); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}
}

func TestAdjustBalance(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	bal, err := e.p.AdjustBalance(ctx, 5, 250, "deposit:abc")
	if err != nil || bal != 250 {
		t.Fatalf("deposit: %d %v", bal, err)
	}
	bal, err = e.p.AdjustBalance(ctx, 5, 250, "deposit:abc")
	if !errors.Is(err, ledger.ErrDuplicateReference) || bal != 250 {
		t.Fatalf("replay: %d %v", bal, err)
	}
	if _, err := e.p.AdjustBalance(ctx, 5, -1000, "withdraw:1"); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("overdraw: %v", err)
	}
	if _, err := e.p.AdjustBalance(ctx, 5, 0, "noop"); !errors.Is(err, ledger.ErrZeroAmount) {
		t.Fatalf("zero: %v", err)
	}
	if got := e.balance(t, 5); got != 250 {
		t.Fatalf("balance = %d, want 250", got)
	}
	e.assertUnlocked(t, lock.BalanceKey(5))
}

func TestStageNames(t *testing.T) {
	if StageLockAcquired.String() != "lock_acquired" || Stage(42).String() != "stage(42)" {
		t.Fatal("unexpected stage names")
	}
	if StageOf(errors.New("x")) != StageCompleted {
		t.Fatal("plain errors carry no stage")
	}
}

// scriptedEngine is a table-only engine whose behaviour tests control.
type scriptedEngine struct {
	deltas  []engine.Delta
	onApply func(ctx context.Context)
	held    []string
}

func (p *scriptedEngine) Name() string { return "scripted" }

func (p *scriptedEngine) Init(cfg engine.Config) (*model.TableState, error) {
	return &model.TableState{TableID: cfg.TableID, Phase: "idle", Seats: []model.Seat{{Index: 0}}}, nil
}

func (p *scriptedEngine) Plan(uint64, string) (engine.Plan, error) { return engine.Plan{}, nil }

func (p *scriptedEngine) Apply(ctx context.Context, in engine.Input) (engine.Outcome, error) {
	if p.onApply != nil {
		p.onApply(ctx)
	}
	return engine.Outcome{State: in.State, Deltas: p.deltas}, nil
}

func (p *scriptedEngine) CanClose(*model.TableState) error { return nil }

func lockKeys(ctx context.Context) []string {
	var out []string
	for _, l := range lock.Held(ctx) {
		out = append(out, l.Key())
	}
	return out
}

func TestAgedOutActionIDIsChargedAgain(t *testing.T) {
	e := newEnv(t, Options{})
	e.open(t, "T1", 2)
	e.fund(t, 1, 1000)

	if _, err := e.act(1, "x", "bet:1"); err != nil {
		t.Fatalf("first bet: %v", err)
	}
	// Push "x" out of the table's applied-action window.
	for i := 0; i < model.MaxAppliedActions; i++ {
		verb := "sit"
		if i%2 == 1 {
			verb = "leave"
		}
		if _, err := e.act(2, fmt.Sprintf("fill-%d", i), verb); err != nil {
			t.Fatalf("filler %d: %v", i, err)
		}
	}
	st, _ := e.p.Table(context.Background(), "T1")
	if st.HasApplied("x") {
		t.Fatal("action x is still remembered by the table")
	}

	res, err := e.act(1, "x", "bet:500")
	if err != nil {
		t.Fatalf("reused id: %v", err)
	}
	if res.Replayed || len(res.Deltas) != 1 || res.Deltas[0].Amount != -500 {
		t.Fatalf("reused id result %+v, want a fresh debit of 500", res)
	}
	if got := e.balance(t, 1); got != 499 {
		t.Fatalf("balance = %d, want 499", got)
	}
	if got := e.balance(t, 1) + res.State.Pot; got != 1000 {
		t.Fatalf("balance plus pot = %d, want 1000 (chips minted)", got)
	}
}

func TestRememberedActionIDWithDifferentPayloadIsReplayed(t *testing.T) {
	e := newEnv(t, Options{})
	e.open(t, "T1", 2)
	e.fund(t, 1, 1000)

	first, err := e.act(1, "x", "bet:10")
	if err != nil {
		t.Fatalf("first bet: %v", err)
	}
	again, err := e.act(1, "x", "bet:700")
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if !again.Replayed || again.Version != first.Version || again.State.Pot != 10 {
		t.Fatalf("reuse result %+v, want replay of version %d", again, first.Version)
	}
	if got := e.balance(t, 1); got != 990 {
		t.Fatalf("balance = %d, want 990", got)
	}
}

// slowLedger holds the pipeline past its lease after every commit.
type slowLedger struct {
	Ledger
	delay time.Duration
}

func (s slowLedger) ApplyDeltas(ctx context.Context, deltas []ledger.Delta, referenceID string) ([]ledger.Applied, error) {
	applied, err := s.Ledger.ApplyDeltas(ctx, deltas, referenceID)
	if err == nil {
		time.Sleep(s.delay)
	}
	return applied, err
}

func TestLeaseExpiryAfterLedgerCommitStillPersistsState(t *testing.T) {
	e := newEnv(t, Options{})
	e.open(t, "T1", 2)
	e.fund(t, 1, 1000)

	slow, err := New(Deps{
		Locks:   e.locks,
		Store:   e.store,
		Ledger:  slowLedger{Ledger: e.ledger, delay: testPreset.TTL + 100*time.Millisecond},
		Engines: e.engines,
	}, Options{TablePreset: testPreset, MoneyPreset: testPreset})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	res, err := slow.ExecuteAction(context.Background(), Request{TableID: "T1", UserID: 1, ActionID: "s1", Payload: "bet:100"})
	if err != nil {
		t.Fatalf("err = %v, want success once money has moved", err)
	}
	if res.Version != 2 || res.State.Pot != 100 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := e.balance(t, 1); got != 900 {
		t.Fatalf("balance = %d, want 900", got)
	}
	st, _ := e.p.Table(context.Background(), "T1")
	if st.Version != 2 || st.Pot != 100 || !st.HasApplied("s1") {
		t.Fatalf("stored state %+v", st)
	}
}
