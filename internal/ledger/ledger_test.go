package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/iliyamo/gametable/internal/database"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := database.Open(database.Options{
		Driver:     database.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "ledger.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l, err := New(db)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

func mustCredit(t *testing.T, l *Ledger, userID uint64, amount int64) {
	t.Helper()
	if _, err := l.ApplyDelta(context.Background(), userID, amount, fmt.Sprintf("seed:%d:%d", userID, amount)); err != nil {
		t.Fatalf("credit user %d: %v", userID, err)
	}
}

func assertConsistent(t *testing.T, l *Ledger, userID uint64) {
	t.Helper()
	ctx := context.Background()
	bal, err := l.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	sum, err := l.Sum(ctx, userID)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if bal != sum {
		t.Fatalf("user %d balance %d != sum of entries %d", userID, bal, sum)
	}
}

func TestCreditCreatesAccount(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	if bal, _ := l.Balance(ctx, 7); bal != 0 {
		t.Fatalf("unknown user balance = %d, want 0", bal)
	}
	bal, err := l.ApplyDelta(ctx, 7, 500, "deposit:1")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if bal != 500 {
		t.Fatalf("balance = %d, want 500", bal)
	}
	bal, err = l.ApplyDelta(ctx, 7, -200, "bet:1")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if bal != 300 {
		t.Fatalf("balance = %d, want 300", bal)
	}
	assertConsistent(t, l, 7)
}

func TestInsufficientFundsLeavesEverythingUnchanged(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	mustCredit(t, l, 1, 500)

	if _, err := l.ApplyDelta(ctx, 1, -1000, "bet:big"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	bal, _ := l.Balance(ctx, 1)
	if bal != 500 {
		t.Fatalf("balance = %d, want 500", bal)
	}
	hist, err := l.History(ctx, 1, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("history has %d entries, want 1", len(hist))
	}
}

func TestDebitOnUnknownUserIsInsufficient(t *testing.T) {
	l := newLedger(t)
	if _, err := l.ApplyDelta(context.Background(), 9, -1, "bet:x"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestZeroAmountAndInvalidInput(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if _, err := l.ApplyDelta(ctx, 1, 0, "noop"); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("err = %v, want ErrZeroAmount", err)
	}
	if _, err := l.ApplyDelta(ctx, 0, 10, "ref"); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("err = %v, want ErrInvalidDelta", err)
	}
	if _, err := l.ApplyDelta(ctx, 1, 10, "  "); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("err = %v, want ErrInvalidDelta", err)
	}
}

func TestDuplicateReferenceIsNotAppliedTwice(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	first, err := l.ApplyDelta(ctx, 3, 250, "action:T1:a1")
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	again, err := l.ApplyDelta(ctx, 3, 250, "action:T1:a1")
	if !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("err = %v, want ErrDuplicateReference", err)
	}
	if again != first {
		t.Fatalf("replayed balance = %d, want %d", again, first)
	}
	hist, _ := l.History(ctx, 3, 10)
	if len(hist) != 1 {
		t.Fatalf("history has %d entries, want 1", len(hist))
	}
	assertConsistent(t, l, 3)
}

func TestApplyDeltasIsAllOrNothing(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	mustCredit(t, l, 1, 100)
	mustCredit(t, l, 2, 10)

	_, err := l.ApplyDeltas(ctx, []Delta{
		{UserID: 1, Amount: 50},
		{UserID: 2, Amount: -50},
	}, "transfer:1")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	bals, err := l.Balances(ctx, []uint64{1, 2})
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if bals[1] != 100 || bals[2] != 10 {
		t.Fatalf("partial transfer leaked: %v", bals)
	}
	if hist, _ := l.History(ctx, 1, 10); len(hist) != 1 {
		t.Fatalf("user 1 has %d entries, want 1", len(hist))
	}
}

func TestTransferConservesTotal(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	mustCredit(t, l, 1, 1000)
	mustCredit(t, l, 2, 1000)
	before, _ := l.Total(ctx)

	applied, err := l.ApplyDeltas(ctx, []Delta{
		{UserID: 2, Amount: 300},
		{UserID: 1, Amount: -300},
	}, "settle:T1:1")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) != 2 || applied[0].UserID != 1 || applied[1].UserID != 2 {
		t.Fatalf("deltas not applied in user order: %+v", applied)
	}
	after, _ := l.Total(ctx)
	if before != after {
		t.Fatalf("total changed from %d to %d", before, after)
	}
	assertConsistent(t, l, 1)
	assertConsistent(t, l, 2)
}

func TestApplyDeltasMergesAndReplays(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	mustCredit(t, l, 1, 100)

	deltas := []Delta{{UserID: 1, Amount: -40}, {UserID: 1, Amount: 10}, {UserID: 2, Amount: 30}}
	applied, err := l.ApplyDeltas(ctx, deltas, "action:T1:x")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) != 2 || applied[0].Amount != -30 || applied[0].BalanceAfter != 70 {
		t.Fatalf("unexpected result %+v", applied)
	}

	replay, err := l.ApplyDeltas(ctx, deltas, "action:T1:x")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	for _, a := range replay {
		if !a.Replayed {
			t.Fatalf("delta for user %d re-applied", a.UserID)
		}
	}
	if bal, _ := l.Balance(ctx, 1); bal != 70 {
		t.Fatalf("balance = %d, want 70", bal)
	}

	none, err := l.ApplyDeltas(ctx, []Delta{{UserID: 5, Amount: 5}, {UserID: 5, Amount: -5}}, "wash")
	if err != nil || len(none) != 0 {
		t.Fatalf("net-zero deltas: %v %+v", err, none)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	mustCredit(t, l, 1, 100)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.ApplyDelta(ctx, 1, -10, fmt.Sprintf("bet:%d", i))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if succeeded != 10 {
		t.Fatalf("%d debits succeeded, want 10", succeeded)
	}
	if bal, _ := l.Balance(ctx, 1); bal != 0 {
		t.Fatalf("balance = %d, want 0", bal)
	}
	assertConsistent(t, l, 1)
}

func TestHistoryNewestFirst(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if _, err := l.ApplyDelta(ctx, 4, int64(i), fmt.Sprintf("r%d", i)); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	hist, err := l.History(ctx, 4, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history len = %d, want 3", len(hist))
	}
	if hist[0].ReferenceID != "r5" || hist[2].ReferenceID != "r3" {
		t.Fatalf("unexpected order: %s .. %s", hist[0].ReferenceID, hist[2].ReferenceID)
	}
	if hist[0].BalanceAfter != 15 || hist[0].BalanceBefore != 10 {
		t.Fatalf("unexpected balances on newest entry: %+v", hist[0])
	}
}

func TestReusedReferenceWithDifferentDeltasIsRejected(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	mustCredit(t, l, 1, 1000)
	mustCredit(t, l, 2, 1000)

	if _, err := l.ApplyDeltas(ctx, []Delta{{UserID: 1, Amount: -10}}, "action:T1:a1:v1"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	cases := []struct {
		name   string
		deltas []Delta
	}{
		{"different amount", []Delta{{UserID: 1, Amount: -500}}},
		{"extra user", []Delta{{UserID: 1, Amount: -10}, {UserID: 2, Amount: -10}}},
		{"other user only", []Delta{{UserID: 2, Amount: -10}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := l.ApplyDeltas(ctx, tc.deltas, "action:T1:a1:v1"); !errors.Is(err, ErrReferenceMismatch) {
				t.Fatalf("err = %v, want ErrReferenceMismatch", err)
			}
		})
	}

	bals, err := l.Balances(ctx, []uint64{1, 2})
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if bals[1] != 990 || bals[2] != 1000 {
		t.Fatalf("balances moved on rejected reuse: %v", bals)
	}
	assertConsistent(t, l, 1)
	assertConsistent(t, l, 2)
}

func TestReplayMissingAUserIsRejected(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	mustCredit(t, l, 1, 100)

	deltas := []Delta{{UserID: 1, Amount: -40}, {UserID: 2, Amount: 40}}
	if _, err := l.ApplyDeltas(ctx, deltas, "settle:T1:1"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := l.ApplyDeltas(ctx, deltas[:1], "settle:T1:1"); !errors.Is(err, ErrReferenceMismatch) {
		t.Fatalf("err = %v, want ErrReferenceMismatch", err)
	}
	if _, err := l.ApplyDeltas(ctx, deltas, "settle:T1:1"); err != nil {
		t.Fatalf("exact replay: %v", err)
	}
}

func TestCreditOverflowIsRejected(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	mustCredit(t, l, 1, math.MaxInt64-5)

	if _, err := l.ApplyDelta(ctx, 1, 10, "deposit:big"); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("err = %v, want ErrBalanceOverflow", err)
	}
	if bal, _ := l.Balance(ctx, 1); bal != math.MaxInt64-5 {
		t.Fatalf("balance = %d, want %d", bal, int64(math.MaxInt64-5))
	}
	if hist, _ := l.History(ctx, 1, 10); len(hist) != 1 {
		t.Fatalf("history has %d entries, want 1", len(hist))
	}
	if bal, err := l.ApplyDelta(ctx, 1, 5, "deposit:fits"); err != nil || bal != math.MaxInt64 {
		t.Fatalf("credit to max: %d %v", bal, err)
	}
}

func TestMergeOverflowIsRejected(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	_, err := l.ApplyDeltas(ctx, []Delta{
		{UserID: 1, Amount: math.MaxInt64},
		{UserID: 1, Amount: 1},
	}, "deposit:wrap")
	if !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("err = %v, want ErrBalanceOverflow", err)
	}
	_, err = l.ApplyDeltas(ctx, []Delta{
		{UserID: 1, Amount: math.MinInt64},
		{UserID: 1, Amount: -1},
	}, "debit:wrap")
	if !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("err = %v, want ErrBalanceOverflow", err)
	}
	if bal, _ := l.Balance(ctx, 1); bal != 0 {
		t.Fatalf("balance = %d, want 0", bal)
	}
}
