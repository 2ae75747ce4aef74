package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger_test.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func fundedWallet(t *testing.T, l *Ledger, userID, amount string) {
	t.Helper()
	ctx := context.Background()
	if err := l.CreateWallet(ctx, userID); err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	if _, err := l.Credit(ctx, userID, dec(t, amount), "test-topup"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
}

func TestCreditAndBalance(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	fundedWallet(t, l, "alice", "25.00")

	w, err := l.Wallet(ctx, "alice")
	if err != nil {
		t.Fatalf("Wallet: %v", err)
	}
	if !w.Balance.Equal(dec(t, "25.00")) {
		t.Errorf("balance = %s, want 25.00", w.Balance)
	}
	if !w.Reserved.IsZero() {
		t.Errorf("reserved = %s, want 0", w.Reserved)
	}
}

func TestCreditRejectsNonPositive(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	fundedWallet(t, l, "alice", "1.00")

	for _, amount := range []string{"0", "-5.00"} {
		if _, err := l.Credit(ctx, "alice", dec(t, amount), "x"); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Credit(%s) err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestReserveInsufficientFunds(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	fundedWallet(t, l, "alice", "1.00")

	if _, err := l.Reserve(ctx, "alice", "job-1", dec(t, "2.00")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Reserve err = %v, want ErrInsufficientFunds", err)
	}
}

func TestReserveEarmarksFunds(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	fundedWallet(t, l, "alice", "10.00")

	if _, err := l.Reserve(ctx, "alice", "job-1", dec(t, "4.00")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	w, _ := l.Wallet(ctx, "alice")
	if !w.Balance.Equal(dec(t, "10.00")) {
		t.Errorf("balance = %s, want 10.00 (reservation must not move balance)", w.Balance)
	}
	if !w.Reserved.Equal(dec(t, "4.00")) {
		t.Errorf("reserved = %s, want 4.00", w.Reserved)
	}
	if !w.Available().Equal(dec(t, "6.00")) {
		t.Errorf("available = %s, want 6.00", w.Available())
	}

	// A second reservation cannot claim the earmarked funds.
	if _, err := l.Reserve(ctx, "alice", "job-2", dec(t, "7.00")); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("second Reserve err = %v, want ErrInsufficientFunds", err)
	}
}

func TestDebitConsumesReservationFirst(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	fundedWallet(t, l, "alice", "10.00")

	if _, err := l.Reserve(ctx, "alice", "job-1", dec(t, "2.00")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	balance, err := l.Debit(ctx, "alice", "job-1", 1, dec(t, "1.00"))
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !balance.Equal(dec(t, "9.00")) {
		t.Errorf("balance after debit = %s, want 9.00", balance)
	}

	w, _ := l.Wallet(ctx, "alice")
	if !w.Reserved.Equal(dec(t, "1.00")) {
		t.Errorf("reserved = %s, want 1.00 (debit consumes the earmark)", w.Reserved)
	}
}

func TestDebitIdempotentPerTick(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	fundedWallet(t, l, "alice", "5.00")

	first, err := l.Debit(ctx, "alice", "job-1", 1, dec(t, "1.00"))
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}

	// Replayed delivery of the same tick must be a no-op returning the
	// prior result, not a second charge.
	second, err := l.Debit(ctx, "alice", "job-1", 1, dec(t, "1.00"))
	if err != nil {
		t.Fatalf("replayed Debit: %v", err)
	}
	if !first.Equal(second) {
		t.Errorf("replayed debit returned %s, want prior result %s", second, first)
	}

	w, _ := l.Wallet(ctx, "alice")
	if !w.Balance.Equal(dec(t, "4.00")) {
		t.Errorf("balance = %s, want 4.00 (exactly one charge)", w.Balance)
	}

	txs, err := l.History(ctx, "alice", 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	debits := 0
	for _, tx := range txs {
		if tx.Type == TxDebit {
			debits++
		}
	}
	if debits != 1 {
		t.Errorf("debit transaction count = %d, want 1", debits)
	}
}

func TestDebitCannotSpendOtherJobsReservation(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	fundedWallet(t, l, "alice", "5.00")

	if _, err := l.Reserve(ctx, "alice", "job-1", dec(t, "4.00")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Available is 1.00; job-2 holds no reservation so its debit of
	// 2.00 must fail even though total balance could cover it.
	if _, err := l.Debit(ctx, "alice", "job-2", 1, dec(t, "2.00")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Debit err = %v, want ErrInsufficientFunds", err)
	}
}

func TestBalanceNeverNegative(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	fundedWallet(t, l, "alice", "3.00")

	var tick int64
	for {
		tick++
		_, err := l.Debit(ctx, "alice", "job-1", tick, dec(t, "1.00"))
		if errors.Is(err, ErrInsufficientFunds) {
			break
		}
		if err != nil {
			t.Fatalf("Debit tick %d: %v", tick, err)
		}
		w, _ := l.Wallet(ctx, "alice")
		if w.Balance.IsNegative() {
			t.Fatalf("balance went negative: %s", w.Balance)
		}
		if tick > 10 {
			t.Fatal("debits never exhausted the wallet")
		}
	}

	w, _ := l.Wallet(ctx, "alice")
	if !w.Balance.IsZero() {
		t.Errorf("final balance = %s, want 0", w.Balance)
	}
}

func TestReleaseReturnsUnusedReservation(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	fundedWallet(t, l, "alice", "10.00")

	token, err := l.Reserve(ctx, "alice", "job-1", dec(t, "2.00"))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Job completes after one interval costing 1.00.
	if _, err := l.Debit(ctx, "alice", "job-1", 1, dec(t, "1.00")); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	released, err := l.Release(ctx, token)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !released.Equal(dec(t, "1.00")) {
		t.Errorf("released = %s, want 1.00", released)
	}

	w, _ := l.Wallet(ctx, "alice")
	if !w.Balance.Equal(dec(t, "9.00")) {
		t.Errorf("balance = %s, want 9.00 (one debit, one release)", w.Balance)
	}
	if !w.Reserved.IsZero() {
		t.Errorf("reserved = %s, want 0", w.Reserved)
	}

	// Releasing twice is a no-op.
	released, err = l.Release(ctx, token)
	if err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if !released.IsZero() {
		t.Errorf("second release = %s, want 0", released)
	}
}

func TestReservationConservation(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	fundedWallet(t, l, "alice", "10.00")

	before, _ := l.Wallet(ctx, "alice")

	token, err := l.Reserve(ctx, "alice", "job-1", dec(t, "3.00"))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := l.Release(ctx, token); err != nil {
		t.Fatalf("Release: %v", err)
	}

	after, _ := l.Wallet(ctx, "alice")
	if !after.Balance.Equal(before.Balance) || !after.Reserved.Equal(before.Reserved) {
		t.Errorf("reserve+release not conservative: before=%s/%s after=%s/%s",
			before.Balance, before.Reserved, after.Balance, after.Reserved)
	}
}

func TestRefund(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	fundedWallet(t, l, "alice", "5.00")

	if _, err := l.Debit(ctx, "alice", "job-1", 1, dec(t, "2.00")); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	balance, err := l.Refund(ctx, "alice", "job-1", dec(t, "2.00"), "sandbox creation failed")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if !balance.Equal(dec(t, "5.00")) {
		t.Errorf("balance = %s, want 5.00", balance)
	}
}

func TestReconcile(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	fundedWallet(t, l, "alice", "10.00")

	token, _ := l.Reserve(ctx, "alice", "job-1", dec(t, "2.00"))
	l.Debit(ctx, "alice", "job-1", 1, dec(t, "1.00"))
	l.Debit(ctx, "alice", "job-1", 2, dec(t, "1.00"))
	l.Release(ctx, token)
	l.Refund(ctx, "alice", "job-1", dec(t, "0.50"), "partial interval credit")

	if err := l.Reconcile(ctx, "alice"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func TestReconcileDetectsCorruption(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	fundedWallet(t, l, "alice", "10.00")

	// Corrupt the projection behind the ledger's back.
	if _, err := l.DB().Exec(`UPDATE wallets SET balance = '99.00' WHERE user_id = 'alice'`); err != nil {
		t.Fatalf("corrupt wallet: %v", err)
	}

	if err := l.Reconcile(ctx, "alice"); !errors.Is(err, ErrLedgerCorrupt) {
		t.Fatalf("Reconcile err = %v, want ErrLedgerCorrupt", err)
	}

	// The frozen user rejects further mutation.
	if _, err := l.Credit(ctx, "alice", dec(t, "1.00"), "x"); !errors.Is(err, ErrUserFrozen) {
		t.Errorf("Credit after freeze err = %v, want ErrUserFrozen", err)
	}
}

func TestConcurrentDebitsSerializePerUser(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	fundedWallet(t, l, "alice", "100.00")

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(tick int64) {
			defer wg.Done()
			if _, err := l.Debit(ctx, "alice", "job-1", tick, dec(t, "1.00")); err != nil {
				errs <- fmt.Errorf("tick %d: %w", tick, err)
			}
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent debit: %v", err)
	}

	w, _ := l.Wallet(ctx, "alice")
	if !w.Balance.Equal(dec(t, "50.00")) {
		t.Errorf("balance = %s, want 50.00", w.Balance)
	}
	if err := l.Reconcile(ctx, "alice"); err != nil {
		t.Errorf("Reconcile after concurrent debits: %v", err)
	}
}
