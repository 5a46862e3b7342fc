package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testService() *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(NewMemoryStore(), logger)
}

func mustAccount(t *testing.T, svc *Service) *Account {
	t.Helper()
	a, err := svc.EnsureAccount(context.Background(), "t1", "seller1", "USD")
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	return a
}

func TestEnsureAccountIsIdempotent(t *testing.T) {
	svc := testService()

	a := mustAccount(t, svc)
	b := mustAccount(t, svc)
	if a.ID != b.ID {
		t.Errorf("got two accounts for same owner: %s, %s", a.ID, b.ID)
	}

	other, err := svc.EnsureAccount(context.Background(), "t1", "seller1", "EUR")
	if err != nil {
		t.Fatalf("EnsureAccount EUR: %v", err)
	}
	if other.ID == a.ID {
		t.Error("different currency shares an account")
	}
}

func TestBalanceIsSumOfMoves(t *testing.T) {
	svc := testService()
	a := mustAccount(t, svc)
	ctx := context.Background()

	if _, _, err := svc.Credit(ctx, a.ID, "100.00", "settle:esc_1", "k1"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, _, err := svc.Credit(ctx, a.ID, "25.50", "settle:esc_2", "k2"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, _, err := svc.Debit(ctx, a.ID, "30.00", "payout:1", "k3"); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	balance, err := svc.Balance(ctx, a.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != "95.50" {
		t.Errorf("balance = %q, want 95.50", balance)
	}
}

func TestCreditRejectsNonPositiveAmounts(t *testing.T) {
	svc := testService()
	a := mustAccount(t, svc)

	for _, amount := range []string{"0", "0.00", "-10.00", "abc", ""} {
		if _, _, err := svc.Credit(context.Background(), a.ID, amount, "", "k-"+amount); err == nil {
			t.Errorf("Credit(%q) accepted, want error", amount)
		}
	}
}

func TestDuplicateIdempotencyKeyReturnsPriorMove(t *testing.T) {
	svc := testService()
	a := mustAccount(t, svc)
	ctx := context.Background()

	first, inserted, err := svc.Credit(ctx, a.ID, "100.00", "settle:esc_1", "settle:esc_1")
	if err != nil || !inserted {
		t.Fatalf("first Credit: inserted=%v err=%v", inserted, err)
	}

	second, inserted, err := svc.Credit(ctx, a.ID, "100.00", "settle:esc_1", "settle:esc_1")
	if err != nil {
		t.Fatalf("duplicate Credit: %v", err)
	}
	if inserted {
		t.Error("duplicate key reported as inserted")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned move %s, want prior %s", second.ID, first.ID)
	}

	balance, _ := svc.Balance(ctx, a.ID)
	if balance != "100.00" {
		t.Errorf("balance = %q after duplicate credit, want 100.00", balance)
	}
}

func TestDebitNeverTakesBalanceNegative(t *testing.T) {
	svc := testService()
	a := mustAccount(t, svc)
	ctx := context.Background()

	if _, _, err := svc.Credit(ctx, a.ID, "50.00", "", "k1"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	_, _, err := svc.Debit(ctx, a.ID, "50.01", "", "k2")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}

	// Exact balance is fine.
	if _, _, err := svc.Debit(ctx, a.ID, "50.00", "", "k3"); err != nil {
		t.Errorf("exact-balance debit rejected: %v", err)
	}
	balance, _ := svc.Balance(ctx, a.ID)
	if balance != "0.00" {
		t.Errorf("balance = %q, want 0.00", balance)
	}
}

func TestConcurrentCreditsAllLand(t *testing.T) {
	svc := testService()
	a := mustAccount(t, svc)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := svc.Credit(ctx, a.ID, "1.00", "", fmt.Sprintf("k%d", i))
			if err != nil {
				t.Errorf("Credit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	balance, err := svc.Balance(ctx, a.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != "20.00" {
		t.Errorf("balance = %q, want 20.00", balance)
	}
}

func TestHistoryReturnsRecentMoves(t *testing.T) {
	svc := testService()
	a := mustAccount(t, svc)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, _, err := svc.Credit(ctx, a.ID, "1.00", "", fmt.Sprintf("k%d", i)); err != nil {
			t.Fatalf("Credit: %v", err)
		}
	}

	moves, err := svc.History(ctx, a.ID, 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(moves) != 3 {
		t.Errorf("moves = %d, want 3", len(moves))
	}
}

func TestMoveOnUnknownWallet(t *testing.T) {
	svc := testService()

	_, _, err := svc.Credit(context.Background(), "wal_missing", "1.00", "", "k1")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}
