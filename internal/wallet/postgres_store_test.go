package wallet_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/trakka/payguard/internal/testutil"
	"github.com/trakka/payguard/internal/wallet"
)

func TestPostgresStoreWalletLedger(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := wallet.NewService(wallet.NewPostgresStore(db), logger)
	ctx := context.Background()

	a, err := svc.EnsureAccount(ctx, "t1", "seller1", "USD")
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	// Same owner resolves to the same row.
	b, err := svc.EnsureAccount(ctx, "t1", "seller1", "USD")
	if err != nil {
		t.Fatalf("EnsureAccount again: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("two accounts for one owner: %s, %s", a.ID, b.ID)
	}

	if _, _, err := svc.Credit(ctx, a.ID, "100.00", "settle:esc_1", "settle:esc_1"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	// Concurrent duplicates race on the unique key; exactly one inserts.
	var wg sync.WaitGroup
	insertions := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, inserted, err := svc.Credit(ctx, a.ID, "50.00", "settle:esc_2", "settle:esc_2")
			if err != nil {
				t.Errorf("concurrent Credit: %v", err)
				return
			}
			insertions <- inserted
		}()
	}
	wg.Wait()
	close(insertions)

	inserts := 0
	for ok := range insertions {
		if ok {
			inserts++
		}
	}
	if inserts != 1 {
		t.Errorf("inserted %d times under one idempotency key, want 1", inserts)
	}

	balance, err := svc.Balance(ctx, a.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != "150.00" {
		t.Errorf("balance = %q, want 150.00", balance)
	}

	// Overdraft guard holds under the row lock.
	if _, _, err := svc.Debit(ctx, a.ID, "150.01", "", "payout:1"); err == nil {
		t.Error("overdraft debit accepted")
	}
}
