package escrow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/trakka/payguard/internal/journal"
	"github.com/trakka/payguard/internal/tenant"
	"github.com/trakka/payguard/internal/wallet"
)

// fakeOrders serves a fixed set of orders.
type fakeOrders struct {
	mu     sync.Mutex
	orders map[string]*OrderInfo
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{orders: make(map[string]*OrderInfo)}
}

func (f *fakeOrders) add(o *OrderInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.TenantID+"/"+o.ID] = o
}

func (f *fakeOrders) Order(ctx context.Context, tenantID, orderID string) (*OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[tenantID+"/"+orderID]
	if !ok {
		return nil, errors.New("order not found")
	}
	cp := *o
	return &cp, nil
}

type fixture struct {
	service *Service
	store   *MemoryStore
	orders  *fakeOrders
	tenants *tenant.Service
	wallets *wallet.Service
	moves   *journal.Service
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFixture(t *testing.T, cfg *tenant.Tenant) *fixture {
	t.Helper()
	logger := testLogger()

	tenants := tenant.NewService(tenant.NewMemoryStore())
	if cfg == nil {
		cfg = &tenant.Tenant{
			ID:                   "t1",
			Currency:             "USD",
			EscrowAccount:        "ESC",
			WalletAccount:        "WLT",
			DefaultReleasePolicy: tenant.ReleaseManual,
		}
	}
	if err := tenants.Put(context.Background(), cfg); err != nil {
		t.Fatalf("put tenant: %v", err)
	}

	orders := newFakeOrders()
	orders.add(&OrderInfo{ID: "ord1", TenantID: "t1", SellerID: "seller1", Total: "100.00", Currency: "USD", Invoiced: true})

	moves := journal.NewService(journal.NewMemoryStore())
	wallets := wallet.NewService(wallet.NewMemoryStore(), logger)
	store := NewMemoryStore()
	service := NewService(store, tenants, orders, moves, wallets, logger)

	return &fixture{service: service, store: store, orders: orders, tenants: tenants, wallets: wallets, moves: moves}
}

func actor() tenant.Actor {
	return tenant.Actor{TenantID: "t1", UserID: "u1"}
}

func TestCreateHoldsOrderTotal(t *testing.T) {
	f := newFixture(t, nil)

	e, err := f.service.Create(context.Background(), actor(), CreateRequest{OrderID: "ord1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.State != StateHeld {
		t.Errorf("state = %s, want %s", e.State, StateHeld)
	}
	if e.Amount != "100.00" {
		t.Errorf("amount = %s, want order total", e.Amount)
	}
	if e.SellerID != "seller1" {
		t.Errorf("seller = %s, want seller1", e.SellerID)
	}
}

func TestCreateRejectsSecondEscrowForOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})
	if !errors.Is(err, ErrOrderAlreadyEscrowed) {
		t.Errorf("err = %v, want ErrOrderAlreadyEscrowed", err)
	}
}

func TestCreateRejectsReusedIdempotencyKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.orders.add(&OrderInfo{ID: "ord2", TenantID: "t1", SellerID: "seller2", Total: "40.00", Currency: "USD", Invoiced: true})

	if _, err := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1", IdempotencyKey: "k1"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord2", IdempotencyKey: "k1"})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("err = %v, want ErrDuplicateKey", err)
	}
}

func TestCreateRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t, nil)

	for _, amount := range []string{"0.00", "-5.00"} {
		_, err := f.service.Create(context.Background(), actor(), CreateRequest{OrderID: "ord1", Amount: amount})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %q: err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestAmountLockedAfterHeld(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	e, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})
	if _, err := f.service.UpdateAmount(ctx, actor(), e.ID, "80.00"); err != nil {
		t.Fatalf("update while held: %v", err)
	}

	if _, err := f.service.MarkReleaseReady(ctx, actor(), e.ID); err != nil {
		t.Fatalf("mark release ready: %v", err)
	}
	_, err := f.service.UpdateAmount(ctx, actor(), e.ID, "90.00")
	if !errors.Is(err, ErrAmountLocked) {
		t.Errorf("err = %v, want ErrAmountLocked", err)
	}
}

func TestMarkReleaseReadyOnlyFromHeld(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	e, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})
	got, err := f.service.MarkReleaseReady(ctx, actor(), e.ID)
	if err != nil {
		t.Fatalf("mark release ready: %v", err)
	}
	if got.State != StateReleaseReady || got.ReleaseReadyAt == nil {
		t.Errorf("state = %s, releaseReadyAt = %v", got.State, got.ReleaseReadyAt)
	}

	_, err = f.service.MarkReleaseReady(ctx, actor(), e.ID)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("second mark: err = %v, want ErrInvalidState", err)
	}
}

func TestSettlementPostsBalancedMoveAndCreditsWallet(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	e, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})
	_, _ = f.service.MarkReleaseReady(ctx, actor(), e.ID)

	settled, err := f.service.PostSettlement(ctx, actor(), e.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.State != StateReleased {
		t.Fatalf("state = %s, want %s", settled.State, StateReleased)
	}
	if settled.JournalMoveID == "" || settled.WalletMoveID == "" {
		t.Errorf("missing settlement artifacts: journal=%q wallet=%q",
			settled.JournalMoveID, settled.WalletMoveID)
	}

	move, err := f.moves.Get(ctx, settled.JournalMoveID)
	if err != nil {
		t.Fatalf("get journal move: %v", err)
	}
	if len(move.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(move.Lines))
	}
	if move.Lines[0].Account != "ESC" || move.Lines[0].Debit != "100.00" {
		t.Errorf("debit line = %+v", move.Lines[0])
	}
	if move.Lines[1].Account != "WLT" || move.Lines[1].Credit != "100.00" {
		t.Errorf("credit line = %+v", move.Lines[1])
	}

	acct, err := f.wallets.EnsureAccount(ctx, "t1", "seller1", "USD")
	if err != nil {
		t.Fatalf("wallet account: %v", err)
	}
	balance, err := f.wallets.Balance(ctx, acct.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != "100.00" {
		t.Errorf("balance = %s, want 100.00", balance)
	}
}

func TestSettlementIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	e, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})
	_, _ = f.service.MarkReleaseReady(ctx, actor(), e.ID)

	first, err := f.service.PostSettlement(ctx, actor(), e.ID)
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	second, err := f.service.PostSettlement(ctx, actor(), e.ID)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if second.WalletMoveID != first.WalletMoveID {
		t.Errorf("wallet move changed on replay: %s vs %s", second.WalletMoveID, first.WalletMoveID)
	}

	acct, _ := f.wallets.EnsureAccount(ctx, "t1", "seller1", "USD")
	balance, _ := f.wallets.Balance(ctx, acct.ID)
	if balance != "100.00" {
		t.Errorf("balance = %s after replay, want 100.00", balance)
	}
	moves, _ := f.moves.ListByRef(ctx, "t1", "settle:"+e.ID)
	if len(moves) != 1 {
		t.Errorf("journal moves = %d, want exactly 1", len(moves))
	}
}

func TestConcurrentSettlementCreditsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	e, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})
	_, _ = f.service.MarkReleaseReady(ctx, actor(), e.ID)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.PostSettlement(ctx, actor(), e.ID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("settle %d: %v", i, err)
		}
	}

	acct, _ := f.wallets.EnsureAccount(ctx, "t1", "seller1", "USD")
	balance, _ := f.wallets.Balance(ctx, acct.ID)
	if balance != "100.00" {
		t.Errorf("balance = %s after %d concurrent settlements, want 100.00", balance, n)
	}
	moves, _ := f.moves.ListByRef(ctx, "t1", "settle:"+e.ID)
	if len(moves) != 1 {
		t.Errorf("journal moves = %d, want exactly 1", len(moves))
	}
}

func TestSettlementRequiresReleaseReady(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	e, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})
	_, err := f.service.PostSettlement(ctx, actor(), e.ID)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestSettlementBlockedByMissingAccounts(t *testing.T) {
	f := newFixture(t, &tenant.Tenant{
		ID:                   "t1",
		Currency:             "USD",
		DefaultReleasePolicy: tenant.ReleaseManual,
		// No liability accounts configured.
	})
	ctx := context.Background()

	e, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})
	_, _ = f.service.MarkReleaseReady(ctx, actor(), e.ID)

	_, err := f.service.PostSettlement(ctx, actor(), e.ID)
	if !tenant.IsConfigError(err) {
		t.Errorf("err = %v, want ConfigError", err)
	}

	// No money may move on a config failure.
	got, _ := f.service.Get(ctx, e.ID)
	if got.State != StateReleaseReady {
		t.Errorf("state = %s, want unchanged %s", got.State, StateReleaseReady)
	}
	moves, _ := f.moves.ListByRef(ctx, "t1", "settle:"+e.ID)
	if len(moves) != 0 {
		t.Errorf("journal moves = %d, want 0", len(moves))
	}
}

func TestSettlementBlockedByInvoicePolicy(t *testing.T) {
	f := newFixture(t, &tenant.Tenant{
		ID:                   "t1",
		Currency:             "USD",
		EscrowAccount:        "ESC",
		WalletAccount:        "WLT",
		RequireInvoice:       true,
		DefaultReleasePolicy: tenant.ReleaseManual,
	})
	ctx := context.Background()
	f.orders.add(&OrderInfo{ID: "ord2", TenantID: "t1", SellerID: "seller1", Total: "50.00", Currency: "USD", Invoiced: false})

	e, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord2"})
	_, _ = f.service.MarkReleaseReady(ctx, actor(), e.ID)

	_, err := f.service.PostSettlement(ctx, actor(), e.ID)
	if !errors.Is(err, ErrInvoiceRequired) {
		t.Errorf("err = %v, want ErrInvoiceRequired", err)
	}
}

func TestOverrideReleaseRequiresPrivilegeAndReason(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	e, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})

	if _, err := f.service.OverrideRelease(ctx, actor(), e.ID, "stuck"); !errors.Is(err, ErrNotPrivileged) {
		t.Errorf("unprivileged: err = %v, want ErrNotPrivileged", err)
	}

	admin := tenant.Actor{TenantID: "t1", UserID: "admin", Privileged: true}
	if _, err := f.service.OverrideRelease(ctx, admin, e.ID, ""); !errors.Is(err, ErrReasonRequired) {
		t.Errorf("no reason: err = %v, want ErrReasonRequired", err)
	}

	got, err := f.service.OverrideRelease(ctx, admin, e.ID, "seller verified manually")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if got.State != StateReleased {
		t.Errorf("state = %s, want %s", got.State, StateReleased)
	}

	found := false
	for _, entry := range got.Audit {
		if entry.Action == "override_release" && entry.Note == "seller verified manually" {
			found = true
		}
	}
	if !found {
		t.Errorf("override audit entry missing: %+v", got.Audit)
	}
}

func TestReleaseOnDeliveryIgnoresManualPolicy(t *testing.T) {
	f := newFixture(t, nil) // manual policy
	ctx := context.Background()

	e, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})
	f.service.ReleaseOnDelivery(ctx, "t1", "ord1")

	got, _ := f.service.Get(ctx, e.ID)
	if got.State != StateHeld {
		t.Errorf("state = %s, manual policy must not auto-release", got.State)
	}
}

func TestReleaseOnDeliveryMarksAndSettles(t *testing.T) {
	f := newFixture(t, &tenant.Tenant{
		ID:                   "t1",
		Currency:             "USD",
		EscrowAccount:        "ESC",
		WalletAccount:        "WLT",
		DefaultReleasePolicy: tenant.ReleaseOnDelivery,
	})
	ctx := context.Background()

	delivered := deliveredChecker{orders: map[string]bool{"t1/ord1": true}}
	f.service.WithDeliveryChecker(delivered)

	e, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})
	f.service.ReleaseOnDelivery(ctx, "t1", "ord1")

	got, _ := f.service.Get(ctx, e.ID)
	if got.State != StateReleased {
		t.Errorf("state = %s, want %s under auto_on_delivery", got.State, StateReleased)
	}
}

type deliveredChecker struct {
	orders map[string]bool
}

func (d deliveredChecker) Delivered(ctx context.Context, tenantID, orderID string) (bool, error) {
	return d.orders[tenantID+"/"+orderID], nil
}
