package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/trakka/payguard/internal/tenant"
)

func TestSweepSettlesEligibleOnly(t *testing.T) {
	f := newFixture(t, &tenant.Tenant{
		ID:                   "t1",
		Currency:             "USD",
		EscrowAccount:        "ESC",
		WalletAccount:        "WLT",
		DefaultReleasePolicy: tenant.ReleaseOnDelivery,
	})
	ctx := context.Background()
	f.orders.add(&OrderInfo{ID: "ord2", TenantID: "t1", SellerID: "seller2", Total: "40.00", Currency: "USD", Invoiced: true})

	a, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})
	b, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord2"})
	if _, err := f.service.MarkReleaseReady(ctx, actor(), a.ID); err != nil {
		t.Fatalf("mark a: %v", err)
	}
	// b stays held; the sweep must leave it alone.
	_ = b

	logger := testLogger()
	sweep := NewSweep(f.service, f.store, logger)
	settled := sweep.RunOnce(ctx)
	if settled != 1 {
		t.Fatalf("settled = %d, want 1", settled)
	}

	gotA, _ := f.service.Get(ctx, a.ID)
	if gotA.State != StateReleased {
		t.Errorf("a state = %s, want released", gotA.State)
	}
	gotB, _ := f.service.Get(ctx, b.ID)
	if gotB.State != StateHeld {
		t.Errorf("b state = %s, want held", gotB.State)
	}
}

func TestSweepRespectsCooldown(t *testing.T) {
	f := newFixture(t, &tenant.Tenant{
		ID:                   "t1",
		Currency:             "USD",
		EscrowAccount:        "ESC",
		WalletAccount:        "WLT",
		DefaultReleasePolicy: tenant.ReleaseAfterCooldown,
		CooldownDays:         3,
	})
	ctx := context.Background()

	e, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})
	if _, err := f.service.MarkReleaseReady(ctx, actor(), e.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}

	sweep := NewSweep(f.service, f.store, testLogger())

	// Cooldown has not elapsed.
	if settled := sweep.RunOnce(ctx); settled != 0 {
		t.Fatalf("settled = %d inside cooldown, want 0", settled)
	}

	// Backdate the release-ready stamp past the cooldown.
	stored, _ := f.store.Get(ctx, e.ID)
	past := time.Now().UTC().Add(-4 * 24 * time.Hour)
	stored.ReleaseReadyAt = &past
	if err := f.store.Update(ctx, stored); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if settled := sweep.RunOnce(ctx); settled != 1 {
		t.Fatalf("settled = %d after cooldown, want 1", settled)
	}
	got, _ := f.service.Get(ctx, e.ID)
	if got.State != StateReleased {
		t.Errorf("state = %s, want released", got.State)
	}
}

func TestSweepSettlesManualPolicyOnceMarked(t *testing.T) {
	f := newFixture(t, nil) // manual
	ctx := context.Background()

	e, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})
	if _, err := f.service.MarkReleaseReady(ctx, actor(), e.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}

	// The operator did the marking; the sweep finishes the settlement.
	sweep := NewSweep(f.service, f.store, testLogger())
	if settled := sweep.RunOnce(ctx); settled != 1 {
		t.Fatalf("settled = %d for marked manual escrow, want 1", settled)
	}
	got, _ := f.service.Get(ctx, e.ID)
	if got.State != StateReleased {
		t.Errorf("state = %s, want released", got.State)
	}
}

func TestSweepRecordsFailureOnEscrow(t *testing.T) {
	f := newFixture(t, &tenant.Tenant{
		ID:                   "t1",
		Currency:             "USD",
		EscrowAccount:        "ESC", // wallet liability account missing
		DefaultReleasePolicy: tenant.ReleaseManual,
	})
	ctx := context.Background()

	e, _ := f.service.Create(ctx, actor(), CreateRequest{OrderID: "ord1"})
	if _, err := f.service.MarkReleaseReady(ctx, actor(), e.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}

	sweep := NewSweep(f.service, f.store, testLogger())
	if settled := sweep.RunOnce(ctx); settled != 0 {
		t.Fatalf("settled = %d with broken tenant config, want 0", settled)
	}

	got, _ := f.service.Get(ctx, e.ID)
	if got.State != StateReleaseReady {
		t.Errorf("state = %s, want release-ready for retry", got.State)
	}
	if got.LastError == "" {
		t.Error("LastError not recorded on failed settlement")
	}
	last := got.Audit[len(got.Audit)-1]
	if last.Action != "settlement_failed" {
		t.Errorf("last audit action = %s, want settlement_failed", last.Action)
	}
}
