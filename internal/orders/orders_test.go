package orders

import (
	"context"
	"testing"

	"github.com/trakka/payguard/internal/tenant"
)

func TestPutAndGet(t *testing.T) {
	svc := NewService(NewMemoryStore())
	actor := tenant.Actor{TenantID: "t1", UserID: "u1"}

	o, err := svc.Put(context.Background(), actor, PutRequest{
		ID: "ord1", SellerID: "seller1", Total: "100.00", Currency: "USD",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if o.TenantID != "t1" || o.Total != "100.00" {
		t.Errorf("unexpected order: %+v", o)
	}

	got, err := svc.Get(context.Background(), "t1", "ord1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SellerID != "seller1" {
		t.Errorf("seller = %q, want seller1", got.SellerID)
	}
}

func TestPutRejectsNonPositiveTotal(t *testing.T) {
	svc := NewService(NewMemoryStore())
	actor := tenant.Actor{TenantID: "t1"}

	for _, total := range []string{"0", "-5.00", "abc", ""} {
		if _, err := svc.Put(context.Background(), actor, PutRequest{
			ID: "ord1", SellerID: "s1", Total: total,
		}); err == nil {
			t.Errorf("total %q accepted, want error", total)
		}
	}
}

func TestPutRefreshKeepsCreatedAt(t *testing.T) {
	svc := NewService(NewMemoryStore())
	actor := tenant.Actor{TenantID: "t1"}

	first, err := svc.Put(context.Background(), actor, PutRequest{
		ID: "ord1", SellerID: "s1", Total: "10.00",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	second, err := svc.Put(context.Background(), actor, PutRequest{
		ID: "ord1", SellerID: "s1", Total: "25.00",
	})
	if err != nil {
		t.Fatalf("refresh Put: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("refresh changed CreatedAt")
	}
	if second.Total != "25.00" {
		t.Errorf("total = %q, want 25.00", second.Total)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	svc := NewService(NewMemoryStore())

	_, err := svc.Put(context.Background(), tenant.Actor{TenantID: "t1"}, PutRequest{
		ID: "ord1", SellerID: "s1", Total: "10.00",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := svc.Get(context.Background(), "t2", "ord1"); err != ErrOrderNotFound {
		t.Errorf("cross-tenant Get err = %v, want ErrOrderNotFound", err)
	}
}

func TestMarkInvoiced(t *testing.T) {
	svc := NewService(NewMemoryStore())
	actor := tenant.Actor{TenantID: "t1"}

	_, err := svc.Put(context.Background(), actor, PutRequest{
		ID: "ord1", SellerID: "s1", Total: "10.00",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	o, err := svc.MarkInvoiced(context.Background(), "t1", "ord1")
	if err != nil {
		t.Fatalf("MarkInvoiced: %v", err)
	}
	if !o.Invoiced {
		t.Error("order not marked invoiced")
	}

	// Second call is a no-op.
	if _, err := svc.MarkInvoiced(context.Background(), "t1", "ord1"); err != nil {
		t.Fatalf("repeat MarkInvoiced: %v", err)
	}
}
