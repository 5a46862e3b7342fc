package journal

import (
	"context"
	"errors"
	"testing"
)

func post(t *testing.T, svc *Service, m *Move) *Move {
	t.Helper()
	posted, err := svc.Post(context.Background(), m)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	return posted
}

func TestPostBalancedMove(t *testing.T) {
	svc := NewService(NewMemoryStore())

	m := post(t, svc, &Move{
		TenantID: "t1",
		Ref:      "settle:esc_1",
		Lines: []Line{
			{Account: "2100-escrow", Debit: "100.00"},
			{Account: "2200-wallets", Credit: "100.00", Partner: "seller1"},
		},
	})

	if m.ID == "" {
		t.Error("posted move has no ID")
	}
	if m.PostedAt.IsZero() {
		t.Error("posted move has no timestamp")
	}

	got, err := svc.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Lines) != 2 {
		t.Errorf("lines = %d, want 2", len(got.Lines))
	}
}

func TestPostRejectsUnbalancedMove(t *testing.T) {
	svc := NewService(NewMemoryStore())

	_, err := svc.Post(context.Background(), &Move{
		TenantID: "t1",
		Lines: []Line{
			{Account: "a", Debit: "100.00"},
			{Account: "b", Credit: "99.99"},
		},
	})
	if !errors.Is(err, ErrUnbalanced) {
		t.Errorf("err = %v, want ErrUnbalanced", err)
	}
}

func TestPostRejectsTooFewLines(t *testing.T) {
	svc := NewService(NewMemoryStore())

	for _, lines := range [][]Line{nil, {{Account: "a", Debit: "1.00"}}} {
		_, err := svc.Post(context.Background(), &Move{TenantID: "t1", Lines: lines})
		if !errors.Is(err, ErrEmptyMove) {
			t.Errorf("err = %v, want ErrEmptyMove", err)
		}
	}
}

func TestPostRejectsNegativeLine(t *testing.T) {
	svc := NewService(NewMemoryStore())

	_, err := svc.Post(context.Background(), &Move{
		TenantID: "t1",
		Lines: []Line{
			{Account: "a", Debit: "-5.00"},
			{Account: "b", Credit: "-5.00"},
		},
	})
	if err == nil {
		t.Error("negative line amounts accepted")
	}
}

func TestPostRejectsMissingAccount(t *testing.T) {
	svc := NewService(NewMemoryStore())

	_, err := svc.Post(context.Background(), &Move{
		TenantID: "t1",
		Lines: []Line{
			{Account: "", Debit: "5.00"},
			{Account: "b", Credit: "5.00"},
		},
	})
	if err == nil {
		t.Error("line without account accepted")
	}
}

func TestMultiLegMoveBalancesAcrossLines(t *testing.T) {
	svc := NewService(NewMemoryStore())

	post(t, svc, &Move{
		TenantID: "t1",
		Lines: []Line{
			{Account: "2100-escrow", Debit: "100.00"},
			{Account: "2200-wallets", Credit: "97.00", Partner: "seller1"},
			{Account: "4000-fees", Credit: "3.00"},
		},
	})
}

func TestListByRef(t *testing.T) {
	svc := NewService(NewMemoryStore())

	post(t, svc, &Move{
		TenantID: "t1", Ref: "settle:esc_1",
		Lines: []Line{
			{Account: "a", Debit: "1.00"},
			{Account: "b", Credit: "1.00"},
		},
	})
	post(t, svc, &Move{
		TenantID: "t1", Ref: "settle:esc_2",
		Lines: []Line{
			{Account: "a", Debit: "2.00"},
			{Account: "b", Credit: "2.00"},
		},
	})

	got, err := svc.ListByRef(context.Background(), "t1", "settle:esc_1")
	if err != nil {
		t.Fatalf("ListByRef: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("moves = %d, want 1", len(got))
	}

	// Other tenants never see the move.
	other, err := svc.ListByRef(context.Background(), "t2", "settle:esc_1")
	if err != nil {
		t.Fatalf("ListByRef: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("cross-tenant moves = %d, want 0", len(other))
	}
}
