package tenant

import (
	"context"
	"errors"
	"testing"
)

func TestPutDefaultsAndValidation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if err := svc.Put(ctx, &Tenant{}); err == nil {
		t.Error("tenant without ID accepted")
	}

	if err := svc.Put(ctx, &Tenant{ID: "t1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := svc.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DefaultReleasePolicy != ReleaseManual {
		t.Errorf("default policy = %q, want manual", got.DefaultReleasePolicy)
	}

	if err := svc.Put(ctx, &Tenant{ID: "t2", DefaultReleasePolicy: "whenever"}); err == nil {
		t.Error("unknown release policy accepted")
	}
}

func TestGetUnknownTenant(t *testing.T) {
	svc := NewService(NewMemoryStore())

	_, err := svc.Get(context.Background(), "ghost")
	if !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("err = %v, want ErrTenantNotFound", err)
	}
}

func TestAccountsRequireBothCodes(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	cases := []*Tenant{
		{ID: "t1"},
		{ID: "t2", EscrowAccount: "2100"},
		{ID: "t3", WalletAccount: "2200"},
	}
	for _, tn := range cases {
		if err := svc.Put(ctx, tn); err != nil {
			t.Fatalf("Put %s: %v", tn.ID, err)
		}
		_, err := svc.Accounts(ctx, tn.ID)
		if !IsConfigError(err) {
			t.Errorf("tenant %s: err = %v, want ConfigError", tn.ID, err)
		}
	}

	if err := svc.Put(ctx, &Tenant{ID: "t4", EscrowAccount: "2100", WalletAccount: "2200"}); err != nil {
		t.Fatalf("Put t4: %v", err)
	}
	acc, err := svc.Accounts(ctx, "t4")
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if acc.Escrow != "2100" || acc.Wallet != "2200" {
		t.Errorf("accounts = %+v", acc)
	}
}

func TestConfigErrorIsNotRetryable(t *testing.T) {
	err := error(&ConfigError{TenantID: "t1", Missing: "escrow liability account"})

	if !IsConfigError(err) {
		t.Error("IsConfigError(ConfigError) = false")
	}
	if IsConfigError(errors.New("transient")) {
		t.Error("IsConfigError(other) = true")
	}

	var ce *ConfigError
	if !errors.As(err, &ce) || ce.TenantID != "t1" {
		t.Errorf("errors.As failed: %v", err)
	}
}

func TestReleasePolicyValid(t *testing.T) {
	for _, p := range []ReleasePolicy{ReleaseManual, ReleaseOnDelivery, ReleaseAfterCooldown} {
		if !p.Valid() {
			t.Errorf("%q not valid", p)
		}
	}
	if ReleasePolicy("asap").Valid() {
		t.Error("unknown policy reported valid")
	}
}
