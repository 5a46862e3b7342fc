// Package tenant holds per-tenant configuration consumed by the payment core:
// the liability accounts settlement posts against, the invoice-before-settlement
// policy, and escrow release defaults.
package tenant

import (
	"context"
	"errors"
	"fmt"
)

var ErrTenantNotFound = errors.New("tenant not found")

// ReleasePolicy controls when an escrow becomes eligible for settlement.
type ReleasePolicy string

const (
	ReleaseManual        ReleasePolicy = "manual"
	ReleaseOnDelivery    ReleasePolicy = "auto_on_delivery"
	ReleaseAfterCooldown ReleasePolicy = "auto_after_cooldown"
)

// Valid reports whether p is a known release policy.
func (p ReleasePolicy) Valid() bool {
	switch p {
	case ReleaseManual, ReleaseOnDelivery, ReleaseAfterCooldown:
		return true
	}
	return false
}

// Tenant is one marketplace operator's configuration.
type Tenant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Currency string `json:"currency"`

	// Liability account codes used by the settlement poster.
	EscrowAccount string `json:"escrowAccount"`
	WalletAccount string `json:"walletAccount"`

	// RequireInvoice blocks settlement until the order is fully invoiced.
	RequireInvoice bool `json:"requireInvoice"`

	DefaultReleasePolicy ReleasePolicy `json:"defaultReleasePolicy"`
	CooldownDays         int           `json:"cooldownDays"`
}

// Actor identifies who is performing an operation. It replaces any ambient
// execution context: every core operation receives one explicitly.
type Actor struct {
	TenantID   string
	UserID     string
	Privileged bool
}

// ConfigError marks an operator setup defect. It is fatal until configuration
// is fixed; callers must not retry operations that return it.
type ConfigError struct {
	TenantID string
	Missing  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("tenant %s: missing configuration: %s", e.TenantID, e.Missing)
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Accounts are the resolved liability account codes for settlement.
type Accounts struct {
	Escrow string
	Wallet string
}

// Store persists tenant configuration.
type Store interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	Put(ctx context.Context, t *Tenant) error
	List(ctx context.Context) ([]*Tenant, error)
}

// Service answers configuration lookups for the core.
type Service struct {
	store Store
}

// NewService creates a tenant configuration service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Get returns a tenant by ID.
func (s *Service) Get(ctx context.Context, id string) (*Tenant, error) {
	return s.store.Get(ctx, id)
}

// Put creates or replaces a tenant.
func (s *Service) Put(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		return errors.New("tenant id is required")
	}
	if t.DefaultReleasePolicy == "" {
		t.DefaultReleasePolicy = ReleaseManual
	}
	if !t.DefaultReleasePolicy.Valid() {
		return fmt.Errorf("unknown release policy %q", t.DefaultReleasePolicy)
	}
	return s.store.Put(ctx, t)
}

// List returns all tenants.
func (s *Service) List(ctx context.Context) ([]*Tenant, error) {
	return s.store.List(ctx)
}

// Accounts resolves the tenant's escrow and wallet liability accounts.
// A missing account is an operator setup defect, not a retryable failure.
func (s *Service) Accounts(ctx context.Context, tenantID string) (Accounts, error) {
	t, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return Accounts{}, err
	}
	if t.EscrowAccount == "" {
		return Accounts{}, &ConfigError{TenantID: tenantID, Missing: "escrow liability account"}
	}
	if t.WalletAccount == "" {
		return Accounts{}, &ConfigError{TenantID: tenantID, Missing: "wallet liability account"}
	}
	return Accounts{Escrow: t.EscrowAccount, Wallet: t.WalletAccount}, nil
}
