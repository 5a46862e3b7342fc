// Package orders keeps a directory of order snapshots pushed in by the
// marketplace storefront. The payment core never owns orders; it only needs
// the total, the seller and the invoiced flag to open escrows and enforce
// invoice-before-settlement.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/trakka/payguard/internal/money"
	"github.com/trakka/payguard/internal/tenant"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidTotal  = errors.New("invalid order total")
)

// Order is the snapshot of a storefront order the payment core works with.
type Order struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	SellerID string `json:"sellerId"`
	Total    string `json:"total"`
	Currency string `json:"currency"`

	// Invoiced is set once the storefront has issued the full invoice.
	// Tenants with RequireInvoice block settlement until it is true.
	Invoiced bool `json:"invoiced"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists order snapshots.
type Store interface {
	Put(ctx context.Context, o *Order) error
	Get(ctx context.Context, tenantID, id string) (*Order, error)
	List(ctx context.Context, tenantID string, limit int) ([]*Order, error)
}

// PutRequest contains the parameters for registering an order snapshot.
type PutRequest struct {
	ID       string `json:"id" binding:"required"`
	SellerID string `json:"sellerId" binding:"required"`
	Total    string `json:"total" binding:"required"`
	Currency string `json:"currency"`
	Invoiced bool   `json:"invoiced"`
}

// Service maintains the order directory.
type Service struct {
	store Store
}

// NewService creates a new order directory service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Put registers or refreshes an order snapshot.
func (s *Service) Put(ctx context.Context, actor tenant.Actor, req PutRequest) (*Order, error) {
	if !money.IsPositive(req.Total) {
		return nil, ErrInvalidTotal
	}

	now := time.Now().UTC()
	o := &Order{
		ID:        req.ID,
		TenantID:  actor.TenantID,
		SellerID:  req.SellerID,
		Total:     req.Total,
		Currency:  req.Currency,
		Invoiced:  req.Invoiced,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev, err := s.store.Get(ctx, actor.TenantID, req.ID); err == nil {
		o.CreatedAt = prev.CreatedAt
	}

	if err := s.store.Put(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Get returns one order snapshot.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*Order, error) {
	return s.store.Get(ctx, tenantID, id)
}

// List returns a tenant's order snapshots, newest first.
func (s *Service) List(ctx context.Context, tenantID string, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.store.List(ctx, tenantID, limit)
}

// MarkInvoiced flips the invoiced flag on an order.
func (s *Service) MarkInvoiced(ctx context.Context, tenantID, id string) (*Order, error) {
	o, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if o.Invoiced {
		return o, nil
	}
	o.Invoiced = true
	o.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}
