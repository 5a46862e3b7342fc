// Package escrow holds buyer funds for one order until a release condition
// is met, then settles them to the seller's wallet.
//
// Flow:
//  1. Order confirmed → escrow created (funds held)
//  2. Delivery completes → escrow marked release-ready per policy
//  3. Settlement posts Dr escrow-liability / Cr wallet-liability and
//     credits the seller wallet, then the escrow is released
//
// States move strictly forward: held → released_ready → released.
package escrow

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trakka/payguard/internal/audit"
	"github.com/trakka/payguard/internal/journal"
	"github.com/trakka/payguard/internal/metrics"
	"github.com/trakka/payguard/internal/money"
	"github.com/trakka/payguard/internal/syncutil"
	"github.com/trakka/payguard/internal/tenant"
	"github.com/trakka/payguard/internal/traces"
	"github.com/trakka/payguard/internal/wallet"
)

var (
	ErrEscrowNotFound       = errors.New("escrow not found")
	ErrInvalidState         = errors.New("invalid escrow state for this operation")
	ErrInvalidAmount        = errors.New("escrow amount must be greater than zero")
	ErrAmountLocked         = errors.New("escrow amount is immutable once past held")
	ErrOrderAlreadyEscrowed = errors.New("an escrow already exists for this order")
	ErrDuplicateKey         = errors.New("an escrow with this idempotency key already exists")
	ErrInvoiceRequired      = errors.New("order must be fully invoiced before settlement")
	ErrReasonRequired       = errors.New("a reason is required")
	ErrNotPrivileged        = errors.New("operation requires a privileged actor")
)

// State of an escrow. Transitions only move forward; there is no path back.
type State string

const (
	StateHeld         State = "held"
	StateReleaseReady State = "released_ready"
	StateReleased     State = "released"
)

// Escrow holds one order's payment until settlement.
type Escrow struct {
	ID             string               `json:"id"`
	OrderID        string               `json:"orderId"`
	TenantID       string               `json:"tenantId"`
	SellerID       string               `json:"sellerId"`
	Amount         string               `json:"amount"`
	Currency       string               `json:"currency"`
	State          State                `json:"state"`
	ReleasePolicy  tenant.ReleasePolicy `json:"releasePolicy"`
	CooldownDays   int                  `json:"cooldownDays"`
	IdempotencyKey string               `json:"idempotencyKey"`
	ReleaseReadyAt *time.Time           `json:"releaseReadyAt,omitempty"`
	ReleasedAt     *time.Time           `json:"releasedAt,omitempty"`
	JournalMoveID  string               `json:"journalMoveId,omitempty"`
	WalletMoveID   string               `json:"walletMoveId,omitempty"`
	LastError      string               `json:"lastError,omitempty"`
	Audit          audit.Trail          `json:"audit,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// OrderInfo is the slice of an order the escrow core needs.
type OrderInfo struct {
	ID       string
	TenantID string
	SellerID string
	Total    string
	Currency string
	Invoiced bool
}

// OrderDirectory is the read-only order lookup collaborator.
type OrderDirectory interface {
	Order(ctx context.Context, tenantID, orderID string) (*OrderInfo, error)
}

// TenantConfig resolves tenant settings and liability accounts.
// Satisfied by *tenant.Service.
type TenantConfig interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
	Accounts(ctx context.Context, tenantID string) (tenant.Accounts, error)
}

// JournalPoster posts balanced ledger transactions. Satisfied by *journal.Service.
type JournalPoster interface {
	Post(ctx context.Context, m *journal.Move) (*journal.Move, error)
	ListByRef(ctx context.Context, tenantID, ref string) ([]*journal.Move, error)
}

// WalletLedger credits seller wallets. Satisfied by *wallet.Service.
type WalletLedger interface {
	EnsureAccount(ctx context.Context, tenantID, sellerID, currency string) (*wallet.Account, error)
	Credit(ctx context.Context, walletID, amount, ref, idempotencyKey string) (*wallet.Move, bool, error)
}

// DeliveryChecker reports whether the order's dispatch has been delivered.
// Used by mark-release-ready to chain straight into settlement under the
// auto_on_delivery policy.
type DeliveryChecker interface {
	Delivered(ctx context.Context, tenantID, orderID string) (bool, error)
}

// Store persists escrow records.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByOrder(ctx context.Context, tenantID, orderID string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListReleaseReady(ctx context.Context, tenantID string, limit int) ([]*Escrow, error)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	OrderID        string `json:"orderId" binding:"required"`
	Amount         string `json:"amount"` // defaults to the order total
	IdempotencyKey string `json:"idempotencyKey"`
}

// Service implements escrow business logic.
type Service struct {
	store     Store
	tenants   TenantConfig
	orders    OrderDirectory
	journals  JournalPoster
	wallets   WalletLedger
	delivered DeliveryChecker
	logger    *slog.Logger
	// locks serializes in-process transitions per escrow ID. Cross-process
	// doubles are caught by the wallet move's idempotency key.
	locks syncutil.ShardedMutex
}

// NewService creates a new escrow service.
func NewService(store Store, tenants TenantConfig, orders OrderDirectory,
	journals JournalPoster, wallets WalletLedger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		tenants:  tenants,
		orders:   orders,
		journals: journals,
		wallets:  wallets,
		logger:   logger,
	}
}

// WithDeliveryChecker wires the dispatch-side delivery lookup.
func (s *Service) WithDeliveryChecker(d DeliveryChecker) *Service {
	s.delivered = d
	return s
}

// Create opens an escrow for a confirmed order. Exactly one escrow may exist
// per order; the amount defaults to the order total.
func (s *Service) Create(ctx context.Context, actor tenant.Actor, req CreateRequest) (*Escrow, error) {
	if req.OrderID == "" {
		return nil, errors.New("order id is required")
	}

	order, err := s.orders.Order(ctx, actor.TenantID, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve order %s: %w", req.OrderID, err)
	}

	amount := req.Amount
	if amount == "" {
		amount = order.Total
	}
	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}

	cfg, err := s.tenants.Get(ctx, actor.TenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e := &Escrow{
		ID:             generateEscrowID(),
		OrderID:        req.OrderID,
		TenantID:       actor.TenantID,
		SellerID:       order.SellerID,
		Amount:         amount,
		Currency:       order.Currency,
		State:          StateHeld,
		ReleasePolicy:  cfg.DefaultReleasePolicy,
		CooldownDays:   cfg.CooldownDays,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if e.Currency == "" {
		e.Currency = cfg.Currency
	}
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = "hold:" + e.ID
	}
	e.Audit = e.Audit.Append(actor.UserID, "create", "escrow held for order "+e.OrderID)

	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}
	metrics.EscrowsHeldTotal.Inc()
	return e, nil
}

// UpdateAmount changes the held amount. Legal only while the escrow is still
// held; afterwards the amount is locked for good.
func (s *Service) UpdateAmount(ctx context.Context, actor tenant.Actor, id, amount string) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.State != StateHeld {
		return nil, ErrAmountLocked
	}
	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}

	e.Amount = amount
	e.UpdatedAt = time.Now().UTC()
	e.Audit = e.Audit.Append(actor.UserID, "update_amount", "amount set to "+amount)
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkReleaseReady moves a held escrow to released_ready and stamps
// ReleaseReadyAt. Calling it from any later state returns ErrInvalidState;
// delivery-path callers treat that as a no-op. Under the auto_on_delivery
// policy, if the linked dispatch has already been delivered this chains
// straight into settlement.
func (s *Service) MarkReleaseReady(ctx context.Context, actor tenant.Actor, id string) (*Escrow, error) {
	unlock := s.locks.Lock(id)

	e, err := s.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if e.State != StateHeld {
		unlock()
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, e.State)
	}
	if !money.IsPositive(e.Amount) {
		unlock()
		return nil, ErrInvalidAmount
	}

	now := time.Now().UTC()
	e.State = StateReleaseReady
	e.ReleaseReadyAt = &now
	e.UpdatedAt = now
	e.Audit = e.Audit.Append(actor.UserID, "release_ready", "")

	if err := s.store.Update(ctx, e); err != nil {
		unlock()
		return nil, err
	}
	metrics.EscrowsReleaseReadyTotal.Inc()
	unlock()

	if e.ReleasePolicy == tenant.ReleaseOnDelivery && s.delivered != nil {
		done, derr := s.delivered.Delivered(ctx, e.TenantID, e.OrderID)
		if derr != nil {
			s.logger.Warn("delivery lookup failed, settlement left to the sweep",
				"escrowId", e.ID, "error", derr)
			return e, nil
		}
		if done {
			settled, serr := s.PostSettlement(ctx, actor, e.ID)
			if serr != nil {
				s.logger.Warn("chained settlement failed, escrow stays release-ready",
					"escrowId", e.ID, "error", serr)
				return e, nil
			}
			return settled, nil
		}
	}
	return e, nil
}

// PostSettlement releases a release-ready escrow: it credits the seller's
// wallet (guarded by the settle idempotency key), posts the balanced journal
// move against the tenant's liability accounts, and flips the escrow to
// released. An escrow that is already released returns success untouched.
//
// A concurrent settlement from another process may win the wallet credit;
// this call then detects the replay, reuses the prior move, and completes
// the release instead of double-crediting.
func (s *Service) PostSettlement(ctx context.Context, actor tenant.Actor, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.post_settlement", traces.EscrowID(id))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.State == StateReleased {
		// Idempotent by state check, not key lookup.
		return e, nil
	}
	if e.State != StateReleaseReady {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, e.State)
	}
	if !money.IsPositive(e.Amount) {
		return nil, ErrInvalidAmount
	}

	// Operator configuration must be complete before any money moves.
	accounts, err := s.tenants.Accounts(ctx, e.TenantID)
	if err != nil {
		return nil, err
	}

	cfg, err := s.tenants.Get(ctx, e.TenantID)
	if err != nil {
		return nil, err
	}
	if cfg.RequireInvoice {
		order, oerr := s.orders.Order(ctx, e.TenantID, e.OrderID)
		if oerr != nil {
			return nil, fmt.Errorf("failed to resolve order for invoice check: %w", oerr)
		}
		if !order.Invoiced {
			return nil, ErrInvoiceRequired
		}
	}

	acct, err := s.wallets.EnsureAccount(ctx, e.TenantID, e.SellerID, e.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve seller wallet: %w", err)
	}

	settleRef := "settle:" + e.ID
	wmove, applied, err := s.wallets.Credit(ctx, acct.ID, e.Amount, settleRef, settleRef)
	if err != nil {
		return nil, fmt.Errorf("failed to credit seller wallet: %w", err)
	}

	journalID := ""
	if applied {
		move, jerr := s.postJournal(ctx, e, accounts, settleRef)
		if jerr != nil {
			// Wallet credited but no journal yet. The escrow stays
			// released_ready; the retry path below re-posts the journal.
			metrics.SettlementFailuresTotal.Inc()
			return nil, fmt.Errorf("failed to post settlement journal: %w", jerr)
		}
		journalID = move.ID
	} else {
		// Another settlement won the wallet credit. Finish the release
		// with its artifacts, posting the journal only if it is missing.
		existing, lerr := s.journals.ListByRef(ctx, e.TenantID, settleRef)
		if lerr != nil {
			return nil, fmt.Errorf("failed to look up settlement journal: %w", lerr)
		}
		if len(existing) > 0 {
			journalID = existing[0].ID
		} else {
			move, jerr := s.postJournal(ctx, e, accounts, settleRef)
			if jerr != nil {
				metrics.SettlementFailuresTotal.Inc()
				return nil, fmt.Errorf("failed to post settlement journal: %w", jerr)
			}
			journalID = move.ID
		}
		s.logger.Info("settlement already applied by a concurrent attempt, completing release",
			"escrowId", e.ID, "walletMoveId", wmove.ID)
	}

	now := time.Now().UTC()
	e.State = StateReleased
	e.ReleasedAt = &now
	e.UpdatedAt = now
	e.JournalMoveID = journalID
	e.WalletMoveID = wmove.ID
	e.LastError = ""
	e.Audit = e.Audit.Append(actor.UserID, "settle", "journal "+journalID+", wallet move "+wmove.ID)

	if err := s.store.Update(ctx, e); err != nil {
		// Funds already moved; the state change must be persisted.
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			s.logger.Error("CRITICAL: settlement posted but escrow release not persisted",
				"escrowId", e.ID, "journalMoveId", journalID, "walletMoveId", wmove.ID,
				"error", retryErr)
			return nil, fmt.Errorf("settlement posted but escrow update failed (requires manual resolution): %w", err)
		}
	}

	metrics.SettlementsPostedTotal.Inc()
	s.logger.Info("escrow settled",
		"escrowId", e.ID, "orderId", e.OrderID, "seller", e.SellerID, "amount", e.Amount)
	return e, nil
}

func (s *Service) postJournal(ctx context.Context, e *Escrow, accounts tenant.Accounts, ref string) (*journal.Move, error) {
	return s.journals.Post(ctx, &journal.Move{
		TenantID: e.TenantID,
		Ref:      ref,
		Lines: []journal.Line{
			{
				Account: accounts.Escrow,
				Partner: e.SellerID,
				Debit:   e.Amount,
				Label:   "escrow release " + e.ID,
			},
			{
				Account: accounts.Wallet,
				Partner: e.SellerID,
				Credit:  e.Amount,
				Label:   "wallet credit " + e.SellerID,
			},
		},
	})
}

// OverrideRelease is the privileged manual path: it forces a held or
// release-ready escrow through settlement, recording who did it and why.
func (s *Service) OverrideRelease(ctx context.Context, actor tenant.Actor, id, reason string) (*Escrow, error) {
	if !actor.Privileged {
		return nil, ErrNotPrivileged
	}
	if reason == "" {
		return nil, ErrReasonRequired
	}

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.State == StateHeld {
		unlock := s.locks.Lock(id)
		e, err = s.store.Get(ctx, id)
		if err != nil {
			unlock()
			return nil, err
		}
		if e.State == StateHeld {
			now := time.Now().UTC()
			e.State = StateReleaseReady
			e.ReleaseReadyAt = &now
			e.UpdatedAt = now
			e.Audit = e.Audit.Append(actor.UserID, "override_release", reason)
			if err := s.store.Update(ctx, e); err != nil {
				unlock()
				return nil, err
			}
		}
		unlock()
	} else {
		s.appendAudit(ctx, e, actor.UserID, "override_release", reason)
	}

	s.logger.Warn("manual release override",
		"escrowId", id, "actor", actor.UserID, "reason", reason)
	return s.PostSettlement(ctx, actor, id)
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the escrow for an order.
func (s *Service) GetByOrder(ctx context.Context, tenantID, orderID string) (*Escrow, error) {
	return s.store.GetByOrder(ctx, tenantID, orderID)
}

// HeldForOrder reports whether the order has an escrow still in held.
// Fulfillment must not start for an order whose payment is not held.
func (s *Service) HeldForOrder(ctx context.Context, tenantID, orderID string) (bool, error) {
	e, err := s.store.GetByOrder(ctx, tenantID, orderID)
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			return false, nil
		}
		return false, err
	}
	return e.State == StateHeld, nil
}

// ReleaseOnDelivery is the dispatch-side notification hook: it marks the
// order's escrow release-ready when the policy allows. It never fails the
// caller; an escrow-side problem must not block a delivery.
func (s *Service) ReleaseOnDelivery(ctx context.Context, tenantID, orderID string) {
	e, err := s.store.GetByOrder(ctx, tenantID, orderID)
	if err != nil {
		s.logger.Warn("no escrow found for delivered order", "orderId", orderID, "error", err)
		return
	}
	if e.ReleasePolicy != tenant.ReleaseOnDelivery && e.ReleasePolicy != tenant.ReleaseAfterCooldown {
		return
	}
	actor := tenant.Actor{TenantID: tenantID, UserID: "dispatch"}
	if _, err := s.MarkReleaseReady(ctx, actor, e.ID); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return // already past held, nothing to do
		}
		s.logger.Warn("failed to mark escrow release-ready on delivery",
			"escrowId", e.ID, "orderId", orderID, "error", err)
	}
}

// recordSettlementFailure notes a failed settlement attempt on the escrow
// itself so operators can see why it keeps sitting in released_ready. The
// failure is recorded, never raised; the sweep moves on to the next escrow.
func (s *Service) recordSettlementFailure(ctx context.Context, id string, cause error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Warn("failed to load escrow for settlement failure note",
			"escrowId", id, "error", err)
		return
	}
	if e.State != StateReleaseReady {
		// A concurrent attempt settled it after all.
		return
	}
	e.LastError = cause.Error()
	e.UpdatedAt = time.Now().UTC()
	e.Audit = e.Audit.Append("sweep", "settlement_failed", cause.Error())
	if err := s.store.Update(ctx, e); err != nil {
		s.logger.Warn("failed to persist settlement failure note",
			"escrowId", id, "error", err)
	}
}

// appendAudit best-effort persists an audit entry outside a transition.
func (s *Service) appendAudit(ctx context.Context, e *Escrow, actor, action, note string) {
	e.Audit = e.Audit.Append(actor, action, note)
	e.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, e); err != nil {
		s.logger.Warn("failed to persist audit entry", "escrowId", e.ID, "error", err)
	}
}

func generateEscrowID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("esc_%x", b)
}
