// Package wallet tracks per-seller balances as an append-only move ledger.
//
// A wallet's balance is never stored: it is the signed sum of its moves.
// Appending is the only mutation, which sidesteps lost-update races on the
// balance entirely. The unique idempotency key on moves is the authoritative
// guard against double-crediting.
package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trakka/payguard/internal/money"
)

var (
	ErrAccountNotFound     = errors.New("wallet account not found")
	ErrDuplicateAccount    = errors.New("wallet account already exists")
	ErrMoveNotFound        = errors.New("wallet move not found")
	ErrInvalidAmount       = errors.New("invalid wallet move amount")
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
)

// Direction of a wallet move.
type Direction string

const (
	DirIn  Direction = "in"
	DirOut Direction = "out"
)

// Account is one seller's wallet in one currency.
type Account struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	SellerID  string    `json:"sellerId"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
}

// Move is one signed entry on a wallet. Amount is always positive; Direction
// carries the sign.
type Move struct {
	ID             string    `json:"id"`
	WalletID       string    `json:"walletId"`
	Amount         string    `json:"amount"`
	Direction      Direction `json:"direction"`
	Ref            string    `json:"ref,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists wallet accounts and moves.
//
// AppendMove must enforce two invariants atomically: the idempotency key is
// unique (a conflicting append returns the prior move with inserted=false),
// and an out-move never takes the derived balance below zero.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	FindAccount(ctx context.Context, tenantID, sellerID, currency string) (*Account, error)
	AppendMove(ctx context.Context, m *Move) (move *Move, inserted bool, err error)
	Balance(ctx context.Context, walletID string) (string, error)
	ListMoves(ctx context.Context, walletID string, limit int) ([]*Move, error)
}

// Service implements wallet ledger operations.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a wallet service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// EnsureAccount returns the wallet for (tenant, seller, currency), creating
// it if missing. Concurrent creators race on the unique constraint; the loser
// re-reads the winner's row.
func (s *Service) EnsureAccount(ctx context.Context, tenantID, sellerID, currency string) (*Account, error) {
	if tenantID == "" || sellerID == "" || currency == "" {
		return nil, errors.New("tenant, seller and currency are required")
	}

	a, err := s.store.FindAccount(ctx, tenantID, sellerID, currency)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	a = &Account{
		ID:        generateWalletID(),
		TenantID:  tenantID,
		SellerID:  sellerID,
		Currency:  currency,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, ErrDuplicateAccount) {
			return s.store.FindAccount(ctx, tenantID, sellerID, currency)
		}
		return nil, err
	}
	return a, nil
}

// Find returns the wallet for (tenant, seller, currency) without creating it.
func (s *Service) Find(ctx context.Context, tenantID, sellerID, currency string) (*Account, error) {
	return s.store.FindAccount(ctx, tenantID, sellerID, currency)
}

// Credit appends an in-move. A duplicate idempotency key is not an error:
// the prior move is returned with applied=false, and settlement callers must
// treat "already credited" as done.
func (s *Service) Credit(ctx context.Context, walletID, amount, ref, idempotencyKey string) (*Move, bool, error) {
	return s.append(ctx, walletID, amount, DirIn, ref, idempotencyKey)
}

// Debit appends an out-move. No caller in the settlement core debits wallets;
// the negative-balance guard exists for future payout support.
func (s *Service) Debit(ctx context.Context, walletID, amount, ref, idempotencyKey string) (*Move, bool, error) {
	return s.append(ctx, walletID, amount, DirOut, ref, idempotencyKey)
}

func (s *Service) append(ctx context.Context, walletID, amount string, dir Direction, ref, key string) (*Move, bool, error) {
	if !money.IsPositive(amount) {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if key == "" {
		return nil, false, errors.New("idempotency key is required")
	}
	if _, err := s.store.GetAccount(ctx, walletID); err != nil {
		return nil, false, err
	}

	m := &Move{
		ID:             generateMoveID(),
		WalletID:       walletID,
		Amount:         amount,
		Direction:      dir,
		Ref:            ref,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}

	stored, inserted, err := s.store.AppendMove(ctx, m)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		s.logger.Info("wallet move already applied, returning prior move",
			"walletId", walletID, "idempotencyKey", key, "moveId", stored.ID)
	}
	return stored, inserted, nil
}

// Balance returns the derived balance: sum of in-moves minus out-moves.
func (s *Service) Balance(ctx context.Context, walletID string) (string, error) {
	if _, err := s.store.GetAccount(ctx, walletID); err != nil {
		return "", err
	}
	return s.store.Balance(ctx, walletID)
}

// History returns the most recent moves on a wallet.
func (s *Service) History(ctx context.Context, walletID string, limit int) ([]*Move, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListMoves(ctx, walletID, limit)
}

func generateWalletID() string {
	return "wal_" + randomHex(12)
}

func generateMoveID() string {
	return "wmv_" + randomHex(12)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%x", b)
}
