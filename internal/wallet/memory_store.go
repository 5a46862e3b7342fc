package wallet

import (
	"context"
	"math/big"
	"sync"

	"github.com/trakka/payguard/internal/money"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
// A single mutex covers accounts and moves so the balance check and the
// append are atomic, matching the row-lock behavior of the Postgres store.
type MemoryStore struct {
	accounts map[string]*Account
	moves    map[string][]*Move // walletID -> moves in append order
	byKey    map[string]*Move   // idempotencyKey -> move
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		moves:    make(map[string][]*Move),
		byKey:    make(map[string]*Move),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.accounts {
		if existing.TenantID == a.TenantID && existing.SellerID == a.SellerID && existing.Currency == a.Currency {
			return ErrDuplicateAccount
		}
	}
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) FindAccount(ctx context.Context, tenantID, sellerID, currency string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.accounts {
		if a.TenantID == tenantID && a.SellerID == sellerID && a.Currency == currency {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) AppendMove(ctx context.Context, mv *Move) (*Move, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.byKey[mv.IdempotencyKey]; ok {
		cp := *prior
		return &cp, false, nil
	}
	if _, ok := m.accounts[mv.WalletID]; !ok {
		return nil, false, ErrAccountNotFound
	}

	if mv.Direction == DirOut {
		bal := m.balanceLocked(mv.WalletID)
		amt, err := money.Parse(mv.Amount)
		if err != nil {
			return nil, false, ErrInvalidAmount
		}
		if bal.Cmp(amt) < 0 {
			return nil, false, ErrInsufficientBalance
		}
	}

	cp := *mv
	m.moves[mv.WalletID] = append(m.moves[mv.WalletID], &cp)
	m.byKey[mv.IdempotencyKey] = &cp
	out := cp
	return &out, true, nil
}

func (m *MemoryStore) Balance(ctx context.Context, walletID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return money.Format(m.balanceLocked(walletID)), nil
}

func (m *MemoryStore) balanceLocked(walletID string) *big.Int {
	total := new(big.Int)
	for _, mv := range m.moves[walletID] {
		amt, err := money.Parse(mv.Amount)
		if err != nil {
			continue
		}
		if mv.Direction == DirIn {
			total.Add(total, amt)
		} else {
			total.Sub(total, amt)
		}
	}
	return total
}

func (m *MemoryStore) ListMoves(ctx context.Context, walletID string, limit int) ([]*Move, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.moves[walletID]
	// Newest first, like the Postgres store.
	var result []*Move
	for i := len(all) - 1; i >= 0; i-- {
		cp := *all[i]
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
