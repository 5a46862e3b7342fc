// Package journal posts balanced double-entry ledger transactions.
//
// A Move is a set of lines whose debits equal their credits. Moves are
// immutable once posted: the store exposes no update path, and corrections
// happen through reversing entries posted separately.
package journal

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/trakka/payguard/internal/money"
)

var (
	ErrMoveNotFound = errors.New("journal move not found")
	ErrUnbalanced   = errors.New("journal move is not balanced")
	ErrEmptyMove    = errors.New("journal move needs at least two lines")
	ErrNegativeLine = errors.New("journal line amounts must not be negative")
)

// Line is one leg of a journal move. Exactly one of Debit/Credit should be
// non-zero; both are decimal strings.
type Line struct {
	Account string `json:"account"`
	Partner string `json:"partner,omitempty"`
	Debit   string `json:"debit"`
	Credit  string `json:"credit"`
	Label   string `json:"label,omitempty"`
}

// Move is a posted double-entry transaction.
type Move struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenantId"`
	Ref      string    `json:"ref,omitempty"`
	Lines    []Line    `json:"lines"`
	PostedAt time.Time `json:"postedAt"`
}

// Store persists journal moves. There is deliberately no update or delete.
type Store interface {
	Create(ctx context.Context, m *Move) error
	Get(ctx context.Context, id string) (*Move, error)
	ListByRef(ctx context.Context, tenantID, ref string) ([]*Move, error)
}

// Service validates and posts journal moves.
type Service struct {
	store Store
}

// NewService creates a journal service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Post validates the move and persists it. The move must balance: the sum of
// debits equals the sum of credits across all lines.
func (s *Service) Post(ctx context.Context, m *Move) (*Move, error) {
	if len(m.Lines) < 2 {
		return nil, ErrEmptyMove
	}

	debits := new(big.Int)
	credits := new(big.Int)
	for i, line := range m.Lines {
		if line.Account == "" {
			return nil, fmt.Errorf("line %d: account is required", i)
		}
		d, err := parseLineAmount(line.Debit)
		if err != nil {
			return nil, fmt.Errorf("line %d debit: %w", i, err)
		}
		c, err := parseLineAmount(line.Credit)
		if err != nil {
			return nil, fmt.Errorf("line %d credit: %w", i, err)
		}
		debits.Add(debits, d)
		credits.Add(credits, c)
	}
	if debits.Cmp(credits) != 0 {
		return nil, fmt.Errorf("%w: debits %s != credits %s",
			ErrUnbalanced, money.Format(debits), money.Format(credits))
	}

	if m.ID == "" {
		m.ID = generateMoveID()
	}
	if m.PostedAt.IsZero() {
		m.PostedAt = time.Now().UTC()
	}

	if err := s.store.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to post journal move: %w", err)
	}
	return m, nil
}

// Get returns a posted move by ID.
func (s *Service) Get(ctx context.Context, id string) (*Move, error) {
	return s.store.Get(ctx, id)
}

// ListByRef returns moves posted under the given reference.
func (s *Service) ListByRef(ctx context.Context, tenantID, ref string) ([]*Move, error) {
	return s.store.ListByRef(ctx, tenantID, ref)
}

// parseLineAmount treats the empty string as zero and rejects negatives.
func parseLineAmount(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, err := money.Parse(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() < 0 {
		return nil, ErrNegativeLine
	}
	return v, nil
}

func generateMoveID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("jrn_%x", b)
}
