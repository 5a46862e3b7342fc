package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists wallet accounts and moves in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

func (p *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_accounts (id, tenant_id, seller_id, currency, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.TenantID, a.SellerID, a.Currency, a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateAccount
	}
	return err
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, seller_id, currency, created_at
		FROM wallet_accounts WHERE id = $1`, id)

	a := &Account{}
	err := row.Scan(&a.ID, &a.TenantID, &a.SellerID, &a.Currency, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) FindAccount(ctx context.Context, tenantID, sellerID, currency string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, seller_id, currency, created_at
		FROM wallet_accounts
		WHERE tenant_id = $1 AND seller_id = $2 AND currency = $3`,
		tenantID, sellerID, currency)

	a := &Account{}
	err := row.Scan(&a.ID, &a.TenantID, &a.SellerID, &a.Currency, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return a, err
}

// AppendMove inserts a move inside one transaction. The wallet row is locked
// FOR UPDATE so the negative-balance check for out-moves is race-free, and
// the unique index on idempotency_key resolves concurrent duplicates: the
// loser reads back the winner's move and reports inserted=false.
func (p *PostgresStore) AppendMove(ctx context.Context, m *Move) (*Move, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var walletID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM wallet_accounts WHERE id = $1 FOR UPDATE`, m.WalletID,
	).Scan(&walletID)
	if err == sql.ErrNoRows {
		return nil, false, ErrAccountNotFound
	}
	if err != nil {
		return nil, false, err
	}

	if m.Direction == DirOut {
		var ok bool
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(CASE WHEN direction = 'in' THEN amount ELSE -amount END), 0) >= $2::NUMERIC(20,2)
			FROM wallet_moves WHERE wallet_id = $1`,
			m.WalletID, m.Amount,
		).Scan(&ok)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, ErrInsufficientBalance
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_moves (id, wallet_id, amount, direction, ref, idempotency_key, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6, $7)`,
		m.ID, m.WalletID, m.Amount, string(m.Direction), m.Ref, m.IdempotencyKey, m.CreatedAt,
	)
	if isUniqueViolation(err) {
		_ = tx.Rollback()
		prior, ferr := p.findByKey(ctx, m.IdempotencyKey)
		if ferr != nil {
			return nil, false, fmt.Errorf("duplicate wallet move, failed to read prior: %w", ferr)
		}
		return prior, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (p *PostgresStore) findByKey(ctx context.Context, key string) (*Move, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, wallet_id, amount::TEXT, direction, ref, idempotency_key, created_at
		FROM wallet_moves WHERE idempotency_key = $1`, key)
	return scanWalletMove(row)
}

func (p *PostgresStore) Balance(ctx context.Context, walletID string) (string, error) {
	var balance string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN direction = 'in' THEN amount ELSE -amount END), 0)::NUMERIC(20,2)::TEXT
		FROM wallet_moves WHERE wallet_id = $1`, walletID,
	).Scan(&balance)
	return balance, err
}

func (p *PostgresStore) ListMoves(ctx context.Context, walletID string, limit int) ([]*Move, error) {
	q := `
		SELECT id, wallet_id, amount::TEXT, direction, ref, idempotency_key, created_at
		FROM wallet_moves
		WHERE wallet_id = $1
		ORDER BY created_at DESC, id DESC`
	args := []interface{}{walletID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Move
	for rows.Next() {
		m, err := scanWalletMove(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWalletMove(s scanner) (*Move, error) {
	m := &Move{}
	var direction string
	var ref sql.NullString
	err := s.Scan(&m.ID, &m.WalletID, &m.Amount, &direction, &ref, &m.IdempotencyKey, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMoveNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Direction = Direction(direction)
	m.Ref = ref.String
	return m, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
