package tenant

import (
	"context"
	"database/sql"
)

// PostgresStore persists tenant configuration in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantColumns = `id, name, currency, escrow_account, wallet_account,
		require_invoice, default_release_policy, cooldown_days`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)

	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	return t, err
}

func (p *PostgresStore) Put(ctx context.Context, t *Tenant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants (
			id, name, currency, escrow_account, wallet_account,
			require_invoice, default_release_policy, cooldown_days
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			currency = EXCLUDED.currency,
			escrow_account = EXCLUDED.escrow_account,
			wallet_account = EXCLUDED.wallet_account,
			require_invoice = EXCLUDED.require_invoice,
			default_release_policy = EXCLUDED.default_release_policy,
			cooldown_days = EXCLUDED.cooldown_days`,
		t.ID, t.Name, t.Currency, t.EscrowAccount, t.WalletAccount,
		t.RequireInvoice, string(t.DefaultReleasePolicy), t.CooldownDays,
	)
	return err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(s scanner) (*Tenant, error) {
	t := &Tenant{}
	var policy string
	err := s.Scan(
		&t.ID, &t.Name, &t.Currency, &t.EscrowAccount, &t.WalletAccount,
		&t.RequireInvoice, &policy, &t.CooldownDays,
	)
	if err != nil {
		return nil, err
	}
	t.DefaultReleasePolicy = ReleasePolicy(policy)
	return t, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
