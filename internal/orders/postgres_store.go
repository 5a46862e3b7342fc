package orders

import (
	"context"
	"database/sql"
)

// PostgresStore persists order snapshots in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, tenant_id, seller_id, total, currency, invoiced, created_at, updated_at`

func (p *PostgresStore) Put(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, tenant_id, seller_id, total, currency, invoiced, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			seller_id = EXCLUDED.seller_id,
			total = EXCLUDED.total,
			currency = EXCLUDED.currency,
			invoiced = EXCLUDED.invoiced,
			updated_at = EXCLUDED.updated_at`,
		o.ID, o.TenantID, o.SellerID, o.Total, o.Currency, o.Invoiced,
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, tenantID, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) List(ctx context.Context, tenantID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE tenant_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.TenantID, &o.SellerID, &o.Total, &o.Currency,
		&o.Invoiced, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
