package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists journal moves in PostgreSQL. Lines are stored as a
// JSONB column: moves are written once and read back whole, never queried
// line-by-line in the core.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed journal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, m *Move) error {
	linesJSON, err := json.Marshal(m.Lines)
	if err != nil {
		return fmt.Errorf("marshal journal lines: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO journal_moves (id, tenant_id, ref, lines, posted_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.TenantID, m.Ref, linesJSON, m.PostedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Move, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, ref, lines, posted_at
		FROM journal_moves WHERE id = $1`, id)

	m, err := scanMove(row)
	if err == sql.ErrNoRows {
		return nil, ErrMoveNotFound
	}
	return m, err
}

func (p *PostgresStore) ListByRef(ctx context.Context, tenantID, ref string) ([]*Move, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, ref, lines, posted_at
		FROM journal_moves
		WHERE tenant_id = $1 AND ref = $2
		ORDER BY posted_at`, tenantID, ref)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Move
	for rows.Next() {
		m, err := scanMove(rows)
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

func scanMove(s scanner) (*Move, error) {
	m := &Move{}
	var linesJSON []byte
	if err := s.Scan(&m.ID, &m.TenantID, &m.Ref, &linesJSON, &m.PostedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(linesJSON, &m.Lines); err != nil {
		return nil, fmt.Errorf("unmarshal journal lines: %w", err)
	}
	return m, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
