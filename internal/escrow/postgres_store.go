package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/trakka/payguard/internal/audit"
	"github.com/trakka/payguard/internal/tenant"
)

// PostgresStore persists escrows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pqUniqueViolation = "23505"

func uniqueViolation(err error) *pq.Error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return pqErr
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	auditJSON, err := json.Marshal(e.Audit)
	if err != nil {
		return fmt.Errorf("marshal audit trail: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, order_id, tenant_id, seller_id, amount, currency, state,
			release_policy, cooldown_days, idempotency_key,
			release_ready_at, released_at, journal_move_id, wallet_move_id,
			last_error, audit, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		e.ID, e.OrderID, e.TenantID, e.SellerID, e.Amount, e.Currency, string(e.State),
		string(e.ReleasePolicy), e.CooldownDays, e.IdempotencyKey,
		e.ReleaseReadyAt, e.ReleasedAt, nullString(e.JournalMoveID), nullString(e.WalletMoveID),
		nullString(e.LastError), auditJSON, e.CreatedAt, e.UpdatedAt,
	)
	if pqErr := uniqueViolation(err); pqErr != nil {
		if pqErr.Constraint == "escrows_idempotency_key_unique" {
			return ErrDuplicateKey
		}
		// escrows_order_unique: one escrow per (tenant_id, order_id).
		return ErrOrderAlreadyEscrowed
	}
	return err
}

const escrowColumns = `
	id, order_id, tenant_id, seller_id, amount::TEXT, currency, state,
	release_policy, cooldown_days, idempotency_key,
	release_ready_at, released_at, journal_move_id, wallet_move_id,
	last_error, audit, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanEscrow(row)
}

func (p *PostgresStore) GetByOrder(ctx context.Context, tenantID, orderID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE tenant_id = $1 AND order_id = $2`,
		tenantID, orderID)
	return scanEscrow(row)
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	auditJSON, err := json.Marshal(e.Audit)
	if err != nil {
		return fmt.Errorf("marshal audit trail: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			amount = $2::NUMERIC(20,2), state = $3,
			release_ready_at = $4, released_at = $5,
			journal_move_id = $6, wallet_move_id = $7,
			last_error = $8, audit = $9, updated_at = $10
		WHERE id = $1`,
		e.ID, e.Amount, string(e.State),
		e.ReleaseReadyAt, e.ReleasedAt,
		nullString(e.JournalMoveID), nullString(e.WalletMoveID),
		nullString(e.LastError), auditJSON, e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListReleaseReady(ctx context.Context, tenantID string, limit int) ([]*Escrow, error) {
	q := `SELECT ` + escrowColumns + ` FROM escrows WHERE state = $1`
	args := []interface{}{string(StateReleaseReady)}
	if tenantID != "" {
		q += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	q += ` ORDER BY release_ready_at`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var state, policy string
	var releaseReadyAt, releasedAt sql.NullTime
	var journalMoveID, walletMoveID, lastError sql.NullString
	var auditJSON []byte

	err := s.Scan(
		&e.ID, &e.OrderID, &e.TenantID, &e.SellerID, &e.Amount, &e.Currency, &state,
		&policy, &e.CooldownDays, &e.IdempotencyKey,
		&releaseReadyAt, &releasedAt, &journalMoveID, &walletMoveID,
		&lastError, &auditJSON, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}

	e.State = State(state)
	e.ReleasePolicy = tenant.ReleasePolicy(policy)
	e.JournalMoveID = journalMoveID.String
	e.WalletMoveID = walletMoveID.String
	e.LastError = lastError.String
	if releaseReadyAt.Valid {
		t := releaseReadyAt.Time
		e.ReleaseReadyAt = &t
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		e.ReleasedAt = &t
	}
	if len(auditJSON) > 0 {
		var trail audit.Trail
		if err := json.Unmarshal(auditJSON, &trail); err != nil {
			return nil, fmt.Errorf("unmarshal audit trail: %w", err)
		}
		e.Audit = trail
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
