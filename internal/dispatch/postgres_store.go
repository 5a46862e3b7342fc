package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/trakka/payguard/internal/audit"
)

// PostgresStore persists dispatch orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispatch store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispatch) error {
	auditJSON, err := json.Marshal(d.Audit)
	if err != nil {
		return fmt.Errorf("marshal audit trail: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO dispatch_orders (
			id, order_id, tenant_id, state, assigned_to, connector_id,
			provider_ref, provider_status_raw, proof_type, proof_value,
			fail_reason, quoted_fee, quoted_eta, buyer_name, buyer_phone,
			pickup_address, dropoff_address, weight_kg, delivered_at,
			audit, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		          $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		d.ID, d.OrderID, d.TenantID, string(d.State), nullString(d.AssignedTo), nullString(d.ConnectorID),
		nullString(d.ProviderRef), nullString(d.ProviderStatusRaw), string(d.ProofType), nullString(d.ProofValue),
		nullString(d.FailReason), nullString(d.QuotedFee), nullString(d.QuotedETA),
		nullString(d.BuyerName), nullString(d.BuyerPhone),
		nullString(d.PickupAddress), nullString(d.DropoffAddress), d.WeightKg, d.DeliveredAt,
		auditJSON, d.CreatedAt, d.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrOrderAlreadyDispatched
	}
	return err
}

const dispatchColumns = `
	id, order_id, tenant_id, state, assigned_to, connector_id,
	provider_ref, provider_status_raw, proof_type, proof_value,
	fail_reason, quoted_fee::TEXT, quoted_eta, buyer_name, buyer_phone,
	pickup_address, dropoff_address, weight_kg, delivered_at,
	audit, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispatch, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+dispatchColumns+` FROM dispatch_orders WHERE id = $1`, id)
	return scanDispatch(row)
}

func (p *PostgresStore) GetByOrder(ctx context.Context, tenantID, orderID string) (*Dispatch, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+dispatchColumns+` FROM dispatch_orders WHERE tenant_id = $1 AND order_id = $2`,
		tenantID, orderID)
	return scanDispatch(row)
}

func (p *PostgresStore) GetByProviderRef(ctx context.Context, connectorID, providerRef string) (*Dispatch, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+dispatchColumns+` FROM dispatch_orders WHERE connector_id = $1 AND provider_ref = $2`,
		connectorID, providerRef)
	return scanDispatch(row)
}

// Update persists d only where the stored state still equals from; losing
// the race surfaces ErrStateConflict, not a silent overwrite.
func (p *PostgresStore) Update(ctx context.Context, d *Dispatch, from State) error {
	auditJSON, err := json.Marshal(d.Audit)
	if err != nil {
		return fmt.Errorf("marshal audit trail: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_orders SET
			state = $2, assigned_to = $3, provider_ref = $4,
			provider_status_raw = $5, proof_value = $6, fail_reason = $7,
			quoted_fee = $8::NUMERIC(20,2), quoted_eta = $9,
			delivered_at = $10, audit = $11, updated_at = $12
		WHERE id = $1 AND state = $13`,
		d.ID, string(d.State), nullString(d.AssignedTo), nullString(d.ProviderRef),
		nullString(d.ProviderStatusRaw), nullString(d.ProofValue), nullString(d.FailReason),
		nullNumeric(d.QuotedFee), nullString(d.QuotedETA),
		d.DeliveredAt, auditJSON, d.UpdatedAt, string(from),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Row missing or state moved. Distinguish for the caller.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM dispatch_orders WHERE id = $1)`, d.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDispatchNotFound
		}
		return ErrStateConflict
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispatch(s scanner) (*Dispatch, error) {
	d := &Dispatch{}
	var state, proofType string
	var assignedTo, connectorID, providerRef, providerStatusRaw sql.NullString
	var proofValue, failReason, quotedFee, quotedETA sql.NullString
	var buyerName, buyerPhone, pickupAddress, dropoffAddress sql.NullString
	var deliveredAt sql.NullTime
	var auditJSON []byte

	err := s.Scan(
		&d.ID, &d.OrderID, &d.TenantID, &state, &assignedTo, &connectorID,
		&providerRef, &providerStatusRaw, &proofType, &proofValue,
		&failReason, &quotedFee, &quotedETA, &buyerName, &buyerPhone,
		&pickupAddress, &dropoffAddress, &d.WeightKg, &deliveredAt,
		&auditJSON, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrDispatchNotFound
	}
	if err != nil {
		return nil, err
	}

	d.State = State(state)
	d.ProofType = ProofType(proofType)
	d.AssignedTo = assignedTo.String
	d.ConnectorID = connectorID.String
	d.ProviderRef = providerRef.String
	d.ProviderStatusRaw = providerStatusRaw.String
	d.ProofValue = proofValue.String
	d.FailReason = failReason.String
	d.QuotedFee = quotedFee.String
	d.QuotedETA = quotedETA.String
	d.BuyerName = buyerName.String
	d.BuyerPhone = buyerPhone.String
	d.PickupAddress = pickupAddress.String
	d.DropoffAddress = dropoffAddress.String
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	if len(auditJSON) > 0 {
		var trail audit.Trail
		if err := json.Unmarshal(auditJSON, &trail); err != nil {
			return nil, fmt.Errorf("unmarshal audit trail: %w", err)
		}
		d.Audit = trail
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullNumeric passes an empty amount as NULL instead of an unparsable ''.
func nullNumeric(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
