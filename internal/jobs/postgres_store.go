package jobs

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists jobs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed job store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, j *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO connector_jobs (
			id, tenant_id, connector_id, dispatch_id, type, payload,
			attempt, state, next_run_at, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		j.ID, j.TenantID, j.ConnectorID, j.DispatchID, string(j.Type), nullString(j.Payload),
		j.Attempt, string(j.State), j.NextRunAt, nullString(j.LastError), j.CreatedAt, j.UpdatedAt,
	)
	return err
}

const jobColumns = `
	id, tenant_id, connector_id, dispatch_id, type, payload,
	attempt, state, next_run_at, last_error, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM connector_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (p *PostgresStore) Update(ctx context.Context, j *Job) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE connector_jobs SET
			attempt = $2, state = $3, next_run_at = $4, last_error = $5, updated_at = $6
		WHERE id = $1`,
		j.ID, j.Attempt, string(j.State), j.NextRunAt, nullString(j.LastError), j.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM connector_jobs
		WHERE state = 'queued' AND next_run_at <= $1
		ORDER BY next_run_at, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectJobs(rows)
}

func (p *PostgresStore) ListByDispatch(ctx context.Context, dispatchID string) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM connector_jobs
		WHERE dispatch_id = $1
		ORDER BY created_at`, dispatchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var result []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*Job, error) {
	j := &Job{}
	var jobType, state string
	var payload, lastError sql.NullString
	err := s.Scan(
		&j.ID, &j.TenantID, &j.ConnectorID, &j.DispatchID, &jobType, &payload,
		&j.Attempt, &state, &j.NextRunAt, &lastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Type = Type(jobType)
	j.State = State(state)
	j.Payload = payload.String
	j.LastError = lastError.String
	return j, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
