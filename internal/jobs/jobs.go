// Package jobs is a retrying queue for outbound connector calls.
//
// Jobs are durable: a provider outage delays the call, it does not lose it.
// Failures back off on a 5/15/60/180 minute schedule; after the retry bound
// the job goes to failed permanently and the executor is told, so the owning
// record can surface the terminal failure.
package jobs

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound   = errors.New("connector job not found")
	ErrNotRequeuable = errors.New("only failed jobs can be requeued")
)

// State of a job.
type State string

const (
	StateQueued State = "queued"
	StateDone   State = "done"
	StateFailed State = "failed"
)

// Type of outbound connector call.
type Type string

const (
	TypeCreateShipment Type = "create_shipment"
	TypeTrack          Type = "track"
	TypeCancel         Type = "cancel"
)

// backoffMinutes is the retry schedule; the last entry repeats.
var backoffMinutes = []int{5, 15, 60, 180}

// maxRetries bounds how many failures are rescheduled. The failure after the
// last retry parks the job as failed.
const maxRetries = 4

// Job is one queued outbound connector call.
type Job struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	ConnectorID string    `json:"connectorId"`
	DispatchID  string    `json:"dispatchId"`
	Type        Type      `json:"type"`
	Payload     string    `json:"payload,omitempty"`
	Attempt     int       `json:"attempt"`
	State       State     `json:"state"`
	NextRunAt   time.Time `json:"nextRunAt"`
	LastError   string    `json:"lastError,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists jobs.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, j *Job) error
	// ListDue returns queued jobs with NextRunAt <= now, ordered by
	// next_run_at then id.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	ListByDispatch(ctx context.Context, dispatchID string) ([]*Job, error)
}

// EnqueueRequest describes a job to enqueue.
type EnqueueRequest struct {
	TenantID    string
	ConnectorID string
	DispatchID  string
	Type        Type
	Payload     string
}

// Service enqueues and manages jobs. Execution lives in Runner.
type Service struct {
	store Store
}

// NewService creates a job service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Enqueue creates a queued job due immediately.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if req.ConnectorID == "" {
		return nil, errors.New("connector id is required")
	}
	switch req.Type {
	case TypeCreateShipment, TypeTrack, TypeCancel:
	default:
		return nil, fmt.Errorf("unknown job type %q", req.Type)
	}

	now := time.Now().UTC()
	j := &Job{
		ID:          generateJobID(),
		TenantID:    req.TenantID,
		ConnectorID: req.ConnectorID,
		DispatchID:  req.DispatchID,
		Type:        req.Type,
		Payload:     req.Payload,
		State:       StateQueued,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Get returns a job by ID.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// ListByDispatch returns the jobs enqueued for a dispatch.
func (s *Service) ListByDispatch(ctx context.Context, dispatchID string) ([]*Job, error) {
	return s.store.ListByDispatch(ctx, dispatchID)
}

// Requeue puts a permanently failed job back on the queue with a fresh
// attempt counter. Used by operators after fixing the underlying problem.
func (s *Service) Requeue(ctx context.Context, id string) (*Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.State != StateFailed {
		return nil, ErrNotRequeuable
	}

	now := time.Now().UTC()
	j.State = StateQueued
	j.Attempt = 0
	j.LastError = ""
	j.NextRunAt = now
	j.UpdatedAt = now
	if err := s.store.Update(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// backoff returns the delay before the given attempt number retries.
func backoff(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffMinutes) {
		idx = len(backoffMinutes) - 1
	}
	return time.Duration(backoffMinutes[idx]) * time.Minute
}

func generateJobID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("job_%x", b)
}
