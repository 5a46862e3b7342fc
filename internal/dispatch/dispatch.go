// Package dispatch runs last-mile fulfillment for one order: the rider/3PL
// state machine, the outbound provider calls, and the inbound status feed.
//
// States move along new → assigned → accepted → picked → on_route →
// delivered, with failed reachable from any non-terminal state. Every
// transition persists through a compare-and-set on the source state, so two
// workers racing the same dispatch cannot both win.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trakka/payguard/internal/audit"
	"github.com/trakka/payguard/internal/circuitbreaker"
	"github.com/trakka/payguard/internal/connector"
	"github.com/trakka/payguard/internal/jobs"
	"github.com/trakka/payguard/internal/metrics"
	"github.com/trakka/payguard/internal/tenant"
)

var (
	ErrDispatchNotFound       = errors.New("dispatch order not found")
	ErrOrderAlreadyDispatched = errors.New("a dispatch already exists for this order")
	ErrInvalidTransition      = errors.New("invalid dispatch state transition")
	ErrStateConflict          = errors.New("dispatch state changed concurrently")
	ErrProofRequired          = errors.New("delivery proof is required")
	ErrReasonRequired         = errors.New("a failure reason is required")
	ErrPartnerRequired        = errors.New("an assignment partner is required")
	ErrNoConnector            = errors.New("dispatch has no connector configured")
	ErrNoProviderRef          = errors.New("dispatch has no provider reference yet")
	ErrEscrowNotHeld          = errors.New("order has no held escrow")
	ErrProviderUnavailable    = errors.New("connector circuit open")
)

// State of a dispatch order.
type State string

const (
	StateNew       State = "new"
	StateAssigned  State = "assigned"
	StateAccepted  State = "accepted"
	StatePicked    State = "picked"
	StateOnRoute   State = "on_route"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
)

// stateRank orders the forward path. Inbound provider signals may only move
// a dispatch to a strictly higher rank.
var stateRank = map[State]int{
	StateNew:       0,
	StateAssigned:  1,
	StateAccepted:  2,
	StatePicked:    3,
	StateOnRoute:   4,
	StateDelivered: 5,
}

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// ProofType is the evidence required to mark a dispatch delivered.
type ProofType string

const (
	ProofNone      ProofType = "none"
	ProofOTP       ProofType = "otp"
	ProofSignature ProofType = "signature"
	ProofPhoto     ProofType = "photo"
)

// Valid reports whether p is a known proof type.
func (p ProofType) Valid() bool {
	switch p {
	case ProofNone, ProofOTP, ProofSignature, ProofPhoto:
		return true
	}
	return false
}

// Dispatch is one order's fulfillment record.
type Dispatch struct {
	ID                string      `json:"id"`
	OrderID           string      `json:"orderId"`
	TenantID          string      `json:"tenantId"`
	State             State       `json:"state"`
	AssignedTo        string      `json:"assignedTo,omitempty"`
	ConnectorID       string      `json:"connectorId,omitempty"`
	ProviderRef       string      `json:"providerRef,omitempty"`
	ProviderStatusRaw string      `json:"providerStatusRaw,omitempty"`
	ProofType         ProofType   `json:"proofType"`
	ProofValue        string      `json:"proofValue,omitempty"`
	FailReason        string      `json:"failReason,omitempty"`
	QuotedFee         string      `json:"quotedFee,omitempty"`
	QuotedETA         string      `json:"quotedEta,omitempty"`
	BuyerName         string      `json:"buyerName,omitempty"`
	BuyerPhone        string      `json:"buyerPhone,omitempty"`
	PickupAddress     string      `json:"pickupAddress,omitempty"`
	DropoffAddress    string      `json:"dropoffAddress,omitempty"`
	WeightKg          float64     `json:"weightKg,omitempty"`
	DeliveredAt       *time.Time  `json:"deliveredAt,omitempty"`
	Audit             audit.Trail `json:"audit,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// EscrowGate is the payment-side collaborator. Satisfied by *escrow.Service.
type EscrowGate interface {
	// HeldForOrder gates dispatch creation on a held escrow.
	HeldForOrder(ctx context.Context, tenantID, orderID string) (bool, error)
	// ReleaseOnDelivery is best-effort: it never returns an error because a
	// payment-side problem must not block a delivery.
	ReleaseOnDelivery(ctx context.Context, tenantID, orderID string)
}

// JobQueue enqueues outbound connector calls. Satisfied by *jobs.Service.
type JobQueue interface {
	Enqueue(ctx context.Context, req jobs.EnqueueRequest) (*jobs.Job, error)
}

// Connectors resolves configured provider connectors. Satisfied by
// *connector.Service.
type Connectors interface {
	Get(id string) (connector.Connector, error)
}

// Store persists dispatch orders.
//
// Update is a compare-and-set: it persists d only if the stored state still
// equals from, and returns ErrStateConflict otherwise.
type Store interface {
	Create(ctx context.Context, d *Dispatch) error
	Get(ctx context.Context, id string) (*Dispatch, error)
	GetByOrder(ctx context.Context, tenantID, orderID string) (*Dispatch, error)
	GetByProviderRef(ctx context.Context, connectorID, providerRef string) (*Dispatch, error)
	Update(ctx context.Context, d *Dispatch, from State) error
}

// CreateRequest contains the parameters for opening a dispatch.
type CreateRequest struct {
	OrderID        string    `json:"orderId" binding:"required"`
	ConnectorID    string    `json:"connectorId"`
	ProofType      ProofType `json:"proofType"`
	BuyerName      string    `json:"buyerName"`
	BuyerPhone     string    `json:"buyerPhone"`
	PickupAddress  string    `json:"pickupAddress"`
	DropoffAddress string    `json:"dropoffAddress"`
	WeightKg       float64   `json:"weightKg"`
}

// Service implements dispatch business logic.
type Service struct {
	store      Store
	escrows    EscrowGate
	queue      JobQueue
	connectors Connectors
	logger     *slog.Logger

	// callTimeout bounds direct connector calls (quoting).
	callTimeout time.Duration

	// breaker trips per connector ID after consecutive provider failures.
	breaker *circuitbreaker.Breaker
}

// NewService creates a dispatch service.
func NewService(store Store, escrows EscrowGate, queue JobQueue, connectors Connectors, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		escrows:     escrows,
		queue:       queue,
		connectors:  connectors,
		logger:      logger,
		callTimeout: 15 * time.Second,
		breaker:     circuitbreaker.New(5, 30*time.Second),
	}
}

// callProvider routes one outbound connector call through the per-connector
// circuit breaker. Rejections surface as ordinary transient errors, so the
// job queue's backoff handles the waiting.
func (s *Service) callProvider(connectorID string, call func() error) error {
	if !s.breaker.Allow(connectorID) {
		return fmt.Errorf("%w: %s", ErrProviderUnavailable, connectorID)
	}
	if err := call(); err != nil {
		s.breaker.RecordFailure(connectorID)
		return err
	}
	s.breaker.RecordSuccess(connectorID)
	return nil
}

// Create opens a dispatch for an order with a held escrow.
func (s *Service) Create(ctx context.Context, actor tenant.Actor, req CreateRequest) (*Dispatch, error) {
	if req.OrderID == "" {
		return nil, errors.New("order id is required")
	}
	if req.ProofType == "" {
		req.ProofType = ProofNone
	}
	if !req.ProofType.Valid() {
		return nil, fmt.Errorf("unknown proof type %q", req.ProofType)
	}

	held, err := s.escrows.HeldForOrder(ctx, actor.TenantID, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check escrow for order %s: %w", req.OrderID, err)
	}
	if !held {
		return nil, ErrEscrowNotHeld
	}

	now := time.Now().UTC()
	d := &Dispatch{
		ID:             generateDispatchID(),
		OrderID:        req.OrderID,
		TenantID:       actor.TenantID,
		State:          StateNew,
		ConnectorID:    req.ConnectorID,
		ProofType:      req.ProofType,
		BuyerName:      req.BuyerName,
		BuyerPhone:     req.BuyerPhone,
		PickupAddress:  req.PickupAddress,
		DropoffAddress: req.DropoffAddress,
		WeightKg:       req.WeightKg,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	d.Audit = d.Audit.Append(actor.UserID, "create", "dispatch opened for order "+d.OrderID)

	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	metrics.DispatchTransitionsTotal.WithLabelValues(string(StateNew)).Inc()
	return d, nil
}

// Get returns a dispatch by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispatch, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the dispatch for an order.
func (s *Service) GetByOrder(ctx context.Context, tenantID, orderID string) (*Dispatch, error) {
	return s.store.GetByOrder(ctx, tenantID, orderID)
}

// Delivered reports whether the order's dispatch reached delivered.
// Satisfies the escrow package's delivery checker.
func (s *Service) Delivered(ctx context.Context, tenantID, orderID string) (bool, error) {
	d, err := s.store.GetByOrder(ctx, tenantID, orderID)
	if err != nil {
		if errors.Is(err, ErrDispatchNotFound) {
			return false, nil
		}
		return false, err
	}
	return d.State == StateDelivered, nil
}

// Assign moves new → assigned and records the fulfillment partner.
func (s *Service) Assign(ctx context.Context, actor tenant.Actor, id, partner string) (*Dispatch, error) {
	if partner == "" {
		return nil, ErrPartnerRequired
	}
	return s.transition(ctx, actor, id, StateNew, StateAssigned, func(d *Dispatch) error {
		d.AssignedTo = partner
		return nil
	}, "assigned to "+partner)
}

// Accept moves assigned → accepted.
func (s *Service) Accept(ctx context.Context, actor tenant.Actor, id string) (*Dispatch, error) {
	return s.transition(ctx, actor, id, StateAssigned, StateAccepted, nil, "")
}

// Pick moves accepted → picked.
func (s *Service) Pick(ctx context.Context, actor tenant.Actor, id string) (*Dispatch, error) {
	return s.transition(ctx, actor, id, StateAccepted, StatePicked, nil, "")
}

// OnRoute moves picked → on_route.
func (s *Service) OnRoute(ctx context.Context, actor tenant.Actor, id string) (*Dispatch, error) {
	return s.transition(ctx, actor, id, StatePicked, StateOnRoute, nil, "")
}

// Deliver moves on_route → delivered. When the dispatch demands proof, an
// empty proof value is rejected. The linked escrow is then nudged toward
// release-readiness; that nudge is best-effort and never fails the delivery.
func (s *Service) Deliver(ctx context.Context, actor tenant.Actor, id, proofValue string) (*Dispatch, error) {
	d, err := s.transition(ctx, actor, id, StateOnRoute, StateDelivered, func(d *Dispatch) error {
		if d.ProofType != ProofNone && proofValue == "" {
			return fmt.Errorf("%w: %s", ErrProofRequired, d.ProofType)
		}
		d.ProofValue = proofValue
		now := time.Now().UTC()
		d.DeliveredAt = &now
		return nil
	}, "delivered")
	if err != nil {
		return nil, err
	}

	s.escrows.ReleaseOnDelivery(ctx, d.TenantID, d.OrderID)
	return d, nil
}

// Fail marks the dispatch failed from any non-terminal state.
func (s *Service) Fail(ctx context.Context, actor tenant.Actor, id, reason string) (*Dispatch, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.State.Terminal() {
		return nil, fmt.Errorf("%w: cannot fail from %s", ErrInvalidTransition, d.State)
	}

	from := d.State
	d.State = StateFailed
	d.FailReason = reason
	d.UpdatedAt = time.Now().UTC()
	d.Audit = d.Audit.Append(actor.UserID, "fail", reason)
	if err := s.store.Update(ctx, d, from); err != nil {
		return nil, err
	}
	metrics.DispatchTransitionsTotal.WithLabelValues(string(StateFailed)).Inc()
	s.logger.Info("dispatch failed", "dispatchId", d.ID, "orderId", d.OrderID, "reason", reason)
	return d, nil
}

// transition applies a single-predecessor state change with CAS persistence.
func (s *Service) transition(ctx context.Context, actor tenant.Actor, id string,
	from, to State, mutate func(*Dispatch) error, note string) (*Dispatch, error) {

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.State != from {
		return nil, fmt.Errorf("%w: %s requires %s, dispatch is %s", ErrInvalidTransition, to, from, d.State)
	}

	d.State = to
	if mutate != nil {
		if err := mutate(d); err != nil {
			return nil, err
		}
	}
	d.UpdatedAt = time.Now().UTC()
	d.Audit = d.Audit.Append(actor.UserID, string(to), note)

	if err := s.store.Update(ctx, d, from); err != nil {
		return nil, err
	}
	metrics.DispatchTransitionsTotal.WithLabelValues(string(to)).Inc()
	return d, nil
}

// Quote asks the configured connector for a delivery fee and stores it.
func (s *Service) Quote(ctx context.Context, actor tenant.Actor, id string) (*Dispatch, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.ConnectorID == "" {
		return nil, ErrNoConnector
	}
	conn, err := s.connectors.Get(d.ConnectorID)
	if err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	var quote *connector.QuoteResult
	err = s.callProvider(d.ConnectorID, func() error {
		var qerr error
		quote, qerr = conn.Quote(qctx, connector.QuoteRequest{
			PickupAddress:  d.PickupAddress,
			DropoffAddress: d.DropoffAddress,
			WeightKg:       d.WeightKg,
		})
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("connector quote failed: %w", err)
	}

	from := d.State
	d.QuotedFee = quote.Amount
	d.QuotedETA = quote.ETA
	d.UpdatedAt = time.Now().UTC()
	d.Audit = d.Audit.Append(actor.UserID, "quote", quote.Amount+" eta "+quote.ETA)
	if err := s.store.Update(ctx, d, from); err != nil {
		return nil, err
	}
	return d, nil
}

// SendToProvider enqueues the create_shipment call. A dispatch that already
// has a provider reference is a no-op: the shipment exists.
func (s *Service) SendToProvider(ctx context.Context, actor tenant.Actor, id string) (*Dispatch, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.ConnectorID == "" {
		return nil, ErrNoConnector
	}
	if d.ProviderRef != "" {
		s.logger.Info("dispatch already sent to provider",
			"dispatchId", d.ID, "providerRef", d.ProviderRef)
		return d, nil
	}

	if _, err := s.queue.Enqueue(ctx, jobs.EnqueueRequest{
		TenantID:    d.TenantID,
		ConnectorID: d.ConnectorID,
		DispatchID:  d.ID,
		Type:        jobs.TypeCreateShipment,
	}); err != nil {
		return nil, fmt.Errorf("failed to enqueue shipment creation: %w", err)
	}

	d.Audit = d.Audit.Append(actor.UserID, "send_to_provider", "shipment creation queued")
	d.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, d, d.State); err != nil {
		s.logger.Warn("failed to record send audit", "dispatchId", d.ID, "error", err)
	}
	return d, nil
}

// RefreshStatus enqueues a track call for the provider's current status.
func (s *Service) RefreshStatus(ctx context.Context, actor tenant.Actor, id string) (*Dispatch, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.ProviderRef == "" {
		return nil, ErrNoProviderRef
	}

	if _, err := s.queue.Enqueue(ctx, jobs.EnqueueRequest{
		TenantID:    d.TenantID,
		ConnectorID: d.ConnectorID,
		DispatchID:  d.ID,
		Type:        jobs.TypeTrack,
		Payload:     payloadFor(d),
	}); err != nil {
		return nil, fmt.Errorf("failed to enqueue track: %w", err)
	}
	return d, nil
}

// CancelShipment enqueues a cancel call with the provider.
func (s *Service) CancelShipment(ctx context.Context, actor tenant.Actor, id string) (*Dispatch, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.ProviderRef == "" {
		return nil, ErrNoProviderRef
	}

	if _, err := s.queue.Enqueue(ctx, jobs.EnqueueRequest{
		TenantID:    d.TenantID,
		ConnectorID: d.ConnectorID,
		DispatchID:  d.ID,
		Type:        jobs.TypeCancel,
		Payload:     payloadFor(d),
	}); err != nil {
		return nil, fmt.Errorf("failed to enqueue cancel: %w", err)
	}
	d.Audit = d.Audit.Append(actor.UserID, "cancel_shipment", "cancel queued")
	d.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, d, d.State); err != nil {
		s.logger.Warn("failed to record cancel audit", "dispatchId", d.ID, "error", err)
	}
	return d, nil
}

// providerStatusMap is the shared inbound mapping used by both the tracking
// poll and the webhook callback.
var providerStatusMap = map[string]State{
	"assigned":         StateAssigned,
	"accepted":         StateAccepted,
	"picked":           StatePicked,
	"picked_up":        StatePicked,
	"in_transit":       StateOnRoute,
	"on_route":         StateOnRoute,
	"out_for_delivery": StateOnRoute,
	"delivered":        StateDelivered,
	"failed":           StateFailed,
	"canceled":         StateFailed,
	"cancelled":        StateFailed,
}

// ApplyProviderStatus folds an inbound provider signal into the state
// machine. Only forward transitions are applied: regressive, duplicate, or
// unknown statuses are logged and dropped, which also absorbs replayed
// webhook deliveries.
func (s *Service) ApplyProviderStatus(ctx context.Context, connectorID, providerRef, status, raw string) (*Dispatch, error) {
	d, err := s.store.GetByProviderRef(ctx, connectorID, providerRef)
	if err != nil {
		return nil, err
	}

	target, known := providerStatusMap[status]
	if !known {
		s.logger.Warn("unknown provider status ignored",
			"dispatchId", d.ID, "providerRef", providerRef, "status", status)
		return d, nil
	}

	if target == StateFailed {
		if d.State.Terminal() {
			s.logger.Info("provider failure signal on terminal dispatch ignored",
				"dispatchId", d.ID, "state", d.State, "status", status)
			return d, nil
		}
		return s.Fail(ctx, tenant.Actor{TenantID: d.TenantID, UserID: "provider:" + connectorID}, d.ID, "provider status: "+status)
	}

	if d.State.Terminal() || stateRank[target] <= stateRank[d.State] {
		s.logger.Info("non-forward provider status ignored",
			"dispatchId", d.ID, "state", d.State, "status", status)
		return d, nil
	}

	from := d.State
	d.State = target
	d.ProviderStatusRaw = raw
	if target == StateDelivered {
		now := time.Now().UTC()
		d.DeliveredAt = &now
	}
	d.UpdatedAt = time.Now().UTC()
	d.Audit = d.Audit.Append("provider:"+connectorID, string(target), "provider status "+status)

	if err := s.store.Update(ctx, d, from); err != nil {
		return nil, err
	}
	metrics.DispatchTransitionsTotal.WithLabelValues(string(target)).Inc()

	if target == StateDelivered {
		s.escrows.ReleaseOnDelivery(ctx, d.TenantID, d.OrderID)
	}
	return d, nil
}

func payloadFor(d *Dispatch) string {
	b, _ := json.Marshal(map[string]string{"provider_ref": d.ProviderRef})
	return string(b)
}

func generateDispatchID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("dsp_%x", b)
}
