package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/trakka/payguard/internal/connector"
	"github.com/trakka/payguard/internal/jobs"
	"github.com/trakka/payguard/internal/tenant"
)

// Execute performs the outbound connector call a job describes. It makes
// *Service the jobs runner's executor.
func (s *Service) Execute(ctx context.Context, j *jobs.Job) error {
	conn, err := s.connectors.Get(j.ConnectorID)
	if err != nil {
		return err
	}

	d, err := s.store.Get(ctx, j.DispatchID)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	switch j.Type {
	case jobs.TypeCreateShipment:
		return s.executeCreateShipment(callCtx, conn, d)
	case jobs.TypeTrack:
		return s.executeTrack(callCtx, conn, d)
	case jobs.TypeCancel:
		if d.ProviderRef == "" {
			return nil // nothing to cancel
		}
		return s.callProvider(j.ConnectorID, func() error {
			_, cerr := conn.Cancel(callCtx, d.ProviderRef)
			return cerr
		})
	default:
		return fmt.Errorf("unknown job type %q", j.Type)
	}
}

func (s *Service) executeCreateShipment(ctx context.Context, conn connector.Connector, d *Dispatch) error {
	if d.ProviderRef != "" {
		// A prior attempt (or a racing worker) already created it.
		return nil
	}

	var ref string
	err := s.callProvider(d.ConnectorID, func() error {
		var cerr error
		ref, cerr = conn.CreateShipment(ctx, connector.ShipmentRequest{
			DispatchID:     d.ID,
			OrderID:        d.OrderID,
			BuyerName:      d.BuyerName,
			BuyerPhone:     d.BuyerPhone,
			PickupAddress:  d.PickupAddress,
			DropoffAddress: d.DropoffAddress,
			WeightKg:       d.WeightKg,
		})
		return cerr
	})
	if err != nil {
		return err
	}

	d.ProviderRef = ref
	d.Audit = d.Audit.Append("connector:"+d.ConnectorID, "shipment_created", "provider ref "+ref)
	if err := s.store.Update(ctx, d, d.State); err != nil {
		if errors.Is(err, ErrStateConflict) {
			// The dispatch moved while the provider call ran. Re-read and
			// set the ref on the current revision; it is still set once.
			fresh, gerr := s.store.Get(ctx, d.ID)
			if gerr != nil {
				return gerr
			}
			if fresh.ProviderRef != "" {
				return nil
			}
			fresh.ProviderRef = ref
			fresh.Audit = fresh.Audit.Append("connector:"+d.ConnectorID, "shipment_created", "provider ref "+ref)
			return s.store.Update(ctx, fresh, fresh.State)
		}
		return err
	}
	s.logger.Info("shipment created with provider",
		"dispatchId", d.ID, "connectorId", d.ConnectorID, "providerRef", ref)
	return nil
}

func (s *Service) executeTrack(ctx context.Context, conn connector.Connector, d *Dispatch) error {
	if d.ProviderRef == "" {
		return ErrNoProviderRef
	}
	var result *connector.TrackResult
	err := s.callProvider(d.ConnectorID, func() error {
		var terr error
		result, terr = conn.Track(ctx, d.ProviderRef)
		return terr
	})
	if err != nil {
		return err
	}
	if _, err := s.ApplyProviderStatus(ctx, d.ConnectorID, d.ProviderRef, result.Status, result.Raw); err != nil {
		return err
	}
	return nil
}

// Exhausted surfaces a permanently failed outbound call on the dispatch.
// Only the shipment creation is load-bearing enough to fail the dispatch;
// a dead track or cancel job is an operator problem, not a fulfillment one.
func (s *Service) Exhausted(ctx context.Context, j *jobs.Job) {
	if j.Type != jobs.TypeCreateShipment {
		s.logger.Warn("connector job exhausted",
			"jobId", j.ID, "type", j.Type, "dispatchId", j.DispatchID, "lastError", j.LastError)
		return
	}

	reason := fmt.Sprintf("provider send failed after %d attempts: %s", j.Attempt, j.LastError)
	actor := tenant.Actor{TenantID: j.TenantID, UserID: "jobs"}
	if _, err := s.Fail(ctx, actor, j.DispatchID, reason); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return // dispatch already terminal
		}
		s.logger.Error("failed to mark dispatch failed after job exhaustion",
			"jobId", j.ID, "dispatchId", j.DispatchID, "error", err)
	}
}
