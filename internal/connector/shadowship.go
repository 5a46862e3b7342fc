package connector

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/trakka/payguard/internal/money"
)

func init() {
	MustRegister("shadowship", func(cfg Config) Connector {
		return &ShadowShip{cfg: cfg, now: time.Now}
	})
}

// ShadowShip is a demo provider: no network calls, deterministic refs, and a
// tracking status that drifts with the clock so local setups show movement.
type ShadowShip struct {
	cfg Config
	now func() time.Time
}

// Quote prices a delivery at a flat base plus a per-kilo charge.
func (s *ShadowShip) Quote(ctx context.Context, req QuoteRequest) (*QuoteResult, error) {
	cents := int64(10000) + int64(req.WeightKg*1000)
	return &QuoteResult{
		Amount: money.Format(big.NewInt(cents)),
		ETA:    "P1D",
	}, nil
}

// CreateShipment returns a stable reference derived from the dispatch, so a
// retried create is harmless.
func (s *ShadowShip) CreateShipment(ctx context.Context, req ShipmentRequest) (string, error) {
	if req.DispatchID == "" {
		return "", fmt.Errorf("shadowship: dispatch id is required")
	}
	return "SHADOW-" + req.DispatchID, nil
}

// Track reports a status that advances with wall-clock seconds.
func (s *ShadowShip) Track(ctx context.Context, providerRef string) (*TrackResult, error) {
	sec := s.now().UTC().Second()
	var status string
	switch {
	case sec%10 < 3:
		status = "accepted"
	case sec%10 < 6:
		status = "in_transit"
	case sec%10 < 8:
		status = "out_for_delivery"
	default:
		status = "delivered"
	}
	return &TrackResult{
		ProviderRef: providerRef,
		Status:      status,
		Raw:         fmt.Sprintf(`{"provider_ref":%q,"status":%q}`, providerRef, status),
	}, nil
}

// Cancel always succeeds.
func (s *ShadowShip) Cancel(ctx context.Context, providerRef string) (bool, error) {
	return true, nil
}

// Compile-time assertion that ShadowShip implements Connector.
var _ Connector = (*ShadowShip)(nil)
