package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trakka/payguard/internal/metrics"
	"github.com/trakka/payguard/internal/tenant"
)

// Sweep periodically settles release-ready escrows. Every released_ready
// escrow qualifies regardless of policy; the cooldown policy alone adds a
// waiting period. Each pass works a bounded batch; a failing escrow gets a
// failure note and is skipped so the rest of the batch still settles.
type Sweep struct {
	service  *Service
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweep creates a settlement sweep with a 30 second interval.
func NewSweep(service *Service, store Store, logger *slog.Logger) *Sweep {
	return &Sweep{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep cadence.
func (s *Sweep) WithInterval(d time.Duration) *Sweep {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Running reports whether the sweep loop is actively running.
func (s *Sweep) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweep) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeRunOnce(ctx)
		}
	}
}

// Stop signals the sweep to stop.
func (s *Sweep) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweep) safeRunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in settlement sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.RunOnce(ctx)
}

// RunOnce performs a single sweep pass and returns how many escrows settled.
func (s *Sweep) RunOnce(ctx context.Context) int {
	timer := prometheus.NewTimer(metrics.SettlementSweepDuration)
	defer timer.ObserveDuration()

	ready, err := s.store.ListReleaseReady(ctx, "", s.batch)
	if err != nil {
		s.logger.Warn("failed to list release-ready escrows", "error", err)
		return 0
	}

	now := time.Now().UTC()
	settled := 0
	for _, e := range ready {
		if !s.eligible(e, now) {
			continue
		}
		actor := tenant.Actor{TenantID: e.TenantID, UserID: "sweep"}
		if _, err := s.service.PostSettlement(ctx, actor, e.ID); err != nil {
			s.logger.Warn("sweep settlement failed",
				"escrowId", e.ID, "orderId", e.OrderID, "error", err)
			s.service.recordSettlementFailure(ctx, e.ID, err)
			continue
		}
		settled++
		s.logger.Info("sweep settled escrow",
			"escrowId", e.ID, "orderId", e.OrderID, "amount", e.Amount)
	}
	return settled
}

// eligible applies the cooldown waiting period. Any other release-ready
// escrow settles, including manual-policy ones an operator already marked.
func (s *Sweep) eligible(e *Escrow, now time.Time) bool {
	if e.ReleasePolicy != tenant.ReleaseAfterCooldown {
		return true
	}
	if e.ReleaseReadyAt == nil {
		return false
	}
	cooldown := time.Duration(e.CooldownDays) * 24 * time.Hour
	return now.After(e.ReleaseReadyAt.Add(cooldown))
}
