package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically drains due jobs through the runner.
type Timer struct {
	runner   *Runner
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a job timer with a 30 second interval.
func NewTimer(runner *Runner, logger *slog.Logger) *Timer {
	return &Timer{
		runner:   runner,
		interval: 30 * time.Second,
		batch:    50,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the drain cadence.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the drain loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in job timer", "panic", fmt.Sprint(r))
		}
	}()
	t.runner.RunDue(ctx, t.batch)
}
