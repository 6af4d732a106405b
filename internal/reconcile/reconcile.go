// Package reconcile surfaces escrows whose provider confirmation never
// arrived. Money movement is never abandoned automatically; stuck escrows are
// flagged for manual review and left alone.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lancepay/escrowd/internal/escrow"
	"github.com/lancepay/escrowd/internal/metrics"
)

const batchSize = 100

// Timer periodically flags escrows stuck waiting on the provider.
type Timer struct {
	store    escrow.Store
	window   time.Duration // How long an intent may stay unconfirmed
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new reconciliation timer.
func NewTimer(store escrow.Store, window, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		store:    store,
		window:   window,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the reconciliation loop. Call in a goroutine.
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
			t.safeSweep(ctx)
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

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconcile timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep flags every escrow that has sat in created, or held an unconfirmed
// pending intent, longer than the window. Exported for tests and for a manual
// admin trigger.
func (t *Timer) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-t.window)

	stuck, err := t.store.ListStuck(ctx, cutoff, batchSize)
	if err != nil {
		t.logger.Warn("failed to list stuck escrows", "error", err)
		return
	}

	for _, e := range stuck {
		now := time.Now().UTC()
		if err := t.store.FlagForReview(ctx, e.ID, now); err != nil {
			t.logger.Warn("failed to flag stuck escrow", "escrowId", e.ID, "error", err)
			continue
		}
		metrics.StuckEscrowsFlaggedTotal.Inc()
		t.logger.Warn("flagged stuck escrow for review",
			"escrowId", e.ID,
			"status", string(e.Status),
			"pendingAction", string(e.PendingAction),
			"milestoneId", e.MilestoneID,
			"ageHours", now.Sub(e.CreatedAt).Hours(),
		)
	}
}
