package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// SystemCaller is the actor recorded on transitions driven by the sweep
// timer rather than a party.
const SystemCaller = "system:timer"

// sweepBatchSize bounds how many timed-out escrows one sweep processes.
const sweepBatchSize = 100

// Timer periodically sweeps timed-out escrows: funded escrows whose key
// delivery grace has lapsed are refunded, silent-consumer escrows past the
// reporting window are auto-completed, attested escrows past their dispute
// window are settled, and pending escrows never funded within PendingExpiry
// are discarded.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow sweep timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// WithInterval overrides the sweep cadence. Non-positive values are ignored.
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

// Start begins the sweep loop. Call in a goroutine.
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
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	if t.service.params.IsPaused(ctx) {
		t.logger.Debug("escrow sweep skipped while paused")
		return
	}

	timedOut, err := t.store.ListTimedOut(ctx, time.Now(), sweepBatchSize)
	if err != nil {
		t.logger.Warn("failed to list timed-out escrows", "error", err)
		return
	}

	for _, escrow := range timedOut {
		switch {
		case escrow.Status == StatusPending:
			if _, err := t.service.ExpirePending(ctx, SystemCaller, escrow.ID); err != nil {
				t.logTransitionErr("expire pending escrow", escrow, err)
				continue
			}
			t.logger.Info("expired stale pending escrow",
				"escrowId", escrow.ID, "consumer", escrow.Consumer)

		case escrow.Status == StatusFunded:
			if _, err := t.service.RefundExpired(ctx, SystemCaller, escrow.ID); err != nil {
				t.logTransitionErr("refund expired escrow", escrow, err)
				continue
			}
			t.logger.Info("refunded expired escrow",
				"escrowId", escrow.ID, "consumer", escrow.Consumer, "amount", escrow.Amount)

		case escrow.Status == StatusActive && escrow.ConsumerAttested && escrow.ProviderAttested:
			if _, err := t.service.Settle(ctx, SystemCaller, escrow.ID); err != nil {
				t.logTransitionErr("settle escrow", escrow, err)
				continue
			}
			t.logger.Info("settled escrow after dispute window",
				"escrowId", escrow.ID, "provider", escrow.Provider, "amount", escrow.Amount)

		case escrow.Status == StatusActive && !escrow.ConsumerAttested:
			if _, err := t.service.AutoComplete(ctx, SystemCaller, escrow.ID); err != nil {
				t.logTransitionErr("auto-complete escrow", escrow, err)
				continue
			}
			t.logger.Info("auto-completed escrow after silent consumer",
				"escrowId", escrow.ID, "provider", escrow.Provider, "amount", escrow.Amount)
		}
	}
}

// logTransitionErr downgrades races lost to a concurrent caller (the status
// guard rejects the second attempt) to debug noise.
func (t *Timer) logTransitionErr(op string, escrow *Escrow, err error) {
	if errors.Is(err, ErrInvalidStatus) || errors.Is(err, ErrPaused) {
		t.logger.Debug("escrow sweep skipped", "op", op, "escrowId", escrow.ID, "reason", err)
		return
	}
	t.logger.Warn("failed to "+op, "escrowId", escrow.ID, "error", err)
}
