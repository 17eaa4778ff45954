package escrow

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTimerSweepDispatch(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// Funded past the delivery grace: refund.
	expired := env.createFunded(t, "1.00", 10)
	env.rewind(t, expired.ID, func(e *Escrow) {
		e.RefundAfter = time.Now().Add(-time.Minute)
	})

	// Active with matching attestations past the unlock: settle.
	ready := env.createActive(t, "0.95", 100)
	if _, err := env.svc.AttestUsage(ctx, testConsumer, ready.ID, 50); err != nil {
		t.Fatalf("attest failed: %v", err)
	}
	if _, err := env.svc.AttestUsage(ctx, testProvider, ready.ID, 50); err != nil {
		t.Fatalf("attest failed: %v", err)
	}

	// Active, consumer silent past the reporting close: auto-complete.
	silent := env.createActive(t, "2.00", 10)
	env.rewind(t, silent.ID, func(e *Escrow) {
		e.ReportingClose = time.Now().Add(-time.Minute)
	})

	// Active with nothing due: untouched.
	fresh := env.createActive(t, "3.00", 10)

	// Pending and never funded past the expiry: discarded.
	stale := env.createPending(t, "4.00", 10)
	env.rewind(t, stale.ID, func(e *Escrow) {
		e.CreatedAt = time.Now().Add(-PendingExpiry - time.Minute)
	})

	// Pending but still fresh: untouched.
	young := env.createPending(t, "5.00", 10)

	timer := NewTimer(env.svc, env.store, discardLogger())
	timer.sweep(ctx)

	for _, tc := range []struct {
		id   string
		want Status
	}{
		{expired.ID, StatusRefunded},
		{ready.ID, StatusCompleted},
		{silent.ID, StatusCompleted},
		{fresh.ID, StatusActive},
		{stale.ID, StatusRefunded},
		{young.ID, StatusPending},
	} {
		got, err := env.store.Get(ctx, tc.id)
		if err != nil {
			t.Fatalf("Get %s failed: %v", tc.id, err)
		}
		if got.Status != tc.want {
			t.Errorf("escrow %s status = %s, want %s", tc.id, got.Status, tc.want)
		}
	}

	// Auto-completed escrow assumed full usage.
	got, err := env.store.Get(ctx, silent.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SettledUsage != 10 {
		t.Errorf("auto-completed settledUsage = %d, want usage limit", got.SettledUsage)
	}
}

func TestTimerSweepIdempotent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	expired := env.createFunded(t, "1.00", 10)
	env.rewind(t, expired.ID, func(e *Escrow) {
		e.RefundAfter = time.Now().Add(-time.Minute)
	})

	timer := NewTimer(env.svc, env.store, discardLogger())
	timer.sweep(ctx)
	timer.sweep(ctx)

	if pushes := env.token.pushesTo(testConsumer); len(pushes) != 1 {
		t.Errorf("pushes after double sweep = %+v, want exactly one refund", pushes)
	}
}

func TestTimerSweepSkipsWhilePaused(t *testing.T) {
	env := newTestEnv()

	expired := env.createFunded(t, "1.00", 10)
	env.rewind(t, expired.ID, func(e *Escrow) {
		e.RefundAfter = time.Now().Add(-time.Minute)
	})
	env.params.setPaused(true)

	timer := NewTimer(env.svc, env.store, discardLogger())
	timer.sweep(context.Background())

	got, err := env.store.Get(context.Background(), expired.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusFunded {
		t.Errorf("status after paused sweep = %s, want funded", got.Status)
	}
	if len(env.token.pushes) != 0 {
		t.Error("paused sweep must not move funds")
	}
}

func TestTimerStartStop(t *testing.T) {
	env := newTestEnv()
	timer := NewTimer(env.svc, env.store, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	waitFor(t, "timer to start", func() bool { return timer.Running() })
	timer.Stop()
	waitFor(t, "timer to stop", func() bool { return !timer.Running() })
}

func TestTimerStopsOnContextCancel(t *testing.T) {
	env := newTestEnv()
	timer := NewTimer(env.svc, env.store, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go timer.Start(ctx)

	waitFor(t, "timer to start", func() bool { return timer.Running() })
	cancel()
	waitFor(t, "timer to stop", func() bool { return !timer.Running() })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
