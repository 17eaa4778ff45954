package admin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DaveO280/Diem-Marketplace/internal/escrow"
)

const (
	testAdmin = "0xADDD567890123456789012345678901234567890"
	testOther = "0xCCCC567890123456789012345678901234567890"
)

// capturingRecorder collects emitted events.
type capturingRecorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *capturingRecorder) Record(ctx context.Context, event *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *capturingRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *capturingRecorder) {
	t.Helper()
	recorder := &capturingRecorder{}
	svc := NewService(NewMemoryStore(), NewSingleKeyAuthority(testAdmin, ""), Config{
		InitialFees: escrow.FeeConfig{Version: 1, PlatformFeeBps: 100, UnusedPenaltyBps: 500},
	}).WithRecorder(recorder)
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return svc, recorder
}

// rewindPending moves a scheduled fee update's timelock into the past.
func rewindPending(svc *Service) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.state.Pending.ExecuteAfter = time.Now().Add(-time.Second)
}

// rewindUnpause moves a scheduled unpause's timelock into the past.
func rewindUnpause(svc *Service) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.state.UnpauseAfter = time.Now().Add(-time.Second)
}

func TestScheduleFeeUpdate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ScheduleFeeUpdate(ctx, testOther, 200, 800); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("outsider schedule error = %v, want ErrUnauthorized", err)
	}
	if _, err := svc.ScheduleFeeUpdate(ctx, testAdmin, 501, 800); !errors.Is(err, ErrFeeTooHigh) {
		t.Errorf("over-cap fee error = %v, want ErrFeeTooHigh", err)
	}
	if _, err := svc.ScheduleFeeUpdate(ctx, testAdmin, 200, 2001); !errors.Is(err, ErrPenaltyTooHigh) {
		t.Errorf("over-cap penalty error = %v, want ErrPenaltyTooHigh", err)
	}
	if _, err := svc.ScheduleFeeUpdate(ctx, testAdmin, -1, 800); !errors.Is(err, ErrInvalidBps) {
		t.Errorf("negative bps error = %v, want ErrInvalidBps", err)
	}

	pending, err := svc.ScheduleFeeUpdate(ctx, testAdmin, 200, 800)
	if err != nil {
		t.Fatalf("ScheduleFeeUpdate: %v", err)
	}
	if pending.PlatformFeeBps != 200 || pending.UnusedPenaltyBps != 800 {
		t.Errorf("pending = %+v", pending)
	}
	if pending.ScheduledBy != strings.ToLower(testAdmin) {
		t.Errorf("scheduledBy = %s, want lowercase admin", pending.ScheduledBy)
	}
	if !pending.ExecuteAfter.After(time.Now()) {
		t.Errorf("executeAfter = %v, want in the future", pending.ExecuteAfter)
	}

	// One pending change at a time.
	if _, err := svc.ScheduleFeeUpdate(ctx, testAdmin, 300, 900); !errors.Is(err, ErrUpdatePending) {
		t.Errorf("second schedule error = %v, want ErrUpdatePending", err)
	}

	// The live schedule is untouched until execution.
	if fees := svc.CurrentFees(ctx); fees.PlatformFeeBps != 100 || fees.Version != 1 {
		t.Errorf("fees changed before execution: %+v", fees)
	}
}

func TestExecuteFeeUpdate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ExecuteFeeUpdate(ctx, testOther); !errors.Is(err, ErrNoPendingUpdate) {
		t.Errorf("execute with no pending error = %v, want ErrNoPendingUpdate", err)
	}

	if _, err := svc.ScheduleFeeUpdate(ctx, testAdmin, 200, 800); err != nil {
		t.Fatalf("ScheduleFeeUpdate: %v", err)
	}

	if _, err := svc.ExecuteFeeUpdate(ctx, testOther); !errors.Is(err, ErrTimelockActive) {
		t.Errorf("early execute error = %v, want ErrTimelockActive", err)
	}

	rewindPending(svc)

	// Anyone may execute once the delay elapses.
	fees, err := svc.ExecuteFeeUpdate(ctx, testOther)
	if err != nil {
		t.Fatalf("ExecuteFeeUpdate: %v", err)
	}
	if fees.Version != 2 {
		t.Errorf("version = %d, want 2", fees.Version)
	}
	if fees.PlatformFeeBps != 200 || fees.UnusedPenaltyBps != 800 {
		t.Errorf("fees = %+v", fees)
	}
	if got := svc.CurrentFees(ctx); got != fees {
		t.Errorf("CurrentFees = %+v, want %+v", got, fees)
	}
	if svc.State(ctx).Pending != nil {
		t.Error("pending update survived execution")
	}

	if _, err := svc.ExecuteFeeUpdate(ctx, testOther); !errors.Is(err, ErrNoPendingUpdate) {
		t.Errorf("re-execute error = %v, want ErrNoPendingUpdate", err)
	}
}

func TestCancelFeeUpdate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.CancelFeeUpdate(ctx, testAdmin); !errors.Is(err, ErrNoPendingUpdate) {
		t.Errorf("cancel with no pending error = %v, want ErrNoPendingUpdate", err)
	}

	if _, err := svc.ScheduleFeeUpdate(ctx, testAdmin, 200, 800); err != nil {
		t.Fatalf("ScheduleFeeUpdate: %v", err)
	}

	if err := svc.CancelFeeUpdate(ctx, testOther); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("outsider cancel error = %v, want ErrUnauthorized", err)
	}

	if err := svc.CancelFeeUpdate(ctx, testAdmin); err != nil {
		t.Fatalf("CancelFeeUpdate: %v", err)
	}
	if svc.State(ctx).Pending != nil {
		t.Error("pending update survived cancellation")
	}

	// The slot is free again.
	if _, err := svc.ScheduleFeeUpdate(ctx, testAdmin, 300, 900); err != nil {
		t.Errorf("reschedule after cancel: %v", err)
	}
}

func TestPauseUnpauseFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Pause(ctx, testOther); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("outsider pause error = %v, want ErrUnauthorized", err)
	}
	if _, err := svc.ScheduleUnpause(ctx, testAdmin); !errors.Is(err, ErrNotPaused) {
		t.Errorf("schedule unpause while running error = %v, want ErrNotPaused", err)
	}

	if err := svc.Pause(ctx, testAdmin); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !svc.IsPaused(ctx) {
		t.Fatal("IsPaused = false after Pause")
	}
	if err := svc.Pause(ctx, testAdmin); !errors.Is(err, ErrAlreadyPaused) {
		t.Errorf("double pause error = %v, want ErrAlreadyPaused", err)
	}

	if err := svc.Unpause(ctx, testOther); !errors.Is(err, ErrUnpauseNotScheduled) {
		t.Errorf("unscheduled unpause error = %v, want ErrUnpauseNotScheduled", err)
	}
	if _, err := svc.ScheduleUnpause(ctx, testOther); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("outsider schedule unpause error = %v, want ErrUnauthorized", err)
	}

	after, err := svc.ScheduleUnpause(ctx, testAdmin)
	if err != nil {
		t.Fatalf("ScheduleUnpause: %v", err)
	}
	if !after.After(time.Now()) {
		t.Errorf("unpauseAfter = %v, want in the future", after)
	}

	if err := svc.Unpause(ctx, testOther); !errors.Is(err, ErrTimelockActive) {
		t.Errorf("early unpause error = %v, want ErrTimelockActive", err)
	}

	rewindUnpause(svc)

	// Anyone may complete the unpause once the delay elapses.
	if err := svc.Unpause(ctx, testOther); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if svc.IsPaused(ctx) {
		t.Error("IsPaused = true after Unpause")
	}
	if err := svc.Unpause(ctx, testOther); !errors.Is(err, ErrNotPaused) {
		t.Errorf("unpause while running error = %v, want ErrNotPaused", err)
	}
}

func TestRepauseCancelsScheduledUnpause(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Pause(ctx, testAdmin); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := svc.ScheduleUnpause(ctx, testAdmin); err != nil {
		t.Fatalf("ScheduleUnpause: %v", err)
	}

	// Re-pausing during the unpause countdown clears the schedule.
	if err := svc.Pause(ctx, testAdmin); err != nil {
		t.Fatalf("re-pause: %v", err)
	}
	if !svc.State(ctx).UnpauseAfter.IsZero() {
		t.Error("unpause schedule survived re-pause")
	}
	if err := svc.Unpause(ctx, testAdmin); !errors.Is(err, ErrUnpauseNotScheduled) {
		t.Errorf("unpause after re-pause error = %v, want ErrUnpauseNotScheduled", err)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	store := NewMemoryStore()
	authority := NewSingleKeyAuthority(testAdmin, "")
	cfg := Config{InitialFees: escrow.FeeConfig{Version: 1, PlatformFeeBps: 100, UnusedPenaltyBps: 500}}
	ctx := context.Background()

	svc1 := NewService(store, authority, cfg)
	if err := svc1.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := svc1.ScheduleFeeUpdate(ctx, testAdmin, 250, 900); err != nil {
		t.Fatalf("ScheduleFeeUpdate: %v", err)
	}
	if err := svc1.Pause(ctx, testAdmin); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// A fresh service over the same store sees the same state.
	svc2 := NewService(store, authority, cfg)
	if err := svc2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !svc2.IsPaused(ctx) {
		t.Error("pause state lost across restart")
	}
	state := svc2.State(ctx)
	if state.Pending == nil || state.Pending.PlatformFeeBps != 250 {
		t.Errorf("pending update lost across restart: %+v", state.Pending)
	}
	if state.Fees.Version != 1 || state.Fees.PlatformFeeBps != 100 {
		t.Errorf("fees = %+v", state.Fees)
	}
}

func TestStateReturnsACopy(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ScheduleFeeUpdate(ctx, testAdmin, 200, 800); err != nil {
		t.Fatalf("ScheduleFeeUpdate: %v", err)
	}

	state := svc.State(ctx)
	state.Paused = true
	state.Pending.PlatformFeeBps = 499

	fresh := svc.State(ctx)
	if fresh.Paused {
		t.Error("mutating the returned state paused the service")
	}
	if fresh.Pending.PlatformFeeBps != 200 {
		t.Errorf("pending bps = %d, want 200", fresh.Pending.PlatformFeeBps)
	}
}

func TestGovernanceEvents(t *testing.T) {
	svc, recorder := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ScheduleFeeUpdate(ctx, testAdmin, 200, 800); err != nil {
		t.Fatalf("ScheduleFeeUpdate: %v", err)
	}
	rewindPending(svc)
	if _, err := svc.ExecuteFeeUpdate(ctx, testOther); err != nil {
		t.Fatalf("ExecuteFeeUpdate: %v", err)
	}
	if err := svc.Pause(ctx, testAdmin); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := svc.ScheduleUnpause(ctx, testAdmin); err != nil {
		t.Fatalf("ScheduleUnpause: %v", err)
	}
	rewindUnpause(svc)
	if err := svc.Unpause(ctx, testOther); err != nil {
		t.Fatalf("Unpause: %v", err)
	}

	want := []string{
		EventFeeUpdateScheduled,
		EventFeeUpdateExecuted,
		EventPaused,
		EventUnpauseScheduled,
		EventUnpaused,
	}
	got := recorder.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	// Executor identity lands in the audit trail.
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if recorder.events[1].Actor != strings.ToLower(testOther) {
		t.Errorf("execute actor = %s, want caller", recorder.events[1].Actor)
	}
}
