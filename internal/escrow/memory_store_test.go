package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func seedEscrow(id string, status Status, createdAt time.Time) *Escrow {
	return &Escrow{
		ID:         id,
		Consumer:   strings.ToLower(testConsumer),
		Provider:   strings.ToLower(testProvider),
		Amount:     "1.000000",
		UsageLimit: 100,
		Status:     status,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := seedEscrow("esc_dup", StatusPending, time.Now())
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, e); err == nil {
		t.Error("duplicate create should fail")
	}
}

func TestMemoryStoreUpdateMissing(t *testing.T) {
	store := NewMemoryStore()

	e := seedEscrow("esc_ghost", StatusPending, time.Now())
	if err := store.Update(context.Background(), e); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreCopySemantics(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := seedEscrow("esc_copy", StatusPending, time.Now())
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Mutating the caller's struct after Create must not reach the store.
	e.Status = StatusCompleted
	got, err := store.Get(ctx, "esc_copy")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("store shares caller memory: status = %s", got.Status)
	}

	// Mutating a Get result must not reach the store either.
	got.Status = StatusDisputed
	again, err := store.Get(ctx, "esc_copy")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if again.Status != StatusPending {
		t.Errorf("store shares returned memory: status = %s", again.Status)
	}
}

func TestMemoryStoreListOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// Two records share a timestamp to exercise the ID tiebreak.
	for _, e := range []*Escrow{
		seedEscrow("esc_a", StatusPending, base),
		seedEscrow("esc_b", StatusPending, base.Add(time.Minute)),
		seedEscrow("esc_c1", StatusPending, base.Add(2*time.Minute)),
		seedEscrow("esc_c2", StatusPending, base.Add(2*time.Minute)),
	} {
		if err := store.Create(ctx, e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	got, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	wantOrder := []string{"esc_c2", "esc_c1", "esc_b", "esc_a"}
	if len(got) != len(wantOrder) {
		t.Fatalf("List returned %d records, want %d", len(got), len(wantOrder))
	}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestMemoryStoreListCursorWalk(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	const total = 7
	for i := 0; i < total; i++ {
		e := seedEscrow(fmt.Sprintf("esc_%02d", i), StatusPending, base.Add(time.Duration(i)*time.Second))
		if err := store.Create(ctx, e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	// Page through with limit 3; every record must appear exactly once.
	seen := make(map[string]bool)
	filter := Filter{Limit: 3}
	for pages := 0; pages < 10; pages++ {
		batch, err := store.List(ctx, filter)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			if seen[e.ID] {
				t.Fatalf("record %s returned twice", e.ID)
			}
			seen[e.ID] = true
		}
		last := batch[len(batch)-1]
		filter.CreatedBefore = last.CreatedAt
		filter.BeforeID = last.ID
	}
	if len(seen) != total {
		t.Errorf("cursor walk saw %d records, want %d", len(seen), total)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	mine := seedEscrow("esc_mine", StatusActive, now)
	other := seedEscrow("esc_other", StatusActive, now.Add(time.Second))
	other.Consumer = strings.ToLower(testOther)
	other.Provider = strings.ToLower(testAdmin)
	done := seedEscrow("esc_done", StatusCompleted, now.Add(2*time.Second))
	for _, e := range []*Escrow{mine, other, done} {
		if err := store.Create(ctx, e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	// Party filter matches either side, case-insensitively.
	got, err := store.List(ctx, Filter{Party: strings.ToUpper(testProvider)})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("provider-party list = %d records, want 2", len(got))
	}

	got, err = store.List(ctx, Filter{Status: StatusCompleted})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "esc_done" {
		t.Errorf("status filter = %+v", got)
	}
}

func TestMemoryStoreListTimedOut(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	pendingStale := seedEscrow("esc_pending_stale", StatusPending, now.Add(-PendingExpiry-time.Minute))

	pendingFresh := seedEscrow("esc_pending_fresh", StatusPending, now.Add(-5*time.Second))

	fundedDue := seedEscrow("esc_funded_due", StatusFunded, now.Add(-4*time.Second))
	fundedDue.RefundAfter = past

	fundedFresh := seedEscrow("esc_funded_fresh", StatusFunded, now.Add(-3*time.Second))
	fundedFresh.RefundAfter = future

	silentDue := seedEscrow("esc_silent_due", StatusActive, now.Add(-2*time.Second))
	silentDue.ReportingClose = past

	// Consumer attested but provider silent: parked for dispute flows, never swept.
	halfAttested := seedEscrow("esc_half", StatusActive, now.Add(-1*time.Second))
	halfAttested.ConsumerAttested = true
	halfAttested.ReportingClose = past

	unlocked := seedEscrow("esc_unlocked", StatusActive, now)
	unlocked.ConsumerAttested = true
	unlocked.ProviderAttested = true
	unlocked.ReportingClose = future
	unlocked.CompletionUnlock = past

	pendingUnlock := seedEscrow("esc_pending_unlock", StatusActive, now.Add(time.Second))
	pendingUnlock.ConsumerAttested = true
	pendingUnlock.ProviderAttested = true
	pendingUnlock.ReportingClose = future
	pendingUnlock.CompletionUnlock = future

	settled := seedEscrow("esc_settled", StatusCompleted, now.Add(2*time.Second))
	settled.RefundAfter = past
	settled.ReportingClose = past

	for _, e := range []*Escrow{pendingStale, pendingFresh, fundedDue, fundedFresh, silentDue, halfAttested, unlocked, pendingUnlock, settled} {
		if err := store.Create(ctx, e); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	got, err := store.ListTimedOut(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListTimedOut failed: %v", err)
	}

	// Oldest first.
	wantIDs := []string{"esc_pending_stale", "esc_funded_due", "esc_silent_due", "esc_unlocked"}
	if len(got) != len(wantIDs) {
		ids := make([]string, len(got))
		for i, e := range got {
			ids[i] = e.ID
		}
		t.Fatalf("ListTimedOut = %v, want %v", ids, wantIDs)
	}
	for i, want := range wantIDs {
		if got[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, want)
		}
	}

	// Limit bounds the sweep batch.
	got, err = store.ListTimedOut(ctx, time.Now(), 2)
	if err != nil {
		t.Fatalf("ListTimedOut failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("limited ListTimedOut = %d records, want 2", len(got))
	}
}
