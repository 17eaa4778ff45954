package escrow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testConsumer = "0xAAAA567890123456789012345678901234567890"
	testProvider = "0xBBBB567890123456789012345678901234567890"
	testAdmin    = "0xADDD567890123456789012345678901234567890"
	testOther    = "0xCCCC567890123456789012345678901234567890"

	// sha256-style commitment to the delivered credential.
	testCredHash = "3f8e9c2b5a7d41e6f0a8b3c7d2e95f1a6b4c8d0e2f7a9b1c3d5e7f0a2b4c6d8e"
)

// mockToken records custody movements for verification.
type mockToken struct {
	mu     sync.Mutex
	pulls  map[string]string // reference -> amount
	pushes []tokenPush
}

type tokenPush struct {
	to, amount, reference string
}

func newMockToken() *mockToken {
	return &mockToken{pulls: make(map[string]string)}
}

func (m *mockToken) Pull(ctx context.Context, from, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulls[reference] = amount
	return nil
}

func (m *mockToken) Push(ctx context.Context, to, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes = append(m.pushes, tokenPush{to, amount, reference})
	return nil
}

func (m *mockToken) pushesTo(addr string) []tokenPush {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tokenPush
	for _, p := range m.pushes {
		if strings.EqualFold(p.to, addr) {
			out = append(out, p)
		}
	}
	return out
}

// failingToken returns errors on specific operations.
type failingToken struct {
	pullErr error
	pushErr error
	mu      sync.Mutex
	calls   []string
}

func (f *failingToken) Pull(ctx context.Context, from, amount, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "pull")
	return f.pullErr
}

func (f *failingToken) Push(ctx context.Context, to, amount, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "push")
	return f.pushErr
}

// mockBalances records settlement accruals.
type mockBalances struct {
	mu      sync.Mutex
	credits []balanceCredit
	fees    []string // accrued platform fee amounts
}

type balanceCredit struct {
	provider, amount, reference string
}

func newMockBalances() *mockBalances {
	return &mockBalances{}
}

func (m *mockBalances) CreditProvider(ctx context.Context, provider, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits = append(m.credits, balanceCredit{provider, amount, reference})
	return nil
}

func (m *mockBalances) AccruePlatformFee(ctx context.Context, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fees = append(m.fees, amount)
	return nil
}

// flakyBalances applies each accrual like the ledger would, then fails the
// call once, simulating a commit whose acknowledgement was lost. Replays of
// an already-applied (account, reference) pair are no-ops, matching the
// BalanceService idempotency contract.
type flakyBalances struct {
	mu      sync.Mutex
	credits []balanceCredit
	fees    []string
	failed  map[string]bool
}

func newFlakyBalances() *flakyBalances {
	return &flakyBalances{failed: make(map[string]bool)}
}

func (f *flakyBalances) CreditProvider(ctx context.Context, provider, amount, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "credit|" + provider + "|" + reference
	if !f.failed[key] {
		f.credits = append(f.credits, balanceCredit{provider, amount, reference})
		f.failed[key] = true
		return errors.New("ack lost")
	}
	return nil
}

func (f *flakyBalances) AccruePlatformFee(ctx context.Context, amount, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "fee|" + reference
	if !f.failed[key] {
		f.fees = append(f.fees, amount)
		f.failed[key] = true
		return errors.New("ack lost")
	}
	return nil
}

// stubParams is a controllable fee schedule and pause switch.
type stubParams struct {
	mu     sync.Mutex
	paused bool
	fees   FeeConfig
}

func (p *stubParams) CurrentFees(ctx context.Context) FeeConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fees
}

func (p *stubParams) IsPaused(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *stubParams) setPaused(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = v
}

// stubAuthority authorizes a single admin address.
type stubAuthority struct {
	admin string
}

func (a *stubAuthority) Authorize(ctx context.Context, caller, action string) error {
	if strings.EqualFold(caller, a.admin) {
		return nil
	}
	return errors.New("caller is not an administrator")
}

// mockRecorder captures emitted events.
type mockRecorder struct {
	mu     sync.Mutex
	events []*Event
}

func (m *mockRecorder) Record(ctx context.Context, ev *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockRecorder) types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

func testWindows() Windows {
	return Windows{
		DefaultDuration:    time.Hour,
		KeyDeliveryGrace:   time.Hour,
		ReportingGrace:     time.Hour,
		DisputeRaiseWindow: 2 * time.Hour,
		DisputeWindow:      0, // settlement executable immediately after both attest
	}
}

type testEnv struct {
	svc      *Service
	store    *MemoryStore
	token    *mockToken
	balances *mockBalances
	params   *stubParams
	recorder *mockRecorder
}

func newTestEnv() *testEnv {
	store := NewMemoryStore()
	token := newMockToken()
	balances := newMockBalances()
	params := &stubParams{fees: FeeConfig{Version: 1, PlatformFeeBps: 100, UnusedPenaltyBps: 500}}
	recorder := &mockRecorder{}
	svc := NewService(store, token, balances, params, &stubAuthority{admin: testAdmin}).
		WithWindows(testWindows()).
		WithRecorder(recorder)
	return &testEnv{svc: svc, store: store, token: token, balances: balances, params: params, recorder: recorder}
}

// createPending creates an escrow and leaves it unfunded.
func (env *testEnv) createPending(t *testing.T, amount string, usageLimit int64) *Escrow {
	t.Helper()
	esc, err := env.svc.Create(context.Background(), testConsumer, CreateRequest{
		Provider:   testProvider,
		Amount:     amount,
		UsageLimit: usageLimit,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return esc
}

// createFunded walks an escrow to funded status.
func (env *testEnv) createFunded(t *testing.T, amount string, usageLimit int64) *Escrow {
	t.Helper()
	esc := env.createPending(t, amount, usageLimit)
	esc, err := env.svc.Fund(context.Background(), testConsumer, esc.ID)
	if err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	return esc
}

// createActive walks an escrow to active status.
func (env *testEnv) createActive(t *testing.T, amount string, usageLimit int64) *Escrow {
	t.Helper()
	esc := env.createFunded(t, amount, usageLimit)
	esc, err := env.svc.DeliverCredential(context.Background(), testProvider, esc.ID, testCredHash)
	if err != nil {
		t.Fatalf("DeliverCredential failed: %v", err)
	}
	return esc
}

// rewind shifts a stored escrow's deadline fields so timeout paths fire.
func (env *testEnv) rewind(t *testing.T, id string, mutate func(*Escrow)) *Escrow {
	t.Helper()
	esc, err := env.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	mutate(esc)
	if err := env.store.Update(context.Background(), esc); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	return esc
}

func TestCreate(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	esc, err := env.svc.Create(ctx, testConsumer, CreateRequest{
		Provider:   testProvider,
		Amount:     "25.50",
		UsageLimit: 1000,
		Duration:   "48h",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if esc.Status != StatusPending {
		t.Errorf("status = %s, want %s", esc.Status, StatusPending)
	}
	if esc.Consumer != strings.ToLower(testConsumer) {
		t.Errorf("consumer not normalized: %s", esc.Consumer)
	}
	if esc.Amount != "25.500000" {
		t.Errorf("amount = %s, want 25.500000", esc.Amount)
	}
	if esc.DurationSecs != int64(48*3600) {
		t.Errorf("durationSecs = %d, want %d", esc.DurationSecs, 48*3600)
	}
	if !strings.HasPrefix(esc.ID, "esc_") {
		t.Errorf("unexpected id format: %s", esc.ID)
	}
	if len(env.token.pulls) != 0 {
		t.Error("create must not move tokens")
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	cases := []struct {
		name     string
		consumer string
		req      CreateRequest
		wantErr  error
	}{
		{"same party", testConsumer, CreateRequest{Provider: strings.ToUpper(testConsumer), Amount: "1.00", UsageLimit: 10}, ErrSameParty},
		{"zero amount", testConsumer, CreateRequest{Provider: testProvider, Amount: "0", UsageLimit: 10}, ErrInvalidAmount},
		{"negative amount", testConsumer, CreateRequest{Provider: testProvider, Amount: "-5", UsageLimit: 10}, ErrInvalidAmount},
		{"garbage amount", testConsumer, CreateRequest{Provider: testProvider, Amount: "abc", UsageLimit: 10}, ErrInvalidAmount},
		{"over cap", testConsumer, CreateRequest{Provider: testProvider, Amount: "10000.000001", UsageLimit: 10}, ErrAmountOverCap},
		{"zero usage limit", testConsumer, CreateRequest{Provider: testProvider, Amount: "1.00", UsageLimit: 0}, ErrInvalidUsageLimit},
		{"negative usage limit", testConsumer, CreateRequest{Provider: testProvider, Amount: "1.00", UsageLimit: -3}, ErrInvalidUsageLimit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Create(ctx, tc.consumer, tc.req)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Create() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestCreateWhilePaused(t *testing.T) {
	env := newTestEnv()
	env.params.setPaused(true)

	_, err := env.svc.Create(context.Background(), testConsumer, CreateRequest{
		Provider: testProvider, Amount: "1.00", UsageLimit: 10,
	})
	if !errors.Is(err, ErrPaused) {
		t.Errorf("Create() error = %v, want ErrPaused", err)
	}
}

func TestFund(t *testing.T) {
	env := newTestEnv()
	esc := env.createFunded(t, "10.00", 100)

	if esc.Status != StatusFunded {
		t.Fatalf("status = %s, want %s", esc.Status, StatusFunded)
	}
	if got := env.token.pulls[esc.ID]; got != "10.000000" {
		t.Errorf("pulled amount = %q, want 10.000000", got)
	}
	if esc.StartTime.IsZero() || esc.EndTime.IsZero() {
		t.Error("service period not set")
	}
	if !esc.EndTime.Equal(esc.StartTime.Add(time.Hour)) {
		t.Errorf("endTime = %v, want startTime+1h", esc.EndTime)
	}
	if !esc.RefundAfter.Equal(esc.StartTime.Add(time.Hour)) {
		t.Errorf("refundAfter = %v, want startTime+grace", esc.RefundAfter)
	}
	if !esc.ReportingClose.Equal(esc.EndTime.Add(time.Hour)) {
		t.Errorf("reportingClose = %v, want endTime+grace", esc.ReportingClose)
	}
	if !esc.DisputeClose.Equal(esc.EndTime.Add(2 * time.Hour)) {
		t.Errorf("disputeClose = %v, want endTime+2h", esc.DisputeClose)
	}
}

func TestFundGuards(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	esc, err := env.svc.Create(ctx, testConsumer, CreateRequest{
		Provider: testProvider, Amount: "1.00", UsageLimit: 10,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := env.svc.Fund(ctx, testProvider, esc.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Fund by provider error = %v, want ErrUnauthorized", err)
	}
	if _, err := env.svc.Fund(ctx, testConsumer, "esc_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fund missing error = %v, want ErrNotFound", err)
	}

	if _, err := env.svc.Fund(ctx, testConsumer, esc.ID); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	// Second fund must hit the status guard, not pull twice.
	if _, err := env.svc.Fund(ctx, testConsumer, esc.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("double Fund error = %v, want ErrInvalidStatus", err)
	}
	if len(env.token.pulls) != 1 {
		t.Errorf("pull count = %d, want 1", len(env.token.pulls))
	}
}

func TestFundPullFailure(t *testing.T) {
	store := NewMemoryStore()
	token := &failingToken{pullErr: errors.New("insufficient allowance")}
	params := &stubParams{fees: FeeConfig{Version: 1}}
	svc := NewService(store, token, newMockBalances(), params, &stubAuthority{admin: testAdmin}).
		WithWindows(testWindows())
	ctx := context.Background()

	esc, err := svc.Create(ctx, testConsumer, CreateRequest{
		Provider: testProvider, Amount: "1.00", UsageLimit: 10,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Fund(ctx, testConsumer, esc.ID); !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("Fund error = %v, want ErrPaymentFailed", err)
	}

	got, err := store.Get(ctx, esc.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status after failed pull = %s, want pending", got.Status)
	}
}

func TestDeliverCredential(t *testing.T) {
	env := newTestEnv()
	esc := env.createFunded(t, "5.00", 50)
	ctx := context.Background()

	if _, err := env.svc.DeliverCredential(ctx, testConsumer, esc.ID, testCredHash); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("delivery by consumer error = %v, want ErrUnauthorized", err)
	}
	if _, err := env.svc.DeliverCredential(ctx, testProvider, esc.ID, "   "); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("blank hash error = %v, want ErrInvalidCredential", err)
	}
	if _, err := env.svc.DeliverCredential(ctx, testProvider, esc.ID, "sk_live_abc123"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("non-hex hash error = %v, want ErrInvalidCredential", err)
	}

	got, err := env.svc.DeliverCredential(ctx, testProvider, esc.ID, strings.ToUpper(testCredHash))
	if err != nil {
		t.Fatalf("DeliverCredential failed: %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if got.CredentialHash != testCredHash {
		t.Errorf("credential hash = %q, want normalized %q", got.CredentialHash, testCredHash)
	}

	if _, err := env.svc.DeliverCredential(ctx, testProvider, esc.ID, testCredHash); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("second delivery error = %v, want ErrInvalidStatus", err)
	}
}

func TestDeliverCredentialBeforeFund(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	esc, err := env.svc.Create(ctx, testConsumer, CreateRequest{
		Provider: testProvider, Amount: "1.00", UsageLimit: 10,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := env.svc.DeliverCredential(ctx, testProvider, esc.ID, testCredHash); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("delivery on pending error = %v, want ErrInvalidStatus", err)
	}
}

func TestLifecycleEvents(t *testing.T) {
	env := newTestEnv()
	esc := env.createActive(t, "1.00", 10)
	ctx := context.Background()

	if _, err := env.svc.AttestUsage(ctx, testConsumer, esc.ID, 4); err != nil {
		t.Fatalf("consumer attest failed: %v", err)
	}
	if _, err := env.svc.AttestUsage(ctx, testProvider, esc.ID, 4); err != nil {
		t.Fatalf("provider attest failed: %v", err)
	}
	if _, err := env.svc.Settle(ctx, testOther, esc.ID); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	want := []EventType{
		EventEscrowCreated,
		EventEscrowFunded,
		EventCredentialDelivered,
		EventUsageReported,
		EventUsageReported,
		EventEscrowCompleted,
	}
	got := env.recorder.types()
	if len(got) != len(want) {
		t.Fatalf("event count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestTerminalImmutability(t *testing.T) {
	env := newTestEnv()
	esc := env.createActive(t, "1.00", 10)
	ctx := context.Background()

	if _, err := env.svc.AttestUsage(ctx, testConsumer, esc.ID, 10); err != nil {
		t.Fatalf("attest failed: %v", err)
	}
	if _, err := env.svc.AttestUsage(ctx, testProvider, esc.ID, 10); err != nil {
		t.Fatalf("attest failed: %v", err)
	}
	if _, err := env.svc.Settle(ctx, testConsumer, esc.ID); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	// Every mutating operation must refuse a terminal record.
	if _, err := env.svc.Fund(ctx, testConsumer, esc.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Fund on completed = %v, want ErrInvalidStatus", err)
	}
	if _, err := env.svc.DeliverCredential(ctx, testProvider, esc.ID, testCredHash); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("DeliverCredential on completed = %v, want ErrInvalidStatus", err)
	}
	if _, err := env.svc.AttestUsage(ctx, testConsumer, esc.ID, 1); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("AttestUsage on completed = %v, want ErrInvalidStatus", err)
	}
	if _, err := env.svc.Settle(ctx, testConsumer, esc.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Settle on completed = %v, want ErrInvalidStatus", err)
	}
	if _, err := env.svc.RaiseDispute(ctx, testConsumer, esc.ID, "r"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("RaiseDispute on completed = %v, want ErrInvalidStatus", err)
	}
	if _, err := env.svc.RefundExpired(ctx, testOther, esc.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("RefundExpired on completed = %v, want ErrInvalidStatus", err)
	}
	if _, err := env.svc.AutoComplete(ctx, testOther, esc.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("AutoComplete on completed = %v, want ErrInvalidStatus", err)
	}
}

func TestPauseBlocksMutations(t *testing.T) {
	env := newTestEnv()
	esc := env.createActive(t, "1.00", 10)
	env.params.setPaused(true)
	ctx := context.Background()

	if _, err := env.svc.Fund(ctx, testConsumer, esc.ID); !errors.Is(err, ErrPaused) {
		t.Errorf("Fund while paused = %v, want ErrPaused", err)
	}
	if _, err := env.svc.DeliverCredential(ctx, testProvider, esc.ID, testCredHash); !errors.Is(err, ErrPaused) {
		t.Errorf("DeliverCredential while paused = %v, want ErrPaused", err)
	}
	if _, err := env.svc.AttestUsage(ctx, testConsumer, esc.ID, 1); !errors.Is(err, ErrPaused) {
		t.Errorf("AttestUsage while paused = %v, want ErrPaused", err)
	}
	if _, err := env.svc.Settle(ctx, testOther, esc.ID); !errors.Is(err, ErrPaused) {
		t.Errorf("Settle while paused = %v, want ErrPaused", err)
	}
	if _, err := env.svc.RaiseDispute(ctx, testConsumer, esc.ID, "r"); !errors.Is(err, ErrPaused) {
		t.Errorf("RaiseDispute while paused = %v, want ErrPaused", err)
	}

	// Reads stay available.
	if _, err := env.svc.Get(ctx, esc.ID); err != nil {
		t.Errorf("Get while paused failed: %v", err)
	}
	if _, err := env.svc.List(ctx, Filter{Party: testConsumer}); err != nil {
		t.Errorf("List while paused failed: %v", err)
	}
}

func TestList(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.svc.Create(ctx, testConsumer, CreateRequest{
			Provider: testProvider, Amount: "1.00", UsageLimit: 10,
		}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if _, err := env.svc.Create(ctx, testOther, CreateRequest{
		Provider: testProvider, Amount: "1.00", UsageLimit: 10,
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	byConsumer, err := env.svc.List(ctx, Filter{Party: testConsumer})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(byConsumer) != 3 {
		t.Errorf("consumer escrows = %d, want 3", len(byConsumer))
	}

	byProvider, err := env.svc.List(ctx, Filter{Party: testProvider})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(byProvider) != 4 {
		t.Errorf("provider escrows = %d, want 4", len(byProvider))
	}

	pending, err := env.svc.List(ctx, Filter{Status: StatusPending, Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("limited list = %d, want 2", len(pending))
	}
}

func TestConcurrentFund(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	esc, err := env.svc.Create(ctx, testConsumer, CreateRequest{
		Provider: testProvider, Amount: "1.00", UsageLimit: 10,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Fund(ctx, testConsumer, esc.ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Errorf("concurrent funds succeeded = %d, want exactly 1", succeeded)
	}
	if len(env.token.pulls) != 1 {
		t.Errorf("pull count = %d, want 1", len(env.token.pulls))
	}
}
