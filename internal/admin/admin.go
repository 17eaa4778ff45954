// Package admin holds the platform governance state: the versioned fee
// schedule, the timelocked fee-update flow, and the pause switch.
//
// Fee changes are never applied immediately. An authority schedules an
// update, anyone may execute it once the timelock elapses, and the authority
// may cancel it before execution. Pause is the one immediate control
// (incidents need a fast halt); unpause goes through the same schedule-then-
// execute delay so resuming is deliberate.
//
// The service keeps the authoritative state in memory behind a mutex and
// writes through to its store on every mutation. Escrow reads the fee
// schedule and pause flag on every operation, so reads never touch the
// store.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/DaveO280/Diem-Marketplace/internal/escrow"
	"github.com/DaveO280/Diem-Marketplace/internal/metrics"
)

var (
	// ErrUnauthorized is returned when the caller fails the authority check.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrFeeTooHigh is returned when a scheduled platform fee exceeds the cap.
	ErrFeeTooHigh = errors.New("platform fee exceeds 500 bps cap")
	// ErrPenaltyTooHigh is returned when a scheduled penalty exceeds the cap.
	ErrPenaltyTooHigh = errors.New("unused penalty exceeds 2000 bps cap")
	// ErrInvalidBps is returned for negative basis point values.
	ErrInvalidBps = errors.New("basis points must not be negative")
	// ErrUpdatePending is returned when a fee update is already scheduled.
	ErrUpdatePending = errors.New("a fee update is already pending")
	// ErrNoPendingUpdate is returned when there is no scheduled fee update.
	ErrNoPendingUpdate = errors.New("no pending fee update")
	// ErrTimelockActive is returned when the execute-after time has not passed.
	ErrTimelockActive = errors.New("timelock has not elapsed")
	// ErrAlreadyPaused is returned when pausing a paused platform.
	ErrAlreadyPaused = errors.New("already paused")
	// ErrNotPaused is returned when the operation requires a paused platform.
	ErrNotPaused = errors.New("not paused")
	// ErrUnpauseNotScheduled is returned when unpause was never scheduled.
	ErrUnpauseNotScheduled = errors.New("unpause has not been scheduled")
)

// Fee caps in basis points. Bounds how far the operator can move the
// economics underneath in-flight escrows.
const (
	MaxPlatformFeeBps   = 500
	MaxUnusedPenaltyBps = 2000
)

// DefaultTimelockDelay is the schedule-to-execute delay applied when none is
// configured.
const DefaultTimelockDelay = 24 * time.Hour

// Actions checked against the Authority.
const (
	ActionScheduleFeeUpdate = "admin.schedule_fee_update"
	ActionCancelFeeUpdate   = "admin.cancel_fee_update"
	ActionPause             = "admin.pause"
	ActionScheduleUnpause   = "admin.schedule_unpause"
)

// Event types emitted on governance changes.
const (
	EventFeeUpdateScheduled = "admin.fee_update_scheduled"
	EventFeeUpdateExecuted  = "admin.fee_update_executed"
	EventFeeUpdateCancelled = "admin.fee_update_cancelled"
	EventPaused             = "admin.paused"
	EventUnpauseScheduled   = "admin.unpause_scheduled"
	EventUnpaused           = "admin.unpaused"
)

// PendingFeeUpdate is a scheduled fee change waiting out its timelock.
type PendingFeeUpdate struct {
	PlatformFeeBps   int64     `json:"platformFeeBps"`
	UnusedPenaltyBps int64     `json:"unusedPenaltyBps"`
	ScheduledBy      string    `json:"scheduledBy"`
	ScheduledAt      time.Time `json:"scheduledAt"`
	ExecuteAfter     time.Time `json:"executeAfter"`
}

// State is the complete persisted governance state.
type State struct {
	Fees          escrow.FeeConfig  `json:"fees"`
	FeesUpdatedAt time.Time         `json:"feesUpdatedAt"`
	Pending       *PendingFeeUpdate `json:"pendingUpdate,omitempty"`
	Paused        bool              `json:"paused"`
	PausedAt      time.Time         `json:"pausedAt,omitempty"`
	UnpauseAfter  time.Time         `json:"unpauseAfter,omitempty"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// clone returns a deep copy so callers can't mutate the cached state.
func (s *State) clone() *State {
	cp := *s
	if s.Pending != nil {
		p := *s.Pending
		cp.Pending = &p
	}
	return &cp
}

// ErrNoState is returned by Store.Load when nothing has been persisted yet.
var ErrNoState = errors.New("no governance state persisted")

// Store persists the governance state as a single record.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, s *State) error
}

// Event is a governance audit record.
type Event struct {
	Type      string    `json:"type"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventRecorder receives governance events. Implementations must not block.
type EventRecorder interface {
	Record(ctx context.Context, event *Event)
}

// Config carries the service's startup parameters.
type Config struct {
	// InitialFees seeds the schedule when the store is empty.
	InitialFees escrow.FeeConfig
	// TimelockDelay is the scheduled-change delay; zero means the default.
	TimelockDelay time.Duration
}

// Service owns the governance state machine.
type Service struct {
	store     Store
	authority Authority
	recorder  EventRecorder
	delay     time.Duration

	mu    sync.RWMutex
	state *State
}

// NewService creates the governance service. Call Load before serving.
func NewService(store Store, authority Authority, cfg Config) *Service {
	delay := cfg.TimelockDelay
	if delay <= 0 {
		delay = DefaultTimelockDelay
	}
	initial := cfg.InitialFees
	if initial.Version == 0 {
		initial.Version = 1
	}
	return &Service{
		store:     store,
		authority: authority,
		delay:     delay,
		state: &State{
			Fees:          initial,
			FeesUpdatedAt: time.Now(),
			UpdatedAt:     time.Now(),
		},
	}
}

// WithRecorder attaches an event recorder.
func (s *Service) WithRecorder(r EventRecorder) *Service {
	s.recorder = r
	return s
}

// Load hydrates the cached state from the store, seeding the store with the
// initial configuration on first boot.
func (s *Service) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	persisted, err := s.store.Load(ctx)
	if errors.Is(err, ErrNoState) {
		return s.store.Save(ctx, s.state)
	}
	if err != nil {
		return fmt.Errorf("failed to load governance state: %w", err)
	}
	s.state = persisted
	if s.state.Paused {
		metrics.PausedState.Set(1)
	}
	return nil
}

// State returns a copy of the current governance state.
func (s *Service) State(ctx context.Context) *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// CurrentFees returns the fee schedule in effect right now.
func (s *Service) CurrentFees(ctx context.Context) escrow.FeeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Fees
}

// IsPaused reports whether the platform is paused.
func (s *Service) IsPaused(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Paused
}

// ScheduleFeeUpdate records a pending fee change that becomes executable
// after the timelock delay. Only one change may be pending at a time.
func (s *Service) ScheduleFeeUpdate(ctx context.Context, caller string, platformFeeBps, penaltyBps int64) (*PendingFeeUpdate, error) {
	if err := s.authority.Authorize(ctx, caller, ActionScheduleFeeUpdate); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if platformFeeBps < 0 || penaltyBps < 0 {
		return nil, ErrInvalidBps
	}
	if platformFeeBps > MaxPlatformFeeBps {
		return nil, ErrFeeTooHigh
	}
	if penaltyBps > MaxUnusedPenaltyBps {
		return nil, ErrPenaltyTooHigh
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Pending != nil {
		return nil, ErrUpdatePending
	}

	now := time.Now()
	pending := &PendingFeeUpdate{
		PlatformFeeBps:   platformFeeBps,
		UnusedPenaltyBps: penaltyBps,
		ScheduledBy:      strings.ToLower(caller),
		ScheduledAt:      now,
		ExecuteAfter:     now.Add(s.delay),
	}
	next := s.state.clone()
	next.Pending = pending
	next.UpdatedAt = now
	if err := s.store.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist pending update: %w", err)
	}
	s.state = next

	metrics.FeeUpdatesTotal.WithLabelValues("scheduled").Inc()
	s.record(ctx, &Event{
		Type:  EventFeeUpdateScheduled,
		Actor: pending.ScheduledBy,
		Detail: fmt.Sprintf(`{"platformFeeBps":%d,"unusedPenaltyBps":%d,"executeAfter":%q}`,
			platformFeeBps, penaltyBps, pending.ExecuteAfter.Format(time.RFC3339)),
	})
	p := *pending
	return &p, nil
}

// ExecuteFeeUpdate applies the pending fee change once the timelock has
// elapsed. Callable by anyone: the authority committed to the values when
// scheduling, so execution is mechanical.
func (s *Service) ExecuteFeeUpdate(ctx context.Context, caller string) (escrow.FeeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Pending == nil {
		return escrow.FeeConfig{}, ErrNoPendingUpdate
	}
	if time.Now().Before(s.state.Pending.ExecuteAfter) {
		return escrow.FeeConfig{}, ErrTimelockActive
	}

	now := time.Now()
	next := s.state.clone()
	next.Fees = escrow.FeeConfig{
		Version:          s.state.Fees.Version + 1,
		PlatformFeeBps:   s.state.Pending.PlatformFeeBps,
		UnusedPenaltyBps: s.state.Pending.UnusedPenaltyBps,
	}
	next.FeesUpdatedAt = now
	next.Pending = nil
	next.UpdatedAt = now
	if err := s.store.Save(ctx, next); err != nil {
		return escrow.FeeConfig{}, fmt.Errorf("failed to persist fee update: %w", err)
	}
	s.state = next

	metrics.FeeUpdatesTotal.WithLabelValues("executed").Inc()
	s.record(ctx, &Event{
		Type:  EventFeeUpdateExecuted,
		Actor: strings.ToLower(caller),
		Detail: fmt.Sprintf(`{"version":%d,"platformFeeBps":%d,"unusedPenaltyBps":%d}`,
			next.Fees.Version, next.Fees.PlatformFeeBps, next.Fees.UnusedPenaltyBps),
	})
	return next.Fees, nil
}

// CancelFeeUpdate clears a pending fee change before execution.
func (s *Service) CancelFeeUpdate(ctx context.Context, caller string) error {
	if err := s.authority.Authorize(ctx, caller, ActionCancelFeeUpdate); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Pending == nil {
		return ErrNoPendingUpdate
	}

	next := s.state.clone()
	next.Pending = nil
	next.UpdatedAt = time.Now()
	if err := s.store.Save(ctx, next); err != nil {
		return fmt.Errorf("failed to persist cancellation: %w", err)
	}
	s.state = next

	metrics.FeeUpdatesTotal.WithLabelValues("cancelled").Inc()
	s.record(ctx, &Event{Type: EventFeeUpdateCancelled, Actor: strings.ToLower(caller)})
	return nil
}

// Pause halts the platform immediately. Pausing again while an unpause is
// scheduled cancels that schedule.
func (s *Service) Pause(ctx context.Context, caller string) error {
	if err := s.authority.Authorize(ctx, caller, ActionPause); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Paused && s.state.UnpauseAfter.IsZero() {
		return ErrAlreadyPaused
	}

	now := time.Now()
	next := s.state.clone()
	next.Paused = true
	next.PausedAt = now
	next.UnpauseAfter = time.Time{}
	next.UpdatedAt = now
	if err := s.store.Save(ctx, next); err != nil {
		return fmt.Errorf("failed to persist pause: %w", err)
	}
	s.state = next

	metrics.PausedState.Set(1)
	s.record(ctx, &Event{Type: EventPaused, Actor: strings.ToLower(caller)})
	return nil
}

// ScheduleUnpause starts the timelock for resuming a paused platform.
func (s *Service) ScheduleUnpause(ctx context.Context, caller string) (time.Time, error) {
	if err := s.authority.Authorize(ctx, caller, ActionScheduleUnpause); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Paused {
		return time.Time{}, ErrNotPaused
	}

	now := time.Now()
	after := now.Add(s.delay)
	next := s.state.clone()
	next.UnpauseAfter = after
	next.UpdatedAt = now
	if err := s.store.Save(ctx, next); err != nil {
		return time.Time{}, fmt.Errorf("failed to persist unpause schedule: %w", err)
	}
	s.state = next

	s.record(ctx, &Event{
		Type:   EventUnpauseScheduled,
		Actor:  strings.ToLower(caller),
		Detail: fmt.Sprintf(`{"unpauseAfter":%q}`, after.Format(time.RFC3339)),
	})
	return after, nil
}

// Unpause resumes the platform once the scheduled delay has elapsed.
// Callable by anyone, like ExecuteFeeUpdate.
func (s *Service) Unpause(ctx context.Context, caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Paused {
		return ErrNotPaused
	}
	if s.state.UnpauseAfter.IsZero() {
		return ErrUnpauseNotScheduled
	}
	if time.Now().Before(s.state.UnpauseAfter) {
		return ErrTimelockActive
	}

	next := s.state.clone()
	next.Paused = false
	next.PausedAt = time.Time{}
	next.UnpauseAfter = time.Time{}
	next.UpdatedAt = time.Now()
	if err := s.store.Save(ctx, next); err != nil {
		return fmt.Errorf("failed to persist unpause: %w", err)
	}
	s.state = next

	metrics.PausedState.Set(0)
	s.record(ctx, &Event{Type: EventUnpaused, Actor: strings.ToLower(caller)})
	return nil
}

func (s *Service) record(ctx context.Context, event *Event) {
	if s.recorder == nil {
		return
	}
	event.CreatedAt = time.Now()
	s.recorder.Record(ctx, event)
}

// Compile-time assertion that the service feeds escrow its parameters.
var _ escrow.ParamSource = (*Service)(nil)
