// Package escrow implements the two-party escrow ledger for metered-usage
// credit. A consumer locks USDC against a provider's service, the provider
// delivers an access credential, both parties attest how much of the usage
// allowance was consumed, and settlement splits the locked amount between
// provider earnings, consumer refund, and platform fee. Timeout fallbacks
// resolve unresponsive counterparties and a dispute path routes
// disagreements to a designated authority.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/DaveO280/Diem-Marketplace/internal/idgen"
	"github.com/DaveO280/Diem-Marketplace/internal/metrics"
	"github.com/DaveO280/Diem-Marketplace/internal/traces"
	"github.com/DaveO280/Diem-Marketplace/internal/usdc"
	"github.com/DaveO280/Diem-Marketplace/internal/validation"
)

var (
	// ErrNotFound is returned when an escrow doesn't exist.
	ErrNotFound = errors.New("escrow not found")
	// ErrInvalidStatus is returned when an operation is attempted in the wrong state.
	ErrInvalidStatus = errors.New("invalid escrow status for this operation")
	// ErrUnauthorized is returned when the caller may not perform the operation.
	ErrUnauthorized = errors.New("caller not authorized for this operation")
	// ErrSameParty is returned when consumer and provider are the same address.
	ErrSameParty = errors.New("consumer and provider cannot be the same address")
	// ErrInvalidAmount is returned for amounts that are not positive USDC values.
	ErrInvalidAmount = errors.New("amount must be a positive USDC value")
	// ErrAmountOverCap is returned when the amount exceeds the per-escrow cap.
	ErrAmountOverCap = errors.New("amount exceeds the per-escrow cap")
	// ErrInvalidUsageLimit is returned when the usage limit is not positive.
	ErrInvalidUsageLimit = errors.New("usage limit must be positive")
	// ErrInvalidUsage is returned when usage is negative or above the limit.
	ErrInvalidUsage = errors.New("usage must be between zero and the usage limit")
	// ErrInvalidCredential is returned when the delivered credential hash is
	// empty or not hex.
	ErrInvalidCredential = errors.New("credential hash must be a non-empty hex string")
	// ErrUsageMismatch is returned when the provider's usage does not equal
	// the consumer's reported usage.
	ErrUsageMismatch = errors.New("provider usage does not match consumer report")
	// ErrConsumerFirst is returned when the provider attests before the consumer.
	ErrConsumerFirst = errors.New("consumer must attest usage before provider")
	// ErrAlreadyAttested is returned when a party attests twice.
	ErrAlreadyAttested = errors.New("party has already attested usage")
	// ErrNotAttested is returned when settlement is attempted before both
	// parties have attested.
	ErrNotAttested = errors.New("both parties must attest usage before settlement")
	// ErrReportingClosed is returned for attestations after the reporting window.
	ErrReportingClosed = errors.New("reporting window has closed")
	// ErrReportingOpen is returned for auto-complete before the reporting window closes.
	ErrReportingOpen = errors.New("reporting window is still open")
	// ErrConsumerAttested is returned for auto-complete when the consumer did attest.
	ErrConsumerAttested = errors.New("consumer has attested usage")
	// ErrGraceNotElapsed is returned for expiry refunds before the key
	// delivery grace period has passed.
	ErrGraceNotElapsed = errors.New("key delivery grace period has not elapsed")
	// ErrDisputeWindowOpen is returned for settlement before the dispute
	// window has elapsed.
	ErrDisputeWindowOpen = errors.New("dispute window has not elapsed")
	// ErrDisputeClosed is returned when a dispute is raised after the
	// dispute eligibility window.
	ErrDisputeClosed = errors.New("dispute window has closed")
	// ErrOverAllocation is returned when a dispute resolution allocates more
	// than the escrowed amount.
	ErrOverAllocation = errors.New("resolution amounts exceed the escrowed amount")
	// ErrInvalidFees is returned when fee basis points are out of range.
	ErrInvalidFees = errors.New("fee basis points out of range")
	// ErrConservation is returned when a computed distribution would not
	// conserve the escrowed amount. This indicates a critical invariant
	// failure, not a caller mistake.
	ErrConservation = errors.New("distribution does not conserve the escrowed amount")
	// ErrPaused is returned while the ledger is paused.
	ErrPaused = errors.New("escrow ledger is paused")
	// ErrNotPaused is returned when an operation requires the ledger to be paused.
	ErrNotPaused = errors.New("operation requires the ledger to be paused")
	// ErrPaymentFailed is returned when the payment token could not move
	// funds into custody, typically a missing allowance or balance.
	ErrPaymentFailed = errors.New("payment token transfer failed")
)

// Status represents the escrow lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"   // Created, not yet funded
	StatusFunded    Status = "funded"    // Tokens in custody, credential outstanding
	StatusActive    Status = "active"    // Credential delivered, service period running
	StatusCompleted Status = "completed" // Settled or resolved; terminal
	StatusDisputed  Status = "disputed"  // Escalated, awaiting authority resolution
	StatusRefunded  Status = "refunded"  // Full amount returned to consumer; terminal
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// Escrow is a single metered-usage credit agreement between a consumer and a
// provider. Records are never deleted; terminal records remain as the audit
// trail of the settlement.
type Escrow struct {
	ID         string `json:"id"`
	Consumer   string `json:"consumer"`
	Provider   string `json:"provider"`
	Amount     string `json:"amount"` // USDC decimal string
	UsageLimit int64  `json:"usageLimit"`
	Status     Status `json:"status"`

	DurationSecs int64 `json:"durationSecs"`

	// CredentialHash is the provider's hex commitment to the delivered
	// access credential. The raw credential is handed off out of band and
	// never stored here.
	CredentialHash string `json:"credentialHash,omitempty"`

	ConsumerAttested bool  `json:"consumerAttested"`
	ProviderAttested bool  `json:"providerAttested"`
	ReportedUsage    int64 `json:"reportedUsage"`

	// Deadlines are materialized at funding so stores can index them and the
	// sweep timer can query for timed-out records.
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
	RefundAfter      time.Time `json:"refundAfter"`
	ReportingClose   time.Time `json:"reportingClose"`
	DisputeClose     time.Time `json:"disputeClose"`
	CompletionUnlock time.Time `json:"completionUnlock"`

	// Settlement audit fields, populated on transition to a terminal status.
	SettledUsage   int64  `json:"settledUsage,omitempty"`
	ProviderAmount string `json:"providerAmount,omitempty"`
	ConsumerRefund string `json:"consumerRefund,omitempty"`
	PlatformFee    string `json:"platformFee,omitempty"`
	PenaltyAmount  string `json:"penaltyAmount,omitempty"`
	FeeVersion     int64  `json:"feeVersion,omitempty"`

	DisputeReason string `json:"disputeReason,omitempty"`
	Resolution    string `json:"resolution,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Duration returns the service period length.
func (e *Escrow) Duration() time.Duration {
	return time.Duration(e.DurationSecs) * time.Second
}

// Filter selects escrows for listing. Zero fields are ignored.
type Filter struct {
	Party         string // matches consumer or provider
	Status        Status
	CreatedBefore time.Time // cursor: records created strictly before
	BeforeID      string    // cursor tiebreaker for equal timestamps
	Limit         int
}

// Store persists escrow records.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	List(ctx context.Context, f Filter) ([]*Escrow, error)
	// ListTimedOut returns non-terminal escrows whose timeout fallback or
	// settlement unlock has passed as of now, oldest first.
	ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
}

// TokenService moves USDC between party wallets and the platform custody
// account. Implemented by internal/token.
type TokenService interface {
	// Pull transfers amount from the party's wallet into custody.
	Pull(ctx context.Context, from, amount, reference string) error
	// Push transfers amount from custody to the party's wallet.
	Push(ctx context.Context, to, amount, reference string) error
}

// BalanceService accrues settlement proceeds for deferred withdrawal.
// Implemented by the ledger service. Both methods must be idempotent per
// reference: settlement retries a failed credit once, and a failure whose
// write actually committed must not double the balance.
type BalanceService interface {
	CreditProvider(ctx context.Context, provider, amount, reference string) error
	AccruePlatformFee(ctx context.Context, amount, reference string) error
}

// ParamSource exposes the live fee schedule and the pause switch.
// Implemented by the admin service.
type ParamSource interface {
	CurrentFees(ctx context.Context) FeeConfig
	IsPaused(ctx context.Context) bool
}

// Authority authorizes privileged escrow operations. Implemented by
// internal/admin (single key or quorum).
type Authority interface {
	Authorize(ctx context.Context, caller, action string) error
}

// Actions checked against the Authority.
const (
	ActionResolveDispute  = "escrow.resolve_dispute"
	ActionEmergencyRefund = "escrow.emergency_refund"
)

// FeeConfig is a versioned snapshot of the platform fee schedule. The
// version is recorded on each settled escrow so an audit can tie a
// distribution back to the schedule that produced it.
type FeeConfig struct {
	Version          int64 `json:"version"`
	PlatformFeeBps   int64 `json:"platformFeeBps"`
	UnusedPenaltyBps int64 `json:"unusedPenaltyBps"`
}

// Windows bundles the lifecycle timing parameters.
type Windows struct {
	// DefaultDuration is the service period applied when a create request
	// omits one.
	DefaultDuration time.Duration
	// KeyDeliveryGrace is how long after funding the provider has to deliver
	// a credential before the consumer may reclaim the funds.
	KeyDeliveryGrace time.Duration
	// ReportingGrace is how long after the service period ends attestations
	// are still accepted.
	ReportingGrace time.Duration
	// DisputeRaiseWindow is how long after the service period ends a party
	// may escalate to disputed.
	DisputeRaiseWindow time.Duration
	// DisputeWindow is the delay between matched attestations and the
	// earliest executable settlement.
	DisputeWindow time.Duration
}

// DefaultWindows returns the production timing parameters.
func DefaultWindows() Windows {
	return Windows{
		DefaultDuration:    7 * 24 * time.Hour,
		KeyDeliveryGrace:   24 * time.Hour,
		ReportingGrace:     48 * time.Hour,
		DisputeRaiseWindow: 72 * time.Hour,
		DisputeWindow:      24 * time.Hour,
	}
}

// DefaultMaxAmount is the per-escrow cap applied when none is configured.
const DefaultMaxAmount = "10000"

// PendingExpiry is how long a created escrow may sit unfunded before the
// sweep timer discards it. No tokens are held at pending, so expiry is
// purely record hygiene.
const PendingExpiry = 24 * time.Hour

// CreateRequest contains the parameters for creating an escrow. The consumer
// is the authenticated caller, not part of the request body.
type CreateRequest struct {
	Provider   string `json:"provider" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
	UsageLimit int64  `json:"usageLimit" binding:"required"`
	Duration   string `json:"duration"` // duration string, e.g. "168h"
}

// Service implements the escrow lifecycle business logic.
type Service struct {
	store     Store
	token     TokenService
	balances  BalanceService
	params    ParamSource
	authority Authority
	recorder  EventRecorder
	windows   Windows
	maxAmount *big.Int
	locks     sync.Map // per-escrow ID locks to serialize state transitions
}

// NewService creates a new escrow service.
func NewService(store Store, token TokenService, balances BalanceService, params ParamSource, authority Authority) *Service {
	return &Service{
		store:     store,
		token:     token,
		balances:  balances,
		params:    params,
		authority: authority,
		windows:   DefaultWindows(),
		maxAmount: usdc.MustParse(DefaultMaxAmount),
	}
}

// WithRecorder adds an event recorder for the audit log and realtime feed.
func (s *Service) WithRecorder(r EventRecorder) *Service {
	s.recorder = r
	return s
}

// WithWindows overrides the lifecycle timing parameters.
func (s *Service) WithWindows(w Windows) *Service {
	s.windows = w
	return s
}

// WithMaxAmount overrides the per-escrow cap.
func (s *Service) WithMaxAmount(amount *big.Int) *Service {
	s.maxAmount = new(big.Int).Set(amount)
	return s
}

// escrowLock returns a mutex for the given escrow ID.
// This serializes state transitions (e.g. settle + dispute racing).
func (s *Service) escrowLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create records a new pending escrow between the calling consumer and the
// given provider. No tokens move until Fund.
func (s *Service) Create(ctx context.Context, consumer string, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.Party(consumer), traces.Amount(req.Amount))
	defer span.End()

	if s.params.IsPaused(ctx) {
		return nil, ErrPaused
	}
	if strings.EqualFold(consumer, req.Provider) {
		return nil, ErrSameParty
	}
	if req.UsageLimit <= 0 {
		return nil, ErrInvalidUsageLimit
	}
	amount, ok := usdc.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount.Cmp(s.maxAmount) > 0 {
		return nil, ErrAmountOverCap
	}

	duration := s.windows.DefaultDuration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err == nil && d > 0 {
			duration = d
		}
	}

	now := time.Now()
	escrow := &Escrow{
		ID:           generateEscrowID(),
		Consumer:     strings.ToLower(consumer),
		Provider:     strings.ToLower(req.Provider),
		Amount:       usdc.Format(amount),
		UsageLimit:   req.UsageLimit,
		DurationSecs: int64(duration / time.Second),
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to store escrow: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("created").Inc()
	metrics.EscrowsOpen.Inc()
	s.record(ctx, escrow, EventEscrowCreated, escrow.Consumer, escrow.Amount,
		fmt.Sprintf(`{"usageLimit":%d,"durationSecs":%d}`, escrow.UsageLimit, escrow.DurationSecs))
	return escrow, nil
}

// Fund pulls the escrowed amount from the consumer's wallet into custody and
// starts the service period. Caller must be the consumer.
func (s *Service) Fund(ctx context.Context, caller, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.EscrowID(id), traces.Party(caller))
	defer span.End()

	lock := s.escrowLock(id)
	lock.Lock()
	defer lock.Unlock()

	if s.params.IsPaused(ctx) {
		return nil, ErrPaused
	}
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, escrow.Consumer) {
		return nil, ErrUnauthorized
	}
	if escrow.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	if err := s.token.Pull(ctx, escrow.Consumer, escrow.Amount, escrow.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}

	now := time.Now()
	escrow.Status = StatusFunded
	escrow.StartTime = now
	escrow.EndTime = now.Add(escrow.Duration())
	escrow.RefundAfter = escrow.StartTime.Add(s.windows.KeyDeliveryGrace)
	escrow.ReportingClose = escrow.EndTime.Add(s.windows.ReportingGrace)
	escrow.DisputeClose = escrow.EndTime.Add(s.windows.DisputeRaiseWindow)
	escrow.UpdatedAt = now

	if err := s.store.Update(ctx, escrow); err != nil {
		// Funds are already in custody; return them rather than strand them.
		if perr := s.token.Push(ctx, escrow.Consumer, escrow.Amount, escrow.ID); perr != nil {
			log.Printf("CRITICAL: escrow %s fund update failed (%v) and compensating push failed (%v); custody holds %s for %s",
				escrow.ID, err, perr, escrow.Amount, escrow.Consumer)
		}
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("funded").Inc()
	s.record(ctx, escrow, EventEscrowFunded, escrow.Consumer, escrow.Amount, "")
	return escrow, nil
}

// DeliverCredential records the provider's commitment to the delivered
// access credential and activates the escrow. Caller must be the provider.
func (s *Service) DeliverCredential(ctx context.Context, caller, id, credentialHash string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.DeliverCredential", traces.EscrowID(id), traces.Party(caller))
	defer span.End()

	lock := s.escrowLock(id)
	lock.Lock()
	defer lock.Unlock()

	if s.params.IsPaused(ctx) {
		return nil, ErrPaused
	}
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(caller, escrow.Provider) {
		return nil, ErrUnauthorized
	}
	if escrow.Status != StatusFunded {
		return nil, ErrInvalidStatus
	}
	credentialHash = strings.TrimSpace(credentialHash)
	if credentialHash == "" || !validation.IsValidHex(credentialHash) {
		return nil, ErrInvalidCredential
	}

	escrow.CredentialHash = strings.ToLower(credentialHash)
	escrow.Status = StatusActive
	escrow.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("credential_delivered").Inc()
	s.record(ctx, escrow, EventCredentialDelivered, escrow.Provider, "", "")
	return escrow, nil
}

// Get returns the escrow with the given ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// List returns escrows matching the filter, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Escrow, error) {
	return s.store.List(ctx, f)
}

// record emits an audit event. Recording is best effort and never fails the
// transition that triggered it.
func (s *Service) record(ctx context.Context, e *Escrow, typ EventType, actor, amount, detail string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, &Event{
		EscrowID:  e.ID,
		Type:      typ,
		Actor:     actor,
		Amount:    amount,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
}

// markTerminal updates gauges when an escrow reaches a terminal status.
func (s *Service) markTerminal(e *Escrow) {
	metrics.EscrowsOpen.Dec()
	metrics.EscrowLifetime.Observe(time.Since(e.CreatedAt).Seconds())
}

// generateEscrowID creates a unique escrow identifier.
func generateEscrowID() string {
	return idgen.WithPrefix("esc_")
}
