// Package ledger tracks provider earnings and platform fees.
//
// Flow:
//  1. Escrow settlement credits the provider's balance and accrues the
//     platform fee (tokens stay in platform custody)
//  2. Provider withdraws the full balance (platform pushes tokens on-chain)
//  3. Administrator withdraws accumulated platform fees the same way
//
// Balances only ever grow through settlement or dispute resolution and only
// ever shrink through withdrawal. The withdrawal sequence zeroes the balance
// before the token push and restores it if the push fails, so a racing
// caller can never drain the same funds twice.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/DaveO280/Diem-Marketplace/internal/metrics"
	"github.com/DaveO280/Diem-Marketplace/internal/syncutil"
	"github.com/DaveO280/Diem-Marketplace/internal/traces"
	"github.com/DaveO280/Diem-Marketplace/internal/usdc"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNothingToWithdraw is returned when a withdrawal finds a zero balance.
	ErrNothingToWithdraw = errors.New("nothing to withdraw")
	// ErrInvalidAmount is returned for malformed or non-positive amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrUnauthorized is returned when the caller may not perform the action.
	ErrUnauthorized = errors.New("unauthorized")
)

// PlatformAccount is the reserved account key holding accumulated platform
// fees. It shares the balance machinery with provider accounts but is only
// credited by fee accrual and only debited by the admin fee withdrawal.
const PlatformAccount = "platform"

// ActionWithdrawFees is the authority action for platform fee withdrawal.
const ActionWithdrawFees = "ledger.withdraw_fees"

// Entry types recorded in the ledger history.
const (
	EntrySettlementCredit   = "settlement_credit"
	EntryFeeAccrual         = "fee_accrual"
	EntryWithdrawal         = "withdrawal"
	EntryWithdrawalReversal = "withdrawal_reversal"
	EntryFeeWithdrawal      = "fee_withdrawal"
)

// Event types emitted on withdrawals.
const (
	EventProviderWithdrawal    = "ledger.provider_withdrawal"
	EventPlatformFeeWithdrawal = "ledger.fee_withdrawal"
)

// Balance is a per-account accumulator.
type Balance struct {
	Account        string    `json:"account"`
	Available      string    `json:"available"`
	TotalEarned    string    `json:"totalEarned"`
	TotalWithdrawn string    `json:"totalWithdrawn"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Entry is one immutable ledger history record.
type Entry struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Type      string    `json:"type"`
	Amount    string    `json:"amount"`
	Reference string    `json:"reference,omitempty"` // escrow or withdrawal ID
	CreatedAt time.Time `json:"createdAt"`
}

// Withdrawal is the receipt returned by a successful withdrawal.
type Withdrawal struct {
	Account     string    `json:"account"`
	Destination string    `json:"destination"`
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Event is a ledger lifecycle event handed to the recorder.
type Event struct {
	ID        int64     `json:"id"`
	Account   string    `json:"account"`
	Type      string    `json:"type"`
	Actor     string    `json:"actor"`
	Amount    string    `json:"amount"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventRecorder receives ledger events. Implementations must not block.
type EventRecorder interface {
	Record(ctx context.Context, event *Event)
}

// Store persists balances and the entry history.
type Store interface {
	GetBalance(ctx context.Context, account string) (*Balance, error)
	// Credit adds to an account's balance, creating the account on first use.
	// Implementations must be idempotent on (account, entryType, reference):
	// settlement credits retry on error, and a retry whose first attempt
	// committed must not apply twice.
	Credit(ctx context.Context, account, amount, reference, entryType string) error
	// Debit subtracts from an account's balance. Returns
	// ErrInsufficientBalance when the account is missing or would overdraw.
	Debit(ctx context.Context, account, amount, reference, entryType string) error
	// Restore reverses a debit whose token push failed: available grows back
	// and the lifetime withdrawn total shrinks.
	Restore(ctx context.Context, account, amount, reference string) error
	History(ctx context.Context, account string, limit int) ([]*Entry, error)
}

// TokenPusher moves tokens out of platform custody.
type TokenPusher interface {
	Push(ctx context.Context, to, amount, reference string) error
}

// Authority authorizes privileged actions and names the treasury address
// that receives platform fee withdrawals.
type Authority interface {
	Authorize(ctx context.Context, caller, action string) error
	Address() string
}

// Service manages provider balances and the platform fee accumulator.
type Service struct {
	store     Store
	token     TokenPusher
	authority Authority
	recorder  EventRecorder
	locks     *syncutil.ContextShardedMutex
}

// NewService creates a new ledger service.
func NewService(store Store, token TokenPusher, authority Authority) *Service {
	return &Service{
		store:     store,
		token:     token,
		authority: authority,
		locks:     syncutil.NewContextShardedMutex(),
	}
}

// WithRecorder attaches an event recorder.
func (s *Service) WithRecorder(r EventRecorder) *Service {
	s.recorder = r
	return s
}

// GetBalance returns a provider's balance. Unknown accounts report zero.
func (s *Service) GetBalance(ctx context.Context, provider string) (*Balance, error) {
	return s.store.GetBalance(ctx, strings.ToLower(provider))
}

// PlatformBalance returns the accumulated platform fee balance.
func (s *Service) PlatformBalance(ctx context.Context) (*Balance, error) {
	return s.store.GetBalance(ctx, PlatformAccount)
}

// History returns an account's ledger entries, newest first.
func (s *Service) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, strings.ToLower(account), limit)
}

// CreditProvider adds settled earnings to a provider's balance. Called by
// escrow settlement after tokens are committed, so it creates the account
// on first use rather than failing.
func (s *Service) CreditProvider(ctx context.Context, provider, amount, reference string) error {
	defer observeOp("credit_provider")()

	if v, ok := usdc.Parse(amount); !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return s.store.Credit(ctx, strings.ToLower(provider), amount, reference, EntrySettlementCredit)
}

// AccruePlatformFee adds a settlement fee to the platform accumulator.
func (s *Service) AccruePlatformFee(ctx context.Context, amount, reference string) error {
	defer observeOp("accrue_fee")()

	v, ok := usdc.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := s.store.Credit(ctx, PlatformAccount, amount, reference, EntryFeeAccrual); err != nil {
		return err
	}
	metrics.PlatformFeesAccruedTotal.Add(usdc.ToFloat(v))
	return nil
}

// WithdrawProviderBalance pays out the caller's entire balance. The balance
// is zeroed before the push; a failed push restores it. Allowed while the
// platform is paused since the funds are already-finalized obligations.
func (s *Service) WithdrawProviderBalance(ctx context.Context, caller string) (*Withdrawal, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.WithdrawProviderBalance", traces.Party(caller))
	defer span.End()
	defer observeOp("withdraw_provider")()

	account := strings.ToLower(caller)
	w, err := s.withdraw(ctx, account, account, EntryWithdrawal)
	if err != nil {
		metrics.WithdrawalsTotal.WithLabelValues("provider", "failed").Inc()
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues("provider", "ok").Inc()
	s.record(ctx, &Event{
		Account: account,
		Type:    EventProviderWithdrawal,
		Actor:   account,
		Amount:  w.Amount,
	})
	return w, nil
}

// WithdrawPlatformFees pays the accumulated fees to the treasury address.
// Authority only; allowed while paused.
func (s *Service) WithdrawPlatformFees(ctx context.Context, caller string) (*Withdrawal, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.WithdrawPlatformFees", traces.Party(caller))
	defer span.End()
	defer observeOp("withdraw_fees")()

	if err := s.authority.Authorize(ctx, caller, ActionWithdrawFees); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	w, err := s.withdraw(ctx, PlatformAccount, s.authority.Address(), EntryFeeWithdrawal)
	if err != nil {
		metrics.WithdrawalsTotal.WithLabelValues("platform_fees", "failed").Inc()
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues("platform_fees", "ok").Inc()
	s.record(ctx, &Event{
		Account: PlatformAccount,
		Type:    EventPlatformFeeWithdrawal,
		Actor:   strings.ToLower(caller),
		Amount:  w.Amount,
		Detail:  fmt.Sprintf(`{"destination":%q}`, w.Destination),
	})
	return w, nil
}

// withdraw drains the full balance of account and pushes it to destination.
// The per-account lock is held across the drain-push-restore sequence so
// concurrent withdrawals of the same account serialize.
func (s *Service) withdraw(ctx context.Context, account, destination, entryType string) (*Withdrawal, error) {
	unlock, err := s.locks.LockContext(ctx, account)
	if err != nil {
		return nil, err
	}
	defer unlock()

	bal, err := s.store.GetBalance(ctx, account)
	if err != nil {
		return nil, err
	}
	amount, ok := usdc.Parse(bal.Available)
	if !ok {
		return nil, fmt.Errorf("stored balance %q: %w", bal.Available, ErrInvalidAmount)
	}
	if amount.Sign() <= 0 {
		return nil, ErrNothingToWithdraw
	}

	payout := usdc.Format(amount)
	reference := generateWithdrawalID()

	if err := s.store.Debit(ctx, account, payout, reference, entryType); err != nil {
		return nil, err
	}

	if err := s.token.Push(ctx, destination, payout, reference); err != nil {
		if rerr := s.store.Restore(ctx, account, payout, reference); rerr != nil {
			log.Printf("CRITICAL: ledger account %s debited %s for %s but push and restore both failed: push=%v restore=%v",
				account, payout, reference, err, rerr)
		}
		return nil, fmt.Errorf("failed to push withdrawal: %w", err)
	}

	return &Withdrawal{
		Account:     account,
		Destination: destination,
		Amount:      payout,
		Reference:   reference,
		CreatedAt:   time.Now(),
	}, nil
}

func (s *Service) record(ctx context.Context, event *Event) {
	if s.recorder == nil {
		return
	}
	event.CreatedAt = time.Now()
	s.recorder.Record(ctx, event)
}

func generateWithdrawalID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("wd_%d", time.Now().UnixNano())
	}
	return "wd_" + hex.EncodeToString(b)
}
