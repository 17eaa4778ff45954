package escrow

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/DaveO280/Diem-Marketplace/internal/metrics"
	"github.com/DaveO280/Diem-Marketplace/internal/traces"
	"github.com/DaveO280/Diem-Marketplace/internal/usdc"
)

// DisputeRequest contains the parameters for raising a dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest contains the parameters for resolving a dispute. Amounts
// are USDC decimal strings; their sum must not exceed the escrowed amount.
// Any remainder accrues to the platform fee balance.
type ResolveRequest struct {
	ProviderAmount string `json:"providerAmount" binding:"required"`
	ConsumerAmount string `json:"consumerAmount" binding:"required"`
	Resolution     string `json:"resolution"`
}

// RaiseDispute escalates an active escrow. Either party may raise, until the
// dispute eligibility window closes; once disputed, only the authority can
// move the escrow forward.
func (s *Service) RaiseDispute(ctx context.Context, caller, id, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RaiseDispute", traces.EscrowID(id), traces.Party(caller))
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
	if escrow.Status != StatusActive {
		return nil, ErrInvalidStatus
	}
	if !strings.EqualFold(caller, escrow.Consumer) && !strings.EqualFold(caller, escrow.Provider) {
		return nil, ErrUnauthorized
	}
	if time.Now().After(escrow.DisputeClose) {
		return nil, ErrDisputeClosed
	}

	escrow.Status = StatusDisputed
	escrow.DisputeReason = reason
	escrow.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("disputed").Inc()
	s.record(ctx, escrow, EventEscrowDisputed, strings.ToLower(caller), "",
		fmt.Sprintf(`{"reason":%q}`, reason))
	return escrow, nil
}

// ResolveDispute allocates a disputed escrow's amount between the parties.
// Authority only. The consumer's share is pushed immediately, the provider's
// share accrues to their balance, and any unallocated remainder accrues to
// the platform. Resolution is permitted while paused.
func (s *Service) ResolveDispute(ctx context.Context, caller, id string, req ResolveRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.EscrowID(id), traces.Party(caller))
	defer span.End()

	if err := s.authority.Authorize(ctx, caller, ActionResolveDispute); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	lock := s.escrowLock(id)
	lock.Lock()
	defer lock.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}

	amount, ok := usdc.Parse(escrow.Amount)
	if !ok {
		return nil, fmt.Errorf("stored amount %q: %w", escrow.Amount, ErrInvalidAmount)
	}
	providerAmt, ok := usdc.Parse(req.ProviderAmount)
	if !ok || providerAmt.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	consumerAmt, ok := usdc.Parse(req.ConsumerAmount)
	if !ok || consumerAmt.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	allocated := new(big.Int).Add(providerAmt, consumerAmt)
	if allocated.Cmp(amount) > 0 {
		return nil, ErrOverAllocation
	}
	remainder := new(big.Int).Sub(amount, allocated)
	fees := s.params.CurrentFees(ctx)

	prev := *escrow
	escrow.Status = StatusCompleted
	escrow.ProviderAmount = usdc.Format(providerAmt)
	escrow.ConsumerRefund = usdc.Format(consumerAmt)
	escrow.PlatformFee = usdc.Format(remainder)
	escrow.PenaltyAmount = "0.000000"
	escrow.FeeVersion = fees.Version
	escrow.Resolution = req.Resolution
	escrow.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, escrow); err != nil {
		*escrow = prev
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	if consumerAmt.Sign() > 0 {
		if err := s.token.Push(ctx, escrow.Consumer, escrow.ConsumerRefund, escrow.ID); err != nil {
			restored := prev
			if uerr := s.store.Update(ctx, &restored); uerr != nil {
				log.Printf("CRITICAL: escrow %s rollback failed after resolution push error: %v (push error: %v)",
					escrow.ID, uerr, err)
			}
			*escrow = prev
			return nil, fmt.Errorf("failed to push consumer share: %w", err)
		}
	}
	// Balance accruals retry once on error. Credits are idempotent per
	// escrow reference, so a lost acknowledgement cannot double-apply.
	if providerAmt.Sign() > 0 {
		if err := s.balances.CreditProvider(ctx, escrow.Provider, escrow.ProviderAmount, escrow.ID); err != nil {
			if err2 := s.balances.CreditProvider(ctx, escrow.Provider, escrow.ProviderAmount, escrow.ID); err2 != nil {
				log.Printf("CRITICAL: escrow %s resolved but provider credit of %s failed: %v",
					escrow.ID, escrow.ProviderAmount, err2)
			}
		}
	}
	if remainder.Sign() > 0 {
		if err := s.balances.AccruePlatformFee(ctx, escrow.PlatformFee, escrow.ID); err != nil {
			if err2 := s.balances.AccruePlatformFee(ctx, escrow.PlatformFee, escrow.ID); err2 != nil {
				log.Printf("CRITICAL: escrow %s resolved but remainder accrual of %s failed: %v",
					escrow.ID, escrow.PlatformFee, err2)
			}
		}
	}

	metrics.SettlementsTotal.WithLabelValues("dispute_resolved").Inc()
	metrics.EscrowTransitionsTotal.WithLabelValues("dispute_resolved").Inc()
	s.markTerminal(escrow)
	s.record(ctx, escrow, EventEscrowCompleted, strings.ToLower(caller), escrow.Amount,
		fmt.Sprintf(`{"outcome":"dispute_resolved","providerAmount":%q,"consumerRefund":%q,"platformFee":%q,"resolution":%q}`,
			escrow.ProviderAmount, escrow.ConsumerRefund, escrow.PlatformFee, req.Resolution))
	return escrow, nil
}

// EmergencyRefund returns the full amount to the consumer of a funded or
// active escrow. Authority only, and only while the ledger is paused; this
// is the incident-response escape hatch for escrows stranded by a halt.
func (s *Service) EmergencyRefund(ctx context.Context, caller, id, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.EmergencyRefund", traces.EscrowID(id), traces.Party(caller))
	defer span.End()

	if err := s.authority.Authorize(ctx, caller, ActionEmergencyRefund); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !s.params.IsPaused(ctx) {
		return nil, ErrNotPaused
	}

	lock := s.escrowLock(id)
	lock.Lock()
	defer lock.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusFunded && escrow.Status != StatusActive {
		return nil, ErrInvalidStatus
	}

	if err := s.refund(ctx, escrow, reason); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("emergency_refunded").Inc()
	s.record(ctx, escrow, EventEscrowRefunded, strings.ToLower(caller), escrow.Amount,
		fmt.Sprintf(`{"cause":"emergency","reason":%q}`, reason))
	return escrow, nil
}
