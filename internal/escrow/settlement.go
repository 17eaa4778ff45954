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

// bpsDenominator converts basis points to a fraction (10000 bps = 100%).
var bpsDenominator = big.NewInt(10000)

// Distribution is the settlement split for a metered escrow. All legs are
// derived by subtraction from the escrowed amount so that
// ProviderAmount + ConsumerRefund + PlatformFee equals the amount exactly;
// truncation remainders land with the parties, never the platform.
type Distribution struct {
	UsedAmount     *big.Int
	UnusedAmount   *big.Int
	PlatformFee    *big.Int
	PenaltyAmount  *big.Int
	ProviderAmount *big.Int
	ConsumerRefund *big.Int
	Fees           FeeConfig
}

// Total returns ProviderAmount + ConsumerRefund + PlatformFee.
func (d *Distribution) Total() *big.Int {
	t := new(big.Int).Add(d.ProviderAmount, d.ConsumerRefund)
	return t.Add(t, d.PlatformFee)
}

// CalculateDistribution computes the settlement split for the given usage.
//
//	usedAmount     = floor(amount * usage / usageLimit)
//	unusedAmount   = amount - usedAmount
//	platformFee    = floor(usedAmount * platformFeeBps / 10000)
//	penaltyAmount  = floor(unusedAmount * unusedPenaltyBps / 10000)
//	providerAmount = usedAmount - platformFee + penaltyAmount
//	consumerRefund = unusedAmount - penaltyAmount
func CalculateDistribution(amount *big.Int, usageLimit, usage int64, fees FeeConfig) (*Distribution, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if usageLimit <= 0 {
		return nil, ErrInvalidUsageLimit
	}
	if usage < 0 || usage > usageLimit {
		return nil, ErrInvalidUsage
	}
	if fees.PlatformFeeBps < 0 || fees.PlatformFeeBps > 10000 ||
		fees.UnusedPenaltyBps < 0 || fees.UnusedPenaltyBps > 10000 {
		return nil, ErrInvalidFees
	}

	used := new(big.Int).Mul(amount, big.NewInt(usage))
	used.Quo(used, big.NewInt(usageLimit))
	unused := new(big.Int).Sub(amount, used)

	fee := new(big.Int).Mul(used, big.NewInt(fees.PlatformFeeBps))
	fee.Quo(fee, bpsDenominator)
	penalty := new(big.Int).Mul(unused, big.NewInt(fees.UnusedPenaltyBps))
	penalty.Quo(penalty, bpsDenominator)

	provider := new(big.Int).Sub(used, fee)
	provider.Add(provider, penalty)
	refund := new(big.Int).Sub(unused, penalty)

	return &Distribution{
		UsedAmount:     used,
		UnusedAmount:   unused,
		PlatformFee:    fee,
		PenaltyAmount:  penalty,
		ProviderAmount: provider,
		ConsumerRefund: refund,
		Fees:           fees,
	}, nil
}

// PreviewDistribution computes the split the given usage would produce for
// an escrow under the current fee schedule, without mutating anything.
func (s *Service) PreviewDistribution(ctx context.Context, id string, usage int64) (*Distribution, error) {
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	amount, ok := usdc.Parse(escrow.Amount)
	if !ok {
		return nil, fmt.Errorf("stored amount %q: %w", escrow.Amount, ErrInvalidAmount)
	}
	return CalculateDistribution(amount, escrow.UsageLimit, usage, s.params.CurrentFees(ctx))
}

// AttestUsage records a usage attestation. The consumer reports first; the
// provider must then ratify the exact same number. Once both match, the
// settlement unlock is scheduled after the dispute window.
func (s *Service) AttestUsage(ctx context.Context, caller, id string, usage int64) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AttestUsage", traces.EscrowID(id), traces.Party(caller))
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
	now := time.Now()
	if now.After(escrow.ReportingClose) {
		return nil, ErrReportingClosed
	}
	if usage < 0 || usage > escrow.UsageLimit {
		return nil, ErrInvalidUsage
	}

	switch {
	case strings.EqualFold(caller, escrow.Consumer):
		if escrow.ConsumerAttested {
			return nil, ErrAlreadyAttested
		}
		escrow.ConsumerAttested = true
		escrow.ReportedUsage = usage
	case strings.EqualFold(caller, escrow.Provider):
		if !escrow.ConsumerAttested {
			return nil, ErrConsumerFirst
		}
		if escrow.ProviderAttested {
			return nil, ErrAlreadyAttested
		}
		if usage != escrow.ReportedUsage {
			return nil, ErrUsageMismatch
		}
		escrow.ProviderAttested = true
		escrow.CompletionUnlock = now.Add(s.windows.DisputeWindow)
	default:
		return nil, ErrUnauthorized
	}
	escrow.UpdatedAt = now

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("usage_attested").Inc()
	s.record(ctx, escrow, EventUsageReported, strings.ToLower(caller), "",
		fmt.Sprintf(`{"usage":%d,"consumerAttested":%t,"providerAttested":%t}`,
			usage, escrow.ConsumerAttested, escrow.ProviderAttested))
	return escrow, nil
}

// Settle executes the settlement for an escrow whose attestations match and
// whose dispute window has elapsed. Callable by anyone; the status guard
// ensures exactly one settlement wins.
func (s *Service) Settle(ctx context.Context, caller, id string) (*Escrow, error) {
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
	if !escrow.ConsumerAttested || !escrow.ProviderAttested {
		return nil, ErrNotAttested
	}
	if time.Now().Before(escrow.CompletionUnlock) {
		return nil, ErrDisputeWindowOpen
	}

	return s.settle(ctx, escrow, escrow.ReportedUsage, caller, "settled")
}

// AutoComplete settles an escrow whose consumer never attested once the
// reporting window has closed, assuming the full usage allowance was
// consumed. Callable by anyone.
func (s *Service) AutoComplete(ctx context.Context, caller, id string) (*Escrow, error) {
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
	if escrow.ConsumerAttested {
		return nil, ErrConsumerAttested
	}
	if !time.Now().After(escrow.ReportingClose) {
		return nil, ErrReportingOpen
	}

	return s.settle(ctx, escrow, escrow.UsageLimit, caller, "auto_completed")
}

// RefundExpired returns the full amount to the consumer of a funded escrow
// whose provider never delivered a credential within the grace period.
// Callable by anyone.
func (s *Service) RefundExpired(ctx context.Context, caller, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RefundExpired", traces.EscrowID(id))
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
	if escrow.Status != StatusFunded {
		return nil, ErrInvalidStatus
	}
	if !time.Now().After(escrow.RefundAfter) {
		return nil, ErrGraceNotElapsed
	}

	if err := s.refund(ctx, escrow, ""); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("refund_expired").Inc()
	s.record(ctx, escrow, EventEscrowRefunded, strings.ToLower(caller), escrow.Amount,
		`{"cause":"key_delivery_expired"}`)
	return escrow, nil
}

// ExpirePending discards a pending escrow that was never funded within
// PendingExpiry of creation. No tokens ever entered custody, so the record
// moves to refunded with nothing owed to anyone. Callable by anyone.
func (s *Service) ExpirePending(ctx context.Context, caller, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ExpirePending", traces.EscrowID(id))
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
	if escrow.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	if !time.Now().After(escrow.CreatedAt.Add(PendingExpiry)) {
		return nil, ErrGraceNotElapsed
	}

	prev := *escrow
	escrow.Status = StatusRefunded
	escrow.ConsumerRefund = "0.000000"
	escrow.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, escrow); err != nil {
		*escrow = prev
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("pending_expired").Inc()
	s.markTerminal(escrow)
	s.record(ctx, escrow, EventEscrowRefunded, strings.ToLower(caller), "0.000000",
		`{"cause":"never_funded"}`)
	return escrow, nil
}

// settle distributes the escrowed amount for the given usage. The record is
// moved to completed before any tokens leave custody so a concurrent caller
// cannot double-settle; a failed refund push rolls the record back.
func (s *Service) settle(ctx context.Context, escrow *Escrow, usage int64, caller, outcome string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle",
		traces.EscrowID(escrow.ID), traces.Amount(escrow.Amount))
	defer span.End()

	amount, ok := usdc.Parse(escrow.Amount)
	if !ok {
		return nil, fmt.Errorf("stored amount %q: %w", escrow.Amount, ErrInvalidAmount)
	}
	fees := s.params.CurrentFees(ctx)
	dist, err := CalculateDistribution(amount, escrow.UsageLimit, usage, fees)
	if err != nil {
		return nil, err
	}
	if dist.Total().Cmp(amount) != 0 {
		log.Printf("CRITICAL: escrow %s distribution %s does not conserve amount %s",
			escrow.ID, dist.Total().String(), amount.String())
		return nil, ErrConservation
	}

	prev := *escrow
	now := time.Now()
	escrow.Status = StatusCompleted
	escrow.SettledUsage = usage
	escrow.ProviderAmount = usdc.Format(dist.ProviderAmount)
	escrow.ConsumerRefund = usdc.Format(dist.ConsumerRefund)
	escrow.PlatformFee = usdc.Format(dist.PlatformFee)
	escrow.PenaltyAmount = usdc.Format(dist.PenaltyAmount)
	escrow.FeeVersion = fees.Version
	escrow.UpdatedAt = now

	if err := s.store.Update(ctx, escrow); err != nil {
		*escrow = prev
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	// Refund is pushed immediately; a failed push aborts the settlement.
	if dist.ConsumerRefund.Sign() > 0 {
		if err := s.token.Push(ctx, escrow.Consumer, escrow.ConsumerRefund, escrow.ID); err != nil {
			restored := prev
			if uerr := s.store.Update(ctx, &restored); uerr != nil {
				log.Printf("CRITICAL: escrow %s rollback failed after refund push error: %v (push error: %v)",
					escrow.ID, uerr, err)
			}
			*escrow = prev
			return nil, fmt.Errorf("failed to push consumer refund: %w", err)
		}
	}

	// Provider earnings and platform fee accrue to internal balances for
	// deferred withdrawal. The record is already terminal, so failures here
	// are logged for reconciliation rather than unwinding pushed tokens.
	// The single retry is safe: credits are idempotent per escrow reference,
	// so a lost acknowledgement cannot double-apply.
	if dist.ProviderAmount.Sign() > 0 {
		if err := s.balances.CreditProvider(ctx, escrow.Provider, escrow.ProviderAmount, escrow.ID); err != nil {
			if err2 := s.balances.CreditProvider(ctx, escrow.Provider, escrow.ProviderAmount, escrow.ID); err2 != nil {
				log.Printf("CRITICAL: escrow %s settled but provider credit of %s failed: %v",
					escrow.ID, escrow.ProviderAmount, err2)
			}
		}
	}
	if dist.PlatformFee.Sign() > 0 {
		if err := s.balances.AccruePlatformFee(ctx, escrow.PlatformFee, escrow.ID); err != nil {
			if err2 := s.balances.AccruePlatformFee(ctx, escrow.PlatformFee, escrow.ID); err2 != nil {
				log.Printf("CRITICAL: escrow %s settled but platform fee accrual of %s failed: %v",
					escrow.ID, escrow.PlatformFee, err2)
			}
		}
	}

	metrics.SettlementsTotal.WithLabelValues(outcome).Inc()
	metrics.EscrowTransitionsTotal.WithLabelValues(outcome).Inc()
	s.markTerminal(escrow)
	s.record(ctx, escrow, EventEscrowCompleted, strings.ToLower(caller), escrow.Amount,
		fmt.Sprintf(`{"outcome":%q,"usage":%d,"providerAmount":%q,"consumerRefund":%q,"platformFee":%q,"penaltyAmount":%q,"feeVersion":%d}`,
			outcome, usage, escrow.ProviderAmount, escrow.ConsumerRefund,
			escrow.PlatformFee, escrow.PenaltyAmount, escrow.FeeVersion))
	return escrow, nil
}

// refund moves an escrow to refunded and pushes the full amount back to the
// consumer. The record is persisted before the push and rolled back if the
// push fails. Caller must hold the escrow lock.
func (s *Service) refund(ctx context.Context, escrow *Escrow, resolution string) error {
	prev := *escrow
	escrow.Status = StatusRefunded
	escrow.ConsumerRefund = escrow.Amount
	escrow.Resolution = resolution
	escrow.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, escrow); err != nil {
		*escrow = prev
		return fmt.Errorf("failed to update escrow: %w", err)
	}

	if err := s.token.Push(ctx, escrow.Consumer, escrow.Amount, escrow.ID); err != nil {
		restored := prev
		if uerr := s.store.Update(ctx, &restored); uerr != nil {
			log.Printf("CRITICAL: escrow %s rollback failed after refund push error: %v (push error: %v)",
				escrow.ID, uerr, err)
		}
		*escrow = prev
		return fmt.Errorf("failed to push refund: %w", err)
	}

	s.markTerminal(escrow)
	return nil
}
