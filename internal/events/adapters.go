package events

import (
	"context"

	"github.com/DaveO280/Diem-Marketplace/internal/admin"
	"github.com/DaveO280/Diem-Marketplace/internal/escrow"
	"github.com/DaveO280/Diem-Marketplace/internal/ledger"
)

// GovernanceSubject groups admin events; governance has no per-record ID.
const GovernanceSubject = "governance"

// EscrowRecorder adapts escrow lifecycle events onto the shared log.
type EscrowRecorder struct {
	log *Log
}

func NewEscrowRecorder(l *Log) *EscrowRecorder { return &EscrowRecorder{log: l} }

func (r *EscrowRecorder) Record(ctx context.Context, ev *escrow.Event) {
	r.log.Record(&Event{
		Type:      string(ev.Type),
		Subject:   ev.EscrowID,
		Actor:     ev.Actor,
		Amount:    ev.Amount,
		Detail:    ev.Detail,
		CreatedAt: ev.CreatedAt,
	})
}

// LedgerRecorder adapts ledger withdrawal events onto the shared log.
type LedgerRecorder struct {
	log *Log
}

func NewLedgerRecorder(l *Log) *LedgerRecorder { return &LedgerRecorder{log: l} }

func (r *LedgerRecorder) Record(ctx context.Context, ev *ledger.Event) {
	r.log.Record(&Event{
		Type:      ev.Type,
		Subject:   ev.Account,
		Actor:     ev.Actor,
		Amount:    ev.Amount,
		Detail:    ev.Detail,
		CreatedAt: ev.CreatedAt,
	})
}

// AdminRecorder adapts governance events onto the shared log.
type AdminRecorder struct {
	log *Log
}

func NewAdminRecorder(l *Log) *AdminRecorder { return &AdminRecorder{log: l} }

func (r *AdminRecorder) Record(ctx context.Context, ev *admin.Event) {
	r.log.Record(&Event{
		Type:      ev.Type,
		Subject:   GovernanceSubject,
		Actor:     ev.Actor,
		Detail:    ev.Detail,
		CreatedAt: ev.CreatedAt,
	})
}

var (
	_ escrow.EventRecorder = (*EscrowRecorder)(nil)
	_ ledger.EventRecorder = (*LedgerRecorder)(nil)
	_ admin.EventRecorder  = (*AdminRecorder)(nil)
)
