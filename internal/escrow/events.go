package escrow

import (
	"context"
	"time"
)

// EventType identifies an escrow lifecycle event.
type EventType string

const (
	EventEscrowCreated       EventType = "escrow.created"
	EventEscrowFunded        EventType = "escrow.funded"
	EventCredentialDelivered EventType = "escrow.credential_delivered"
	EventUsageReported       EventType = "escrow.usage_reported"
	EventEscrowCompleted     EventType = "escrow.completed"
	EventEscrowDisputed      EventType = "escrow.disputed"
	EventEscrowRefunded      EventType = "escrow.refunded"
)

// Event is an audit record of a single state-changing call.
type Event struct {
	ID        int64     `json:"id"`
	EscrowID  string    `json:"escrowId"`
	Type      EventType `json:"type"`
	Actor     string    `json:"actor,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Detail    string    `json:"detail,omitempty"` // JSON payload with call-specific fields
	CreatedAt time.Time `json:"createdAt"`
}

// EventRecorder receives audit events from the service. Implementations must
// not block; recording failures are the recorder's to handle.
type EventRecorder interface {
	Record(ctx context.Context, ev *Event)
}
