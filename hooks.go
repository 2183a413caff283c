package paidaction

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Operation Hook Context Types
// ============================================================================

// OperationContext contains information passed to operation hooks
type OperationContext struct {
	Ctx       context.Context
	CallID    string
	Name      string
	Field     string
	Variables map[string]interface{}
	Actor     *Identity
	Cache     Cache
	Data      *Envelope
	Timestamp time.Time
	// Logger carries the call's fields. Never nil when set by the executor.
	Logger *zap.Logger
}

// PaidContext is passed to OnPaid once the payment is confirmed
type PaidContext struct {
	OperationContext
	Invoice  *Invoice
	Duration time.Duration
}

// PayErrorContext is passed to OnPayError when the payment failed
type PayErrorContext struct {
	OperationContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Operation Hook Function Types
// ============================================================================

// CompletedHook runs once the operation result is available.
// In optimistic mode this is before payment.
type CompletedHook func(OperationContext)

// PaidHook runs after payment is confirmed
type PaidHook func(PaidContext)

// PayErrorHook runs when payment failed; use it to roll back optimistic effects
type PayErrorHook func(PayErrorContext)

// ============================================================================
// Payment Events
// ============================================================================

// Channel is the payment channel an event belongs to
type Channel string

const (
	ChannelWallet Channel = "wallet"
	ChannelQR     Channel = "qr"
)

// EventKind classifies payment lifecycle events
type EventKind string

const (
	EventAttempt   EventKind = "attempt"
	EventSent      EventKind = "sent"
	EventEscalated EventKind = "escalated"
	EventRetried   EventKind = "retried"
	EventPaid      EventKind = "paid"
	EventFailed    EventKind = "failed"
	EventCanceled  EventKind = "canceled"
)

// PaymentEvent describes one step of a payment race
type PaymentEvent struct {
	Kind      EventKind
	Channel   Channel
	Wallet    string
	Hash      string
	Sats      int64
	Err       error
	Timestamp time.Time
}
