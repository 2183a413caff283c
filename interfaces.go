package paidaction

import "context"

// InvoiceBackend is the server API for invoices
type InvoiceBackend interface {
	// CreateInvoice returns a new invoice including its hmac credential
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error)

	// CancelInvoice cancels an invoice authorised by its hash and hmac
	CancelInvoice(ctx context.Context, hash, hmac string) (*Invoice, error)

	// GetInvoice returns the current state of an invoice. The hmac is not returned.
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
}

// InvoiceRetrier is implemented by backends that can replace an invoice
// server-side, keeping the pending action attached to the new one.
type InvoiceRetrier interface {
	RetryInvoice(ctx context.Context, inv *Invoice) (*Invoice, error)
}

// Wallet pays invoices automatically
type Wallet interface {
	Name() string

	// SendPayment pays a bolt11 request. Success is not authoritative:
	// the invoice is only paid once the server reports it.
	SendPayment(ctx context.Context, bolt11 string) (*SendResult, error)
}

// Prompter presents an invoice for manual payment (QR code or copy/paste).
//
// Prompt returns a channel that is closed when the user dismisses the
// prompt, and a done func the racer calls when it no longer needs it.
type Prompter interface {
	Prompt(ctx context.Context, inv *Invoice, walletErr error) (dismissed <-chan struct{}, done func())
}

// FieldUpdater computes the new value of a cache field from the existing one.
// existing is nil when the field is absent. It must not have side effects.
type FieldUpdater func(existing interface{}) interface{}

// Cache is the field-level view of the client object cache
type Cache interface {
	ModifyField(ctx context.Context, id ObjectID, field string, fn FieldUpdater) error
	ReadField(ctx context.Context, id ObjectID, field string) (interface{}, bool, error)
}

// OperationRunner executes paid server operations
type OperationRunner interface {
	Execute(ctx context.Context, req OperationRequest) (Response, error)
}

// PaymentObserver receives payment lifecycle events
type PaymentObserver interface {
	OnPaymentEvent(event PaymentEvent)
}

// PaymentObserverFunc adapts a function to PaymentObserver
type PaymentObserverFunc func(event PaymentEvent)

// OnPaymentEvent calls f(event)
func (f PaymentObserverFunc) OnPaymentEvent(event PaymentEvent) {
	f(event)
}
