package paidaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// FastPollInterval is how often a pending invoice is polled
	FastPollInterval = 500 * time.Millisecond

	// DefaultInvoiceExpiry bounds how long a created invoice stays payable
	DefaultInvoiceExpiry = 180 * time.Second
)

// InvoiceManager creates, polls and cancels invoices
type InvoiceManager struct {
	backend      InvoiceBackend
	pollInterval time.Duration
	expiry       time.Duration
	logger       *zap.Logger
}

// InvoiceManagerOption configures the invoice manager
type InvoiceManagerOption func(*InvoiceManager)

// WithPollInterval sets how often WaitUntilPaid polls
func WithPollInterval(d time.Duration) InvoiceManagerOption {
	return func(m *InvoiceManager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithInvoiceExpiry sets the expiry requested for new invoices
func WithInvoiceExpiry(d time.Duration) InvoiceManagerOption {
	return func(m *InvoiceManager) {
		if d > 0 {
			m.expiry = d
		}
	}
}

// WithInvoiceLogger sets the logger
func WithInvoiceLogger(logger *zap.Logger) InvoiceManagerOption {
	return func(m *InvoiceManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewInvoiceManager creates an invoice manager on top of a backend
func NewInvoiceManager(backend InvoiceBackend, opts ...InvoiceManagerOption) *InvoiceManager {
	m := &InvoiceManager{
		backend:      backend,
		pollInterval: FastPollInterval,
		expiry:       DefaultInvoiceExpiry,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create requests a new invoice for amountSats
func (m *InvoiceManager) Create(ctx context.Context, amountSats int64) (*Invoice, error) {
	if amountSats <= 0 {
		return nil, fmt.Errorf("invoice amount must be positive, got %d", amountSats)
	}

	inv, err := m.backend.CreateInvoice(ctx, CreateInvoiceRequest{
		AmountSats:    amountSats,
		ExpireSeconds: int(m.expiry / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	if err := ValidateInvoice(inv); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	m.logger.Debug("invoice created",
		zap.String("invoice_hash", inv.Hash),
		zap.String("sats", FormatSats(inv.SatsRequested)))
	return inv, nil
}

// Cancel cancels an invoice. Credentials are checked before any network call.
func (m *InvoiceManager) Cancel(ctx context.Context, inv *Invoice) error {
	if err := checkCredentials(inv); err != nil {
		return err
	}
	if inv.Cancelled {
		return nil
	}

	if _, err := m.backend.CancelInvoice(ctx, inv.Hash, inv.Hmac); err != nil {
		return fmt.Errorf("cancel invoice %s: %w", inv.Hash, err)
	}
	m.logger.Debug("invoice canceled", zap.String("invoice_hash", inv.Hash))
	return nil
}

// Retry replaces inv with a fresh invoice for the same payment. The old
// invoice is cancelled first so at most one invoice is live per attempt.
func (m *InvoiceManager) Retry(ctx context.Context, inv *Invoice) (*Invoice, error) {
	if retrier, ok := m.backend.(InvoiceRetrier); ok {
		if err := checkCredentials(inv); err != nil {
			return nil, err
		}
		next, err := retrier.RetryInvoice(ctx, inv)
		if err != nil {
			return nil, fmt.Errorf("retry invoice %s: %w", inv.Hash, err)
		}
		if err := ValidateInvoice(next); err != nil {
			return nil, fmt.Errorf("retry invoice %s: %w", inv.Hash, err)
		}
		return next, nil
	}

	if err := m.Cancel(ctx, inv); err != nil {
		return nil, err
	}
	return m.Create(ctx, inv.SatsRequested)
}

// Check polls the invoice once and reports whether pred holds.
// Terminal states are returned as *InvoiceExpiredError or *InvoiceCanceledError.
func (m *InvoiceManager) Check(ctx context.Context, inv *Invoice, pred InvoicePredicate) (*Invoice, bool, error) {
	if pred == nil {
		pred = PaidPredicate
	}

	polled, err := m.backend.GetInvoice(ctx, inv.ID)
	if err != nil {
		return inv, false, fmt.Errorf("poll invoice %s: %w", inv.Hash, err)
	}
	current := inv.merge(polled)

	if current.Expired() {
		return current, false, &InvoiceExpiredError{Hash: current.Hash}
	}
	if current.Cancelled || current.ActionError != "" {
		return current, false, &InvoiceCanceledError{Hash: current.Hash, ActionError: current.ActionError}
	}
	return current, pred(current), nil
}

// WaitUntilPaid polls until pred holds or the invoice reaches a terminal state.
//
// Cancelling ctx stops polling at the next boundary; the last observed
// snapshot is returned with a nil error, so callers must consult ctx to tell
// an abort from a payment.
func (m *InvoiceManager) WaitUntilPaid(ctx context.Context, inv *Invoice, pred InvoicePredicate) (*Invoice, error) {
	if inv == nil {
		return nil, errors.New("invoice is required")
	}
	if pred == nil {
		pred = PaidPredicate
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	last := inv
	for {
		select {
		case <-ctx.Done():
			return last, nil
		case <-ticker.C:
		}

		current, ok, err := m.Check(ctx, last, pred)
		if err != nil {
			if ctx.Err() != nil {
				return last, nil
			}
			if !IsTerminalInvoiceError(err) {
				m.logger.Warn("invoice poll failed",
					zap.String("invoice_hash", inv.Hash), zap.Error(err))
			}
			return current, err
		}
		last = current
		if ok {
			return current, nil
		}
	}
}

func checkCredentials(inv *Invoice) error {
	if inv == nil {
		return &MissingCredentialsError{Missing: []string{"hash", "hmac"}}
	}
	var missing []string
	if inv.Hash == "" {
		missing = append(missing, "hash")
	}
	if inv.Hmac == "" {
		missing = append(missing, "hmac")
	}
	if len(missing) > 0 {
		return &MissingCredentialsError{Missing: missing}
	}
	return nil
}
