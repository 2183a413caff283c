package paidaction

import (
	"errors"
	"fmt"
	"strings"
)

// PaymentError represents an error reported by the paid-action server
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidRequest     = "invalid_request"
	ErrCodeInvoiceNotFound    = "invoice_not_found"
	ErrCodeInvalidCredentials = "invalid_credentials"
	ErrCodeInvoiceNotPaid     = "invoice_not_paid"
	ErrCodeInvoiceTerminal    = "invoice_terminal"
	ErrCodeAmountTooLarge     = "amount_too_large"
	ErrCodeUnknownAction      = "unknown_action"
	ErrCodeActionFailed       = "action_failed"
	ErrCodeRateLimited        = "rate_limited"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ErrMultipleResults is returned when a paid operation response does not
// have exactly one top-level field.
var ErrMultipleResults = errors.New("paid operation must return exactly one result field")

// InvoiceCanceledError means the invoice was cancelled or the server action failed
type InvoiceCanceledError struct {
	Hash        string
	ActionError string
}

func (e *InvoiceCanceledError) Error() string {
	if e.ActionError != "" {
		return fmt.Sprintf("invoice %s canceled: %s", e.Hash, e.ActionError)
	}
	return fmt.Sprintf("invoice %s canceled", e.Hash)
}

// InvoiceExpiredError means the invoice was cancelled because it expired
type InvoiceExpiredError struct {
	Hash string
}

func (e *InvoiceExpiredError) Error() string {
	return fmt.Sprintf("invoice %s expired", e.Hash)
}

// NoAttachedWalletError means no wallet is configured to pay automatically
type NoAttachedWalletError struct{}

func (e *NoAttachedWalletError) Error() string {
	return "no wallet attached"
}

// MissingCredentialsError means an invoice lacks the hash or hmac required to act on it
type MissingCredentialsError struct {
	Missing []string
}

func (e *MissingCredentialsError) Error() string {
	return "missing invoice credentials: " + strings.Join(e.Missing, ", ")
}

// WalletPaymentError means the attached wallet attempted the payment and failed
type WalletPaymentError struct {
	Wallet string
	Hash   string
	Reason error
}

func (e *WalletPaymentError) Error() string {
	return fmt.Sprintf("wallet %s failed to pay invoice %s: %v", e.Wallet, e.Hash, e.Reason)
}

func (e *WalletPaymentError) Unwrap() error {
	return e.Reason
}

// ErrReceiverFailed marks a wallet failure caused by the receiving side, such
// as a failed forward. Wallets wrap it; the racer then retries the same
// wallet on a new invoice instead of moving on.
var ErrReceiverFailed = errors.New("payment failed at the receiver")

// WalletTimeoutError means the wallet did not settle the invoice within the escalation bound
type WalletTimeoutError struct {
	Wallet string
	Hash   string
}

func (e *WalletTimeoutError) Error() string {
	return fmt.Sprintf("wallet %s too slow paying invoice %s", e.Wallet, e.Hash)
}

// IsTerminalInvoiceError reports whether err means the invoice can never be paid
func IsTerminalInvoiceError(err error) bool {
	var canceled *InvoiceCanceledError
	var expired *InvoiceExpiredError
	return errors.As(err, &canceled) || errors.As(err, &expired)
}

// actionError returns the server action error carried by a cancellation, if any
func actionError(err error) string {
	var canceled *InvoiceCanceledError
	if errors.As(err, &canceled) {
		return canceled.ActionError
	}
	return ""
}
