// Package lnmock provides in-memory Lightning collaborators for tests:
// an invoice backend, a wallet, an operation runner and a QR prompter.
package lnmock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	paidaction "github.com/satsflow/paidaction"
)

// ============================================================================
// Invoice Backend
// ============================================================================

type invoiceRecord struct {
	inv      *paidaction.Invoice
	preimage string
	payments int
}

// Backend is an in-memory paidaction.InvoiceBackend and InvoiceRetrier
type Backend struct {
	mu       sync.Mutex
	invoices map[string]*invoiceRecord
	byHash   map[string]string
	byBolt11 map[string]string
	seq      int

	// Held makes payments hold the invoice (JIT) instead of confirming it
	Held bool
	// CreateErr fails every CreateInvoice call
	CreateErr error
	// GetErr fails every GetInvoice call
	GetErr error

	creates int
	cancels int
	gets    int
}

var (
	_ paidaction.InvoiceBackend = (*Backend)(nil)
	_ paidaction.InvoiceRetrier = (*Backend)(nil)
)

// NewBackend creates an empty backend
func NewBackend() *Backend {
	return &Backend{
		invoices: make(map[string]*invoiceRecord),
		byHash:   make(map[string]string),
		byBolt11: make(map[string]string),
	}
}

// CreateInvoice issues a new invoice with credentials
func (b *Backend) CreateInvoice(ctx context.Context, req paidaction.CreateInvoiceRequest) (*paidaction.Invoice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.creates++
	if b.CreateErr != nil {
		return nil, b.CreateErr
	}
	return b.createLocked(req.AmountSats, time.Duration(req.ExpireSeconds)*time.Second), nil
}

func (b *Backend) createLocked(sats int64, expiry time.Duration) *paidaction.Invoice {
	b.seq++
	preimage := make([]byte, 32)
	_, _ = rand.Read(preimage)
	hash := hex.EncodeToString(chainhash.HashB(preimage))
	if expiry <= 0 {
		expiry = paidaction.DefaultInvoiceExpiry
	}

	inv := &paidaction.Invoice{
		ID:            fmt.Sprintf("%d", b.seq),
		Hash:          hash,
		Hmac:          "hmac-" + hash[:16],
		Bolt11:        fmt.Sprintf("lnbcrt%dn1mock%d", sats*10, b.seq),
		SatsRequested: sats,
		ExpiresAt:     time.Now().Add(expiry),
	}
	rec := &invoiceRecord{inv: inv, preimage: hex.EncodeToString(preimage)}
	b.invoices[inv.ID] = rec
	b.byHash[hash] = inv.ID
	b.byBolt11[inv.Bolt11] = inv.ID
	return inv.Clone()
}

// CancelInvoice cancels an unpaid invoice
func (b *Backend) CancelInvoice(ctx context.Context, hash, hmac string) (*paidaction.Invoice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cancels++
	rec, err := b.byHashLocked(hash)
	if err != nil {
		return nil, err
	}
	if rec.inv.Hmac != hmac {
		return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvalidCredentials, "bad hmac", nil)
	}
	if !rec.inv.Confirmed() && !rec.inv.Cancelled {
		now := time.Now()
		rec.inv.Cancelled = true
		rec.inv.CancelledAt = &now
	}
	return public(rec.inv), nil
}

// GetInvoice returns the invoice without its hmac
func (b *Backend) GetInvoice(ctx context.Context, id string) (*paidaction.Invoice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.gets++
	if b.GetErr != nil {
		return nil, b.GetErr
	}
	rec, ok := b.invoices[id]
	if !ok {
		return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvoiceNotFound, "no invoice "+id, nil)
	}
	b.expireLocked(rec)
	return public(rec.inv), nil
}

// RetryInvoice cancels inv and issues a replacement for the same amount
func (b *Backend) RetryInvoice(ctx context.Context, inv *paidaction.Invoice) (*paidaction.Invoice, error) {
	if _, err := b.CancelInvoice(ctx, inv.Hash, inv.Hmac); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates++
	rec, err := b.byHashLocked(inv.Hash)
	if err != nil {
		return nil, err
	}
	return b.createLocked(rec.inv.SatsRequested, time.Until(rec.inv.ExpiresAt)), nil
}

// ============================================================================
// Test controls
// ============================================================================

// Pay simulates a payer settling the invoice with this bolt11 and returns the preimage
func (b *Backend) Pay(bolt11 string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.byBolt11[bolt11]
	if !ok {
		return "", fmt.Errorf("unknown payment request %s", bolt11)
	}
	rec := b.invoices[id]
	b.expireLocked(rec)
	if rec.inv.Cancelled {
		return "", errors.New("invoice is cancelled")
	}

	rec.payments++
	rec.inv.SatsReceived += rec.inv.SatsRequested
	if b.Held {
		rec.inv.IsHeld = true
	} else if rec.inv.ConfirmedAt == nil {
		now := time.Now()
		rec.inv.ConfirmedAt = &now
	}
	return rec.preimage, nil
}

// PayHash pays the invoice with this hash
func (b *Backend) PayHash(hash string) (string, error) {
	b.mu.Lock()
	id, ok := b.byHash[hash]
	var bolt11 string
	if ok {
		bolt11 = b.invoices[id].inv.Bolt11
	}
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown invoice %s", hash)
	}
	return b.Pay(bolt11)
}

// FailAction cancels the invoice because the server-side action failed
func (b *Backend) FailAction(hash, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec, err := b.byHashLocked(hash); err == nil {
		now := time.Now()
		rec.inv.Cancelled = true
		rec.inv.CancelledAt = &now
		rec.inv.ActionError = reason
	}
}

// Expire moves the invoice past its expiry
func (b *Backend) Expire(hash string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec, err := b.byHashLocked(hash); err == nil {
		rec.inv.ExpiresAt = time.Now().Add(-time.Second)
		b.expireLocked(rec)
	}
}

// Invoice returns the server-side view of the invoice with this hash
func (b *Backend) Invoice(hash string) *paidaction.Invoice {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.byHashLocked(hash)
	if err != nil {
		return nil
	}
	return rec.inv.Clone()
}

// Preimage returns the preimage of the invoice with this hash
func (b *Backend) Preimage(hash string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.byHashLocked(hash)
	if err != nil {
		return ""
	}
	return rec.preimage
}

// Payments returns how many times the invoice with this hash was paid
func (b *Backend) Payments(hash string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.byHashLocked(hash)
	if err != nil {
		return 0
	}
	return rec.payments
}

// LiveInvoices counts invoices that are neither paid nor cancelled
func (b *Backend) LiveInvoices() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, rec := range b.invoices {
		if !rec.inv.Cancelled && rec.inv.SatsReceived == 0 {
			n++
		}
	}
	return n
}

// Creates returns how many invoices were requested
func (b *Backend) Creates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creates
}

// Cancels returns how many cancellations reached the backend
func (b *Backend) Cancels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels
}

// Gets returns how many polls reached the backend
func (b *Backend) Gets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets
}

func (b *Backend) byHashLocked(hash string) (*invoiceRecord, error) {
	id, ok := b.byHash[hash]
	if !ok {
		return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvoiceNotFound, "no invoice "+hash, nil)
	}
	return b.invoices[id], nil
}

func (b *Backend) expireLocked(rec *invoiceRecord) {
	if rec.inv.Cancelled || rec.inv.SatsReceived > 0 || time.Now().Before(rec.inv.ExpiresAt) {
		return
	}
	at := rec.inv.ExpiresAt
	rec.inv.Cancelled = true
	rec.inv.CancelledAt = &at
}

func public(inv *paidaction.Invoice) *paidaction.Invoice {
	out := inv.Clone()
	out.Hmac = ""
	out.Bolt11 = ""
	return out
}

// ============================================================================
// Wallet
// ============================================================================

// Wallet pays through a Backend after Delay, or fails with Err
type Wallet struct {
	WalletName string
	Backend    *Backend
	Delay      time.Duration
	Err        error
	// FailTimes limits Err to the first sends; zero fails every send
	FailTimes int
	// BadPreimage makes the wallet report a preimage that does not match
	BadPreimage bool
	// IgnoreContext keeps paying after the send context is cancelled
	IgnoreContext bool

	mu    sync.Mutex
	sends int
}

var _ paidaction.Wallet = (*Wallet)(nil)

// Name returns the wallet name
func (w *Wallet) Name() string {
	if w.WalletName == "" {
		return "mock"
	}
	return w.WalletName
}

// SendPayment pays bolt11
func (w *Wallet) SendPayment(ctx context.Context, bolt11 string) (*paidaction.SendResult, error) {
	w.mu.Lock()
	w.sends++
	attempt := w.sends
	w.mu.Unlock()

	if w.Delay > 0 {
		timer := time.NewTimer(w.Delay)
		defer timer.Stop()
		if w.IgnoreContext {
			<-timer.C
		} else {
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if w.Err != nil && (w.FailTimes == 0 || attempt <= w.FailTimes) {
		return nil, w.Err
	}

	preimage, err := w.Backend.Pay(bolt11)
	if err != nil {
		return nil, err
	}
	if w.BadPreimage {
		preimage = hex.EncodeToString(make([]byte, 32))
	}
	return &paidaction.SendResult{Preimage: preimage}, nil
}

// Sends returns how many payments were attempted
func (w *Wallet) Sends() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sends
}

// ============================================================================
// Prompter
// ============================================================================

// Prompter records prompts and lets tests play the user
type Prompter struct {
	mu        sync.Mutex
	prompts   []*paidaction.Invoice
	walletErr []error
	dismissed chan struct{}
	closed    int

	// OnPrompt runs in its own goroutine for every prompt
	OnPrompt func(inv *paidaction.Invoice)
}

var _ paidaction.Prompter = (*Prompter)(nil)

// NewPrompter creates a prompter
func NewPrompter() *Prompter {
	return &Prompter{dismissed: make(chan struct{})}
}

// Prompt shows the invoice
func (p *Prompter) Prompt(ctx context.Context, inv *paidaction.Invoice, walletErr error) (<-chan struct{}, func()) {
	p.mu.Lock()
	p.prompts = append(p.prompts, inv.Clone())
	p.walletErr = append(p.walletErr, walletErr)
	dismissed := p.dismissed
	p.mu.Unlock()

	if p.OnPrompt != nil {
		go p.OnPrompt(inv.Clone())
	}
	return dismissed, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed++
	}
}

// Dismiss closes the current prompt as the user would
func (p *Prompter) Dismiss() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.dismissed)
	p.dismissed = make(chan struct{})
}

// Prompts returns the invoices shown so far
func (p *Prompter) Prompts() []*paidaction.Invoice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*paidaction.Invoice(nil), p.prompts...)
}

// WalletErrors returns the wallet error shown with each prompt
func (p *Prompter) WalletErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.walletErr...)
}

// Closed returns how many prompts were closed by the racer
func (p *Prompter) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ============================================================================
// Operation Runner
// ============================================================================

// Runner answers paid operations. Without a proof it returns an envelope
// with a fresh invoice for Cost sats; with a valid proof it returns Result.
type Runner struct {
	Backend *Backend
	Cost    int64
	Method  paidaction.PaymentMethod
	Result  []byte
	// Free returns results without an invoice
	Free bool
	// Err fails every call
	Err error
	// Respond overrides every other field
	Respond func(req paidaction.OperationRequest) (paidaction.Response, error)

	mu       sync.Mutex
	requests []paidaction.OperationRequest
}

var _ paidaction.OperationRunner = (*Runner)(nil)

// Execute runs the operation
func (r *Runner) Execute(ctx context.Context, req paidaction.OperationRequest) (paidaction.Response, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	if r.Respond != nil {
		return r.Respond(req)
	}
	if r.Err != nil {
		return nil, r.Err
	}

	field := req.Name
	if r.Free {
		return paidaction.Response{field: {Result: r.Result, PaymentMethod: paidaction.PaymentMethodFeeCredit}}, nil
	}

	if req.Proof != nil {
		inv := r.Backend.Invoice(req.Proof.Hash)
		if inv == nil || inv.Hmac != req.Proof.Hmac {
			return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvalidCredentials, "bad proof", nil)
		}
		if inv.SatsReceived == 0 {
			return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvoiceNotPaid, "invoice not paid", nil)
		}
		inv.Hmac = ""
		return paidaction.Response{field: {Result: r.Result, Invoice: inv}}, nil
	}

	cost := r.Cost
	if cost <= 0 {
		if sats, ok := req.Variables["sats"]; ok {
			cost = paidaction.ToInt64(sats)
		}
	}
	if cost <= 0 {
		cost = 1
	}
	inv, err := r.Backend.CreateInvoice(ctx, paidaction.CreateInvoiceRequest{AmountSats: cost})
	if err != nil {
		return nil, err
	}
	return paidaction.Response{field: {Result: r.Result, Invoice: inv, PaymentMethod: r.Method}}, nil
}

// Requests returns every request seen so far
func (r *Runner) Requests() []paidaction.OperationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]paidaction.OperationRequest(nil), r.requests...)
}
