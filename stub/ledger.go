package stub

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	paidaction "github.com/satsflow/paidaction"
)

// MaxInvoiceSats is the largest invoice the ledger issues
const MaxInvoiceSats int64 = 1_000_000

// pendingAction is a server-side action waiting on its invoice
type pendingAction struct {
	name   string
	actor  string
	result json.RawMessage
	// failWith makes the action fail once its invoice is paid
	failWith string
}

type record struct {
	inv      paidaction.Invoice
	preimage string
	payments int
	action   *pendingAction
}

// Ledger is the in-memory state of the stub server: invoices, the actions
// attached to them and custodial balances.
type Ledger struct {
	secret []byte
	now    func() time.Time

	mu       sync.Mutex
	invoices map[string]*record
	byHash   map[string]string
	byBolt11 map[string]string
	balances map[string]int64
}

// NewLedger creates an empty ledger signing invoice credentials with secret
func NewLedger(secret string) *Ledger {
	return &Ledger{
		secret:   []byte(secret),
		now:      time.Now,
		invoices: make(map[string]*record),
		byHash:   make(map[string]string),
		byBolt11: make(map[string]string),
		balances: make(map[string]int64),
	}
}

// Sign returns the hmac credential for a payment hash
func (l *Ledger) Sign(hash string) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHmac checks a credential issued by Sign
func (l *Ledger) VerifyHmac(hash, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(hash))
	return hmac.Equal(mac.Sum(nil), sig)
}

// Credit adds sats to the custodial balance of actor
func (l *Ledger) Credit(actor string, sats int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[actor] += sats
}

// Balance returns the custodial balance of actor
func (l *Ledger) Balance(actor string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[actor]
}

// ============================================================================
// Invoices
// ============================================================================

// CreateInvoice issues an invoice including its credentials
func (l *Ledger) CreateInvoice(sats int64, expiry time.Duration) (*paidaction.Invoice, error) {
	if err := checkAmount(sats); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.createLocked(sats, expiry, nil), nil
}

func (l *Ledger) createLocked(sats int64, expiry time.Duration, action *pendingAction) *paidaction.Invoice {
	preimage := make([]byte, 32)
	_, _ = rand.Read(preimage)
	hash := hex.EncodeToString(chainhash.HashB(preimage))
	if expiry <= 0 {
		expiry = paidaction.DefaultInvoiceExpiry
	}

	id := uuid.NewString()
	rec := &record{
		inv: paidaction.Invoice{
			ID:            id,
			Hash:          hash,
			Hmac:          l.Sign(hash),
			Bolt11:        fmt.Sprintf("lnbcrt%dn1stub%s", sats*10, hash[:20]),
			SatsRequested: sats,
			ExpiresAt:     l.now().Add(expiry).UTC(),
		},
		preimage: hex.EncodeToString(preimage),
		action:   action,
	}
	l.invoices[id] = rec
	l.byHash[hash] = id
	l.byBolt11[rec.inv.Bolt11] = id
	return rec.inv.Clone()
}

// GetInvoice returns the public view of an invoice, without credentials
func (l *Ledger) GetInvoice(id string) (*paidaction.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.invoices[id]
	if !ok {
		return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvoiceNotFound, "no invoice "+id, nil)
	}
	l.expireLocked(rec)
	return public(&rec.inv), nil
}

// CancelInvoice cancels an unpaid invoice authorised by its hmac.
// Cancelling a settled or cancelled invoice returns it unchanged.
func (l *Ledger) CancelInvoice(hash, hmacSig string) (*paidaction.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.authorizedLocked(hash, hmacSig)
	if err != nil {
		return nil, err
	}
	l.expireLocked(rec)
	l.cancelLocked(rec, "")
	return public(&rec.inv), nil
}

// RetryInvoice cancels the invoice and issues a replacement for the same
// amount. A pending action moves to the new invoice.
func (l *Ledger) RetryInvoice(id, hash, hmacSig string) (*paidaction.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.authorizedLocked(hash, hmacSig)
	if err != nil {
		return nil, err
	}
	if rec.inv.ID != id {
		return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvalidRequest, "invoice id does not match hash", nil)
	}
	if rec.inv.SatsReceived > 0 {
		return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvoiceTerminal, "invoice already paid", nil)
	}

	l.cancelLocked(rec, "")
	action := rec.action
	rec.action = nil
	return l.createLocked(rec.inv.SatsRequested, paidaction.DefaultInvoiceExpiry, action), nil
}

// PayInvoice settles the invoice with this payment request as an external
// payer would and returns the preimage. Paying an invoice twice is
// recorded as a second payment.
func (l *Ledger) PayInvoice(bolt11 string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.byBolt11[bolt11]
	if !ok {
		return "", paidaction.NewPaymentError(paidaction.ErrCodeInvoiceNotFound, "unknown payment request", nil)
	}
	rec := l.invoices[id]
	l.expireLocked(rec)
	if rec.inv.Cancelled {
		return "", paidaction.NewPaymentError(paidaction.ErrCodeInvoiceTerminal, "invoice is cancelled", nil)
	}

	rec.payments++
	rec.inv.SatsReceived += rec.inv.SatsRequested
	if rec.action != nil && rec.action.failWith != "" {
		// the action runs on payment; a failure refunds and cancels
		l.cancelLocked(rec, rec.action.failWith)
		return rec.preimage, nil
	}
	if rec.inv.ConfirmedAt == nil {
		now := l.now().UTC()
		rec.inv.ConfirmedAt = &now
	}
	return rec.preimage, nil
}

// Payments returns how many times the invoice with this hash was paid
func (l *Ledger) Payments(hash string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.byHash[hash]; ok {
		return l.invoices[id].payments
	}
	return 0
}

// ============================================================================
// Actions
// ============================================================================

// ActionRequest is one call of a paid action as the server sees it
type ActionRequest struct {
	Name      string
	Variables map[string]interface{}
	Actor     string
	Proof     *paidaction.PaymentProof
}

// Perform runs a paid action. Without a proof the action is paid from the
// actor's credits when the balance covers it, otherwise an invoice is
// attached. With a proof the result of the paid action is returned.
func (l *Ledger) Perform(req ActionRequest) (*paidaction.Envelope, error) {
	if req.Name == "" {
		return nil, paidaction.NewPaymentError(paidaction.ErrCodeUnknownAction, "action name is required", nil)
	}
	if req.Proof != nil {
		return l.finalize(req)
	}

	cost := int64(1)
	if v, ok := req.Variables["sats"]; ok {
		cost = paidaction.ToInt64(v)
	}
	if err := checkAmount(cost); err != nil {
		return nil, err
	}

	result, err := json.Marshal(actionResult(req, cost))
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if req.Actor != "" && l.balances[req.Actor] >= cost {
		l.balances[req.Actor] -= cost
		return &paidaction.Envelope{Result: result, PaymentMethod: paidaction.PaymentMethodFeeCredit}, nil
	}

	action := &pendingAction{name: req.Name, actor: req.Actor, result: result}
	if reason, ok := req.Variables["fail"].(string); ok {
		action.failWith = reason
	}
	inv := l.createLocked(cost, paidaction.DefaultInvoiceExpiry, action)

	method := paidaction.PaymentMethodPessimistic
	if req.Actor != "" {
		method = paidaction.PaymentMethodOptimistic
		// optimistic results are returned right away
		return &paidaction.Envelope{Result: result, Invoice: inv, PaymentMethod: method}, nil
	}
	return &paidaction.Envelope{Invoice: inv, PaymentMethod: method}, nil
}

func (l *Ledger) finalize(req ActionRequest) (*paidaction.Envelope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.authorizedLocked(req.Proof.Hash, req.Proof.Hmac)
	if err != nil {
		return nil, err
	}
	if rec.action == nil || rec.action.name != req.Name {
		return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvalidRequest, "invoice does not pay for "+req.Name, nil)
	}
	if rec.action.actor != req.Actor {
		return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvalidCredentials, "invoice belongs to another actor", nil)
	}
	if rec.inv.Cancelled {
		return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvoiceTerminal, "invoice is cancelled", map[string]interface{}{
			"actionError": rec.inv.ActionError,
		})
	}
	if rec.inv.SatsReceived == 0 {
		return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvoiceNotPaid, "invoice not paid", nil)
	}
	return &paidaction.Envelope{Result: rec.action.result, Invoice: public(&rec.inv), PaymentMethod: paidaction.PaymentMethodPessimistic}, nil
}

func actionResult(req ActionRequest, cost int64) map[string]interface{} {
	out := map[string]interface{}{"sats": cost}
	for _, k := range []string{"id", "act"} {
		if v, ok := req.Variables[k]; ok {
			out[k] = v
		}
	}
	return out
}

// ============================================================================
// Helpers
// ============================================================================

func (l *Ledger) authorizedLocked(hash, hmacSig string) (*record, error) {
	if hash == "" || hmacSig == "" {
		return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvalidRequest, "hash and hmac are required", nil)
	}
	id, ok := l.byHash[hash]
	if !ok {
		return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvoiceNotFound, "no invoice "+hash, nil)
	}
	if !l.VerifyHmac(hash, hmacSig) {
		return nil, paidaction.NewPaymentError(paidaction.ErrCodeInvalidCredentials, "hmac mismatch", nil)
	}
	return l.invoices[id], nil
}

func (l *Ledger) cancelLocked(rec *record, actionError string) {
	if rec.inv.Cancelled || rec.inv.ConfirmedAt != nil {
		return
	}
	now := l.now().UTC()
	rec.inv.Cancelled = true
	rec.inv.CancelledAt = &now
	rec.inv.ActionError = actionError
}

func (l *Ledger) expireLocked(rec *record) {
	if rec.inv.Cancelled || rec.inv.SatsReceived > 0 || l.now().Before(rec.inv.ExpiresAt) {
		return
	}
	at := rec.inv.ExpiresAt
	rec.inv.Cancelled = true
	rec.inv.CancelledAt = &at
}

func checkAmount(sats int64) error {
	if sats <= 0 {
		return paidaction.NewPaymentError(paidaction.ErrCodeInvalidRequest, "amount must be positive", nil)
	}
	if sats > MaxInvoiceSats {
		return paidaction.NewPaymentError(paidaction.ErrCodeAmountTooLarge,
			fmt.Sprintf("amount exceeds %s", paidaction.FormatSats(MaxInvoiceSats)), nil)
	}
	return nil
}

func public(inv *paidaction.Invoice) *paidaction.Invoice {
	out := inv.Clone()
	out.Hmac = ""
	out.Bolt11 = ""
	return out
}
