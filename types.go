package paidaction

import (
	"encoding/json"
	"time"
)

// ObjectID identifies a normalized object in the client cache, e.g. "Item:42"
type ObjectID string

// ItemObject returns the cache identity of a content item
func ItemObject(id string) ObjectID {
	return ObjectID("Item:" + id)
}

// UserObject returns the cache identity of a user
func UserObject(id string) ObjectID {
	return ObjectID("User:" + id)
}

// InvoiceObject returns the cache identity of an invoice
func InvoiceObject(id string) ObjectID {
	return ObjectID("Invoice:" + id)
}

// Identity is the acting user at the moment an action was initiated.
// A nil *Identity means an anonymous caller.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// TipDefault is the base amount used when pricing the first tip on an item
	TipDefault int64 `json:"tipDefault,omitempty"`
	// TurboTipping doubles the running total instead of adding TipDefault
	TurboTipping bool `json:"turboTipping,omitempty"`
}

// ============================================================================
// Invoice
// ============================================================================

// Invoice is a Lightning payment request issued by the server
type Invoice struct {
	ID            string     `json:"id"`
	Hash          string     `json:"hash"`
	Hmac          string     `json:"hmac,omitempty"`
	Bolt11        string     `json:"bolt11,omitempty"`
	SatsRequested int64      `json:"satsRequested"`
	SatsReceived  int64      `json:"satsReceived"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	ConfirmedAt   *time.Time `json:"confirmedAt,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`
	Cancelled     bool       `json:"cancelled"`
	IsHeld        bool       `json:"isHeld"`
	ActionError   string     `json:"actionError,omitempty"`
}

// Confirmed reports whether the server has confirmed the payment
func (i *Invoice) Confirmed() bool {
	return i.ConfirmedAt != nil
}

// Expired reports whether the invoice was cancelled at or after its expiry
func (i *Invoice) Expired() bool {
	if !i.Cancelled || i.CancelledAt == nil || i.ExpiresAt.IsZero() {
		return false
	}
	return !i.CancelledAt.Before(i.ExpiresAt)
}

// Terminal reports whether the invoice can no longer change state
func (i *Invoice) Terminal() bool {
	return i.Confirmed() || i.Cancelled
}

// Clone returns a deep copy of the invoice
func (i *Invoice) Clone() *Invoice {
	if i == nil {
		return nil
	}
	c := *i
	if i.ConfirmedAt != nil {
		t := *i.ConfirmedAt
		c.ConfirmedAt = &t
	}
	if i.CancelledAt != nil {
		t := *i.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}

// merge folds a poll result into the snapshot. Credentials and the
// payment request are only returned on creation, so they are kept.
func (i *Invoice) merge(polled *Invoice) *Invoice {
	out := polled.Clone()
	if out.Hash == "" {
		out.Hash = i.Hash
	}
	if out.Hmac == "" {
		out.Hmac = i.Hmac
	}
	if out.Bolt11 == "" {
		out.Bolt11 = i.Bolt11
	}
	if out.ID == "" {
		out.ID = i.ID
	}
	if out.SatsRequested == 0 {
		out.SatsRequested = i.SatsRequested
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = i.ExpiresAt
	}
	return out
}

// InvoicePredicate decides when a polled invoice counts as paid
type InvoicePredicate func(inv *Invoice) bool

// PaidPredicate is the default wait condition: any sats received
func PaidPredicate(inv *Invoice) bool {
	return inv.SatsReceived > 0
}

// HeldPredicate waits for a held (JIT) invoice to be captured by the server
func HeldPredicate(inv *Invoice) bool {
	return inv.IsHeld && inv.SatsReceived > 0
}

// ============================================================================
// Paid operation results
// ============================================================================

// PaymentMethod is the server's hint on how a paid action should be settled
type PaymentMethod string

const (
	// PaymentMethodOptimistic allows the client to apply effects before payment
	PaymentMethodOptimistic PaymentMethod = "OPTIMISTIC"
	// PaymentMethodPessimistic requires payment before effects are applied
	PaymentMethodPessimistic PaymentMethod = "PESSIMISTIC"
	// PaymentMethodFeeCredit means the action was paid from custodial credits
	PaymentMethodFeeCredit PaymentMethod = "FEE_CREDIT"
)

// Envelope is the single top-level field of a paid operation response
type Envelope struct {
	Result        json.RawMessage `json:"result,omitempty"`
	Invoice       *Invoice        `json:"invoice,omitempty"`
	PaymentMethod PaymentMethod   `json:"paymentMethod,omitempty"`
}

// Decode unmarshals the result payload into v
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Result) == 0 {
		return nil
	}
	return json.Unmarshal(e.Result, v)
}

// Response maps the operation's field name to its envelope
type Response map[string]*Envelope

// single returns the only field of the response
func (r Response) single() (string, *Envelope, error) {
	if len(r) != 1 {
		return "", nil, ErrMultipleResults
	}
	for field, env := range r {
		if env == nil {
			env = &Envelope{}
		}
		return field, env, nil
	}
	return "", nil, ErrMultipleResults
}

// PaymentProof authorises the server to finalize a paid operation
type PaymentProof struct {
	Hash string `json:"hash"`
	Hmac string `json:"hmac"`
}

// OperationRequest is one execution of a paid server operation
type OperationRequest struct {
	Name      string                 `json:"name"`
	Variables map[string]interface{} `json:"variables,omitempty"`
	Proof     *PaymentProof          `json:"proof,omitempty"`
	CallID    string                 `json:"callId,omitempty"`
	Actor     *Identity              `json:"-"`
}

// CreateInvoiceRequest asks the server for a new invoice
type CreateInvoiceRequest struct {
	AmountSats    int64 `json:"amountSats"`
	ExpireSeconds int   `json:"expireSeconds"`
}

// SendResult is what a wallet reports after sending a payment
type SendResult struct {
	Preimage string `json:"preimage,omitempty"`
}
