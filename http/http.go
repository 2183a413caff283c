// Package http provides the HTTP transport to a paid-action server: an
// invoice backend and an operation runner sharing one client.
package http

// Wire paths of the paid-action server
const (
	PathInvoices      = "/invoices"
	PathInvoice       = "/invoices/:id"
	PathCancelInvoice = "/invoices/cancel"
	PathRetryInvoice  = "/invoices/:id/retry"
	PathPayInvoice    = "/invoices/pay"
	PathAction        = "/actions/:name"
)

// Headers carrying the caller identity and payment proof
const (
	HeaderActor       = "X-Actor"
	HeaderInvoiceHash = "X-Invoice-Hash"
	HeaderInvoiceHmac = "X-Invoice-Hmac"
	HeaderCallID      = "X-Call-Id"
)

// ActionRequest is the body of an action call
type ActionRequest struct {
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// CancelRequest is the body of an invoice cancellation
type CancelRequest struct {
	Hash string `json:"hash"`
	Hmac string `json:"hmac"`
}

// PayRequest asks a development server to settle an invoice as a payer would
type PayRequest struct {
	Bolt11 string `json:"bolt11"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
