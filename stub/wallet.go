package stub

import (
	"context"

	paidaction "github.com/satsflow/paidaction"
	pahttp "github.com/satsflow/paidaction/http"
)

// Wallet pays stub invoices through the server's payer route
type Wallet struct {
	client *pahttp.Client
	name   string
}

var _ paidaction.Wallet = (*Wallet)(nil)

// NewWallet creates a wallet paying through client
func NewWallet(client *pahttp.Client, name string) *Wallet {
	if name == "" {
		name = "stub"
	}
	return &Wallet{client: client, name: name}
}

// Name returns the wallet name
func (w *Wallet) Name() string {
	return w.name
}

// SendPayment pays bolt11
func (w *Wallet) SendPayment(ctx context.Context, bolt11 string) (*paidaction.SendResult, error) {
	return w.client.PayInvoice(ctx, bolt11)
}
