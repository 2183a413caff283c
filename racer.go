package paidaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultEscalateAfter is how long the wallet channel may run before the
	// QR channel is offered as well
	DefaultEscalateAfter = time.Second

	// DefaultWalletSendTimeout bounds a single wallet send
	DefaultWalletSendTimeout = 60 * time.Second

	// DefaultPaymentCacheTTL is how long paid invoices are remembered
	DefaultPaymentCacheTTL = 10 * time.Minute

	// maxReceiverRetries bounds how often one wallet is retried after
	// failures on the receiving side
	maxReceiverRetries = 2
)

// Racer settles an invoice through the attached wallets in order, falling
// back to a manual QR payment when no wallet is attached, the wallets are too
// slow or all of them failed.
//
// A wallet send that completes after the QR channel has already won is a
// real second payment. The racer stops waiting on the wallet once the QR
// channel is up but it cannot recall a payment in flight.
type Racer struct {
	invoices      *InvoiceManager
	wallets       []Wallet
	prompter      Prompter
	payments      *PaymentCache
	escalateAfter time.Duration
	sendTimeout   time.Duration
	observers     []PaymentObserver
	logger        *zap.Logger
}

// RacerOption configures the racer
type RacerOption func(*Racer)

// WithWallet attaches a wallet for automatic payments. Wallets are tried in
// the order they were attached.
func WithWallet(wallet Wallet) RacerOption {
	return WithWallets(wallet)
}

// WithWallets attaches wallets in priority order
func WithWallets(wallets ...Wallet) RacerOption {
	return func(r *Racer) {
		for _, w := range wallets {
			if w != nil {
				r.wallets = append(r.wallets, w)
			}
		}
	}
}

// WithPrompter sets how invoices are presented for manual payment
func WithPrompter(prompter Prompter) RacerOption {
	return func(r *Racer) {
		r.prompter = prompter
	}
}

// WithEscalateAfter sets how long the wallet may take before the QR channel
// is offered. Zero waits for the wallet to succeed or fail.
func WithEscalateAfter(d time.Duration) RacerOption {
	return func(r *Racer) {
		if d >= 0 {
			r.escalateAfter = d
		}
	}
}

// WithWalletSendTimeout bounds a single wallet send
func WithWalletSendTimeout(d time.Duration) RacerOption {
	return func(r *Racer) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// WithPaymentCache shares a payment cache between racers
func WithPaymentCache(cache *PaymentCache) RacerOption {
	return func(r *Racer) {
		if cache != nil {
			r.payments = cache
		}
	}
}

// WithPaymentObserver registers an observer for payment events
func WithPaymentObserver(observer PaymentObserver) RacerOption {
	return func(r *Racer) {
		if observer != nil {
			r.observers = append(r.observers, observer)
		}
	}
}

// WithRacerLogger sets the logger
func WithRacerLogger(logger *zap.Logger) RacerOption {
	return func(r *Racer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRacer creates a payment racer
func NewRacer(invoices *InvoiceManager, opts ...RacerOption) *Racer {
	r := &Racer{
		invoices:      invoices,
		payments:      NewPaymentCache(DefaultPaymentCacheTTL),
		escalateAfter: DefaultEscalateAfter,
		sendTimeout:   DefaultWalletSendTimeout,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoices returns the invoice manager the racer polls with
func (r *Racer) Invoices() *InvoiceManager {
	return r.invoices
}

// PayOptions tunes a single payment
type PayOptions struct {
	// WaitFor decides when the invoice counts as paid. Defaults to PaidPredicate.
	WaitFor InvoicePredicate

	// OnRetry is called when the invoice was replaced after a failed wallet payment
	OnRetry func(old, next *Invoice)
}

type waitResult struct {
	inv *Invoice
	err error
}

// Pay settles inv and returns the paid invoice. It may be a different
// invoice than inv when the wallet failed and the invoice was retried.
func (r *Racer) Pay(ctx context.Context, inv *Invoice, opts PayOptions) (*Invoice, error) {
	if inv == nil {
		return nil, errors.New("invoice is required")
	}

	status, paid, done := r.payments.CheckAndMark(inv.Hash)
	switch status {
	case StatusPaid:
		return paid, nil
	case StatusInFlight:
		paid, err := r.payments.WaitForResult(ctx, inv.Hash, done)
		if err != nil {
			return nil, err
		}
		if paid != nil {
			return paid, nil
		}
		// the other race failed, run our own
		return r.Pay(ctx, inv, opts)
	}

	paid, err := r.race(ctx, inv, opts)
	if err != nil {
		r.payments.Fail(inv.Hash, done)
		return nil, err
	}
	r.payments.Complete(inv.Hash, paid, done)
	return paid, nil
}

func (r *Racer) race(ctx context.Context, inv *Invoice, opts PayOptions) (*Invoice, error) {
	waitFor := opts.WaitFor
	if waitFor == nil {
		waitFor = PaidPredicate
	}

	// Wallet sends outlive the wallet channel so a slow wallet can still
	// settle the invoice the QR channel is watching.
	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()

	var escalate <-chan time.Time
	if r.escalateAfter > 0 && len(r.wallets) > 0 {
		timer := time.NewTimer(r.escalateAfter)
		defer timer.Stop()
		escalate = timer.C
	}

	var walletErr error = &NoAttachedWalletError{}
	receiverRetries := 0
	for i := 0; i < len(r.wallets); i++ {
		paid, err := r.payWithWallet(ctx, sendCtx, r.wallets[i], inv, waitFor, escalate)
		if err == nil {
			return paid, nil
		}
		walletErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if IsTerminalInvoiceError(err) {
			r.emit(PaymentEvent{Kind: EventFailed, Channel: ChannelWallet, Hash: inv.Hash, Sats: inv.SatsRequested, Err: err})
			return nil, err
		}

		var attempted *WalletPaymentError
		if !errors.As(err, &attempted) {
			// too slow, the QR channel watches the same invoice
			break
		}
		if errors.Is(err, ErrReceiverFailed) && receiverRetries < maxReceiverRetries {
			receiverRetries++
			i--
			r.logger.Info("receiver failed, retrying wallet with a new invoice",
				zap.String("wallet", attempted.Wallet), zap.String("invoice_hash", inv.Hash))
		} else {
			receiverRetries = 0
		}

		// a late payment must not land on the invoice the wallet gave up on
		next, err := r.invoices.Retry(ctx, inv)
		if err != nil {
			return nil, fmt.Errorf("after %v: %w", walletErr, err)
		}
		r.emit(PaymentEvent{Kind: EventRetried, Channel: ChannelWallet, Wallet: attempted.Wallet, Hash: next.Hash, Sats: next.SatsRequested, Err: walletErr})
		if opts.OnRetry != nil {
			opts.OnRetry(inv, next)
		}
		inv = next
	}

	var noWallet *NoAttachedWalletError
	if !errors.As(walletErr, &noWallet) {
		r.logger.Info("escalating to qr payment",
			zap.String("invoice_hash", inv.Hash), zap.Error(walletErr))
		r.emit(PaymentEvent{Kind: EventEscalated, Channel: ChannelQR, Hash: inv.Hash, Sats: inv.SatsRequested, Err: walletErr})
	}
	return r.payWithQR(ctx, inv, walletErr, waitFor)
}

func (r *Racer) payWithWallet(ctx, sendCtx context.Context, wallet Wallet, inv *Invoice, waitFor InvoicePredicate, escalate <-chan time.Time) (*Invoice, error) {
	name := wallet.Name()
	r.emit(PaymentEvent{Kind: EventAttempt, Channel: ChannelWallet, Wallet: name, Hash: inv.Hash, Sats: inv.SatsRequested})

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()

	sent := make(chan error, 1)
	go r.send(sendCtx, wallet, inv, sent)

	paid := make(chan waitResult, 1)
	go func() {
		p, err := r.invoices.WaitUntilPaid(waitCtx, inv, waitFor)
		paid <- waitResult{inv: p, err: err}
	}()

	for {
		select {
		case res := <-paid:
			if res.err != nil {
				return nil, res.err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.emit(PaymentEvent{Kind: EventPaid, Channel: ChannelWallet, Wallet: name, Hash: inv.Hash, Sats: res.inv.SatsReceived})
			return res.inv, nil
		case err := <-sent:
			if err != nil {
				return nil, err
			}
			// a successful send is not authoritative, keep waiting for the server
			sent = nil
		case <-escalate:
			return nil, &WalletTimeoutError{Wallet: name, Hash: inv.Hash}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Racer) send(ctx context.Context, wallet Wallet, inv *Invoice, out chan<- error) {
	name := wallet.Name()
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	res, err := wallet.SendPayment(sendCtx, inv.Bolt11)
	if err != nil {
		if ctx.Err() == nil {
			r.emit(PaymentEvent{Kind: EventFailed, Channel: ChannelWallet, Wallet: name, Hash: inv.Hash, Sats: inv.SatsRequested, Err: err})
		}
		out <- &WalletPaymentError{Wallet: name, Hash: inv.Hash, Reason: err}
		return
	}

	r.emit(PaymentEvent{Kind: EventSent, Channel: ChannelWallet, Wallet: name, Hash: inv.Hash, Sats: inv.SatsRequested})
	if res != nil && res.Preimage != "" {
		if err := VerifyPreimage(inv.Hash, res.Preimage); err != nil {
			r.logger.Warn("wallet returned invalid preimage",
				zap.String("wallet", name), zap.String("invoice_hash", inv.Hash), zap.Error(err))
		}
	}
	out <- nil
}

func (r *Racer) payWithQR(ctx context.Context, inv *Invoice, walletErr error, waitFor InvoicePredicate) (*Invoice, error) {
	r.emit(PaymentEvent{Kind: EventAttempt, Channel: ChannelQR, Hash: inv.Hash, Sats: inv.SatsRequested})

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()

	var dismissed <-chan struct{}
	if r.prompter != nil {
		d, done := r.prompter.Prompt(ctx, inv, walletErr)
		dismissed = d
		if done != nil {
			defer done()
		}
	}

	paid := make(chan waitResult, 1)
	go func() {
		p, err := r.invoices.WaitUntilPaid(waitCtx, inv, waitFor)
		paid <- waitResult{inv: p, err: err}
	}()

	select {
	case res := <-paid:
		if res.err != nil {
			r.emit(PaymentEvent{Kind: EventFailed, Channel: ChannelQR, Hash: inv.Hash, Sats: inv.SatsRequested, Err: res.err})
			return nil, res.err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.emit(PaymentEvent{Kind: EventPaid, Channel: ChannelQR, Hash: inv.Hash, Sats: res.inv.SatsReceived})
		return res.inv, nil
	case <-dismissed:
		stopWaiting()
		if res := <-paid; res.err == nil && res.inv != nil && waitFor(res.inv) {
			r.emit(PaymentEvent{Kind: EventPaid, Channel: ChannelQR, Hash: inv.Hash, Sats: res.inv.SatsReceived})
			return res.inv, nil
		}
		if err := r.invoices.Cancel(context.WithoutCancel(ctx), inv); err != nil {
			r.logger.Warn("failed to cancel dismissed invoice",
				zap.String("invoice_hash", inv.Hash), zap.Error(err))
		}
		r.emit(PaymentEvent{Kind: EventCanceled, Channel: ChannelQR, Hash: inv.Hash, Sats: inv.SatsRequested})
		return nil, &InvoiceCanceledError{Hash: inv.Hash}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Racer) emit(event PaymentEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, o := range r.observers {
		o.OnPaymentEvent(event)
	}
}
