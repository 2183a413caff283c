package stub_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paidaction "github.com/satsflow/paidaction"
	"github.com/satsflow/paidaction/cache"
	pahttp "github.com/satsflow/paidaction/http"
	"github.com/satsflow/paidaction/stub"
	"github.com/satsflow/paidaction/test/mocks/lnmock"
)

type harness struct {
	ledger   *stub.Ledger
	client   *pahttp.Client
	cache    *cache.MemoryCache
	prompter *lnmock.Prompter
	executor *paidaction.Executor
}

func newHarness(t *testing.T, withWallet bool) *harness {
	t.Helper()

	ledger := stub.NewLedger("test-secret")
	server := httptest.NewServer(stub.NewServer(ledger, stub.WithAPIKey("key")).Handler())
	t.Cleanup(server.Close)

	client := pahttp.NewClient(&pahttp.Config{URL: server.URL, APIKey: "key"})
	prompter := lnmock.NewPrompter()
	opts := []paidaction.RacerOption{paidaction.WithPrompter(prompter)}
	if withWallet {
		opts = append(opts, paidaction.WithWallet(stub.NewWallet(client, "")))
	}

	invoices := paidaction.NewInvoiceManager(client, paidaction.WithPollInterval(10*time.Millisecond))
	racer := paidaction.NewRacer(invoices, opts...)
	c := cache.NewMemoryCache()
	return &harness{
		ledger:   ledger,
		client:   client,
		cache:    c,
		prompter: prompter,
		executor: paidaction.NewExecutor(client, racer, paidaction.WithCache(c)),
	}
}

func tipOp(actor *paidaction.Identity, sats int64) paidaction.Operation {
	return paidaction.Operation{
		Name:      "act",
		Variables: map[string]interface{}{"id": "42", "sats": sats, "act": "TIP"},
		Actor:     actor,
	}
}

type tipResult struct {
	ID   string `json:"id"`
	Sats int64  `json:"sats"`
	Act  string `json:"act"`
}

func TestServer_RejectsMissingAPIKey(t *testing.T) {
	server := httptest.NewServer(stub.NewServer(stub.NewLedger("s"), stub.WithAPIKey("key")).Handler())
	defer server.Close()

	client := pahttp.NewClient(&pahttp.Config{URL: server.URL})
	_, err := client.CreateInvoice(context.Background(), paidaction.CreateInvoiceRequest{AmountSats: 1})

	var pe *paidaction.PaymentError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, paidaction.ErrCodeInvalidCredentials, pe.Code)
}

func TestServer_HalfProofRejected(t *testing.T) {
	server := httptest.NewServer(stub.NewServer(stub.NewLedger("s")).Handler())
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/actions/act", nil)
	require.NoError(t, err)
	req.Header.Set(pahttp.HeaderInvoiceHash, "abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_InvoiceLifecycle(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	invoices := paidaction.NewInvoiceManager(h.client, paidaction.WithPollInterval(10*time.Millisecond))

	inv, err := invoices.Create(ctx, 21)
	require.NoError(t, err)
	assert.NotEmpty(t, inv.Hmac)

	_, err = h.client.PayInvoice(ctx, inv.Bolt11)
	require.NoError(t, err)

	paid, err := invoices.WaitUntilPaid(ctx, inv, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(21), paid.SatsReceived)
	assert.Equal(t, inv.Hmac, paid.Hmac, "credentials survive polling")
}

func TestServer_AnonymousPaysPessimistically(t *testing.T) {
	h := newHarness(t, true)

	res, err := h.executor.Do(context.Background(), tipOp(nil, 10))
	require.NoError(t, err)
	assert.False(t, res.Optimistic)
	require.NotNil(t, res.Data.Invoice)
	assert.True(t, h.ledger.VerifyHmac(res.Data.Invoice.Hash, res.Data.Invoice.Hmac))
	assert.Equal(t, 1, h.ledger.Payments(res.Data.Invoice.Hash))

	var out tipResult
	require.NoError(t, res.Data.Decode(&out))
	assert.Equal(t, tipResult{ID: "42", Sats: 10, Act: "TIP"}, out)
	assert.Empty(t, h.prompter.Prompts())
}

func TestServer_IdentifiedPaysOptimistically(t *testing.T) {
	h := newHarness(t, true)
	actor := &paidaction.Identity{ID: "u1"}

	res, err := h.executor.Do(context.Background(), paidaction.InvoiceStateMods(tipOp(actor, 10)))
	require.NoError(t, err)
	assert.True(t, res.Optimistic)
	require.NoError(t, res.Wait(context.Background()))

	var out tipResult
	require.NoError(t, res.Data.Decode(&out))
	assert.Equal(t, int64(10), out.Sats)

	state, ok, err := h.cache.ReadField(context.Background(), paidaction.InvoiceObject(res.Data.Invoice.ID), "actionState")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, paidaction.ActionStatePaid, state)
}

func TestServer_CreditsSkipInvoice(t *testing.T) {
	h := newHarness(t, true)
	h.ledger.Credit("u1", 100)

	res, err := h.executor.Do(context.Background(), tipOp(&paidaction.Identity{ID: "u1"}, 10))
	require.NoError(t, err)
	assert.Nil(t, res.Data.Invoice)
	assert.Equal(t, paidaction.PaymentMethodFeeCredit, res.Data.PaymentMethod)
	assert.Equal(t, int64(90), h.ledger.Balance("u1"))

	select {
	case <-res.Settled():
	default:
		t.Fatal("credit payment should settle immediately")
	}
}

func TestServer_QRPaymentWithoutWallet(t *testing.T) {
	h := newHarness(t, false)
	h.prompter.OnPrompt = func(inv *paidaction.Invoice) {
		_, _ = h.client.PayInvoice(context.Background(), inv.Bolt11)
	}

	res, err := h.executor.Do(context.Background(), tipOp(nil, 5))
	require.NoError(t, err)
	assert.Nil(t, res.PayError())
	require.Len(t, h.prompter.Prompts(), 1)

	var noWallet *paidaction.NoAttachedWalletError
	assert.True(t, errors.As(h.prompter.WalletErrors()[0], &noWallet))
}

func TestServer_DismissCancelsInvoice(t *testing.T) {
	h := newHarness(t, false)
	h.prompter.OnPrompt = func(*paidaction.Invoice) { h.prompter.Dismiss() }

	res, err := h.executor.Do(context.Background(), tipOp(nil, 5))
	require.NoError(t, err, "a dismissed payment is a soft error")

	var canceled *paidaction.InvoiceCanceledError
	require.True(t, errors.As(res.PayError(), &canceled))

	require.Len(t, h.prompter.Prompts(), 1)
	inv := h.prompter.Prompts()[0]
	polled, err := h.ledger.GetInvoice(inv.ID)
	require.NoError(t, err)
	assert.True(t, polled.Cancelled)
}

func TestServer_ActionFailureIsHardError(t *testing.T) {
	h := newHarness(t, true)
	op := tipOp(nil, 5)
	op.Variables["fail"] = "item deleted"

	_, err := h.executor.Do(context.Background(), op)

	var canceled *paidaction.InvoiceCanceledError
	require.True(t, errors.As(err, &canceled))
	assert.Equal(t, "item deleted", canceled.ActionError)
}

func TestServer_OptimisticActionFailureReverts(t *testing.T) {
	h := newHarness(t, true)
	op := tipOp(&paidaction.Identity{ID: "u1"}, 5)
	op.Variables["fail"] = "item deleted"
	op.Optimistic = &paidaction.Effect{
		Apply: func(ctx context.Context, c paidaction.Cache) error {
			return paidaction.AddInt64(ctx, c, paidaction.ItemObject("42"), "sats", 5)
		},
		Revert: func(ctx context.Context, c paidaction.Cache) error {
			return paidaction.AddInt64(ctx, c, paidaction.ItemObject("42"), "sats", -5)
		},
	}

	res, err := h.executor.Do(context.Background(), op)
	require.NoError(t, err)
	require.True(t, res.Optimistic)

	payErr := res.Wait(context.Background())
	var canceled *paidaction.InvoiceCanceledError
	require.True(t, errors.As(payErr, &canceled))

	sats, _, err := paidaction.ReadInt64(context.Background(), h.cache, paidaction.ItemObject("42"), "sats")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sats)
}
