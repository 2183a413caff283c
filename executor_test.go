package paidaction_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paidaction "github.com/satsflow/paidaction"
	"github.com/satsflow/paidaction/cache"
	"github.com/satsflow/paidaction/test/mocks/lnmock"
)

type hookCounter struct {
	mu        sync.Mutex
	completed int
	paid      int
	payErrors []error
	order     []string
}

func (h *hookCounter) wire(op paidaction.Operation) paidaction.Operation {
	op.OnCompleted = func(paidaction.OperationContext) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.completed++
		h.order = append(h.order, "completed")
	}
	op.OnPaid = func(paidaction.PaidContext) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.paid++
		h.order = append(h.order, "paid")
	}
	op.OnPayError = func(pe paidaction.PayErrorContext) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.payErrors = append(h.payErrors, pe.Error)
		h.order = append(h.order, "payError")
	}
	return op
}

func (h *hookCounter) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed, h.paid, len(h.payErrors)
}

func itemEffect(id string, sats int64) *paidaction.Effect {
	return &paidaction.Effect{
		Apply: func(ctx context.Context, c paidaction.Cache) error {
			return paidaction.AddInt64(ctx, c, paidaction.ItemObject(id), "sats", sats)
		},
		Revert: func(ctx context.Context, c paidaction.Cache) error {
			return paidaction.AddInt64(ctx, c, paidaction.ItemObject(id), "sats", -sats)
		},
	}
}

type fixture struct {
	backend  *lnmock.Backend
	wallet   *lnmock.Wallet
	prompter *lnmock.Prompter
	runner   *lnmock.Runner
	cache    *cache.MemoryCache
	exec     *paidaction.Executor
}

func newFixture(t *testing.T, withWallet bool) *fixture {
	t.Helper()
	f := &fixture{
		backend:  lnmock.NewBackend(),
		prompter: lnmock.NewPrompter(),
		cache:    cache.NewMemoryCache(),
	}
	f.runner = &lnmock.Runner{Backend: f.backend, Cost: 10, Result: []byte(`{"id":"1"}`)}
	opts := []paidaction.RacerOption{paidaction.WithPrompter(f.prompter)}
	if withWallet {
		f.wallet = &lnmock.Wallet{Backend: f.backend}
		opts = append(opts, paidaction.WithWallet(f.wallet))
	}
	racer := paidaction.NewRacer(newManager(f.backend), opts...)
	f.exec = paidaction.NewExecutor(f.runner, racer, paidaction.WithCache(f.cache))
	return f
}

func (f *fixture) itemSats(t *testing.T, id string) int64 {
	t.Helper()
	n, _, err := paidaction.ReadInt64(context.Background(), f.cache, paidaction.ItemObject(id), "sats")
	require.NoError(t, err)
	return n
}

func waitSettled(t *testing.T, res *paidaction.Result) {
	t.Helper()
	select {
	case <-res.Settled():
	case <-time.After(2 * time.Second):
		t.Fatal("payment did not settle")
	}
}

func TestExecutor_NoInvoiceCompletesImmediately(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Free = true
	hooks := &hookCounter{}

	res, err := f.exec.Do(context.Background(), hooks.wire(paidaction.Operation{Name: "upvote"}))
	require.NoError(t, err)

	waitSettled(t, res)
	completed, paid, payErrs := hooks.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, paid)
	assert.Equal(t, 0, payErrs)
	assert.Equal(t, "upvote", res.Field)
	assert.NoError(t, res.PayError())
}

func TestExecutor_RejectsMultipleFields(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Respond = func(paidaction.OperationRequest) (paidaction.Response, error) {
		return paidaction.Response{"a": {}, "b": {}}, nil
	}

	_, err := f.exec.Do(context.Background(), paidaction.Operation{
		Name:       "upvote",
		Actor:      &paidaction.Identity{ID: "alice"},
		Optimistic: itemEffect("1", 10),
	})
	assert.ErrorIs(t, err, paidaction.ErrMultipleResults)
	assert.Equal(t, int64(0), f.itemSats(t, "1"), "provisional effect should be reverted")
}

func TestExecutor_HardErrorRevertsEffect(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Err = errors.New("validation failed")
	hooks := &hookCounter{}

	res, err := f.exec.Do(context.Background(), hooks.wire(paidaction.Operation{
		Name:       "upvote",
		Actor:      &paidaction.Identity{ID: "alice"},
		Optimistic: itemEffect("1", 10),
	}))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, int64(0), f.itemSats(t, "1"))

	completed, paid, payErrs := hooks.counts()
	assert.Zero(t, completed+paid+payErrs, "no hook runs on a hard error")
}

func TestExecutor_OptimisticPaid(t *testing.T) {
	f := newFixture(t, true)
	f.runner.Method = paidaction.PaymentMethodOptimistic
	f.wallet.Delay = 50 * time.Millisecond
	hooks := &hookCounter{}

	res, err := f.exec.Do(context.Background(), hooks.wire(paidaction.Operation{
		Name:       "act",
		Actor:      &paidaction.Identity{ID: "alice"},
		Optimistic: itemEffect("1", 10),
	}))
	require.NoError(t, err)
	assert.True(t, res.Optimistic)

	completed, paid, _ := hooks.counts()
	assert.Equal(t, 1, completed, "completed runs before payment")
	assert.Equal(t, 0, paid)
	assert.Equal(t, int64(10), f.itemSats(t, "1"), "effect is visible before payment")

	require.NoError(t, res.Wait(context.Background()))
	completed, paid, payErrs := hooks.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, paid)
	assert.Equal(t, 0, payErrs)
	assert.Equal(t, int64(10), f.itemSats(t, "1"))
	assert.Equal(t, []string{"completed", "paid"}, hooks.order)
}

func TestExecutor_OptimisticPayErrorRevertsEffect(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Method = paidaction.PaymentMethodOptimistic
	f.prompter.OnPrompt = func(*paidaction.Invoice) {
		time.Sleep(20 * time.Millisecond)
		f.prompter.Dismiss()
	}
	hooks := &hookCounter{}

	res, err := f.exec.Do(context.Background(), hooks.wire(paidaction.Operation{
		Name:       "act",
		Actor:      &paidaction.Identity{ID: "alice"},
		Optimistic: itemEffect("1", 10),
	}))
	require.NoError(t, err, "payment failures are soft")

	payErr := res.Wait(context.Background())
	var canceled *paidaction.InvoiceCanceledError
	require.ErrorAs(t, payErr, &canceled)
	assert.Equal(t, payErr, res.Wait(context.Background()), "reading the outcome twice is stable")
	assert.Equal(t, payErr, res.PayError())

	completed, paid, payErrs := hooks.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, paid)
	assert.Equal(t, 1, payErrs)
	assert.Equal(t, int64(0), f.itemSats(t, "1"), "effect rolled back")
}

func TestExecutor_OptimisticSurvivesCallerCancel(t *testing.T) {
	f := newFixture(t, true)
	f.runner.Method = paidaction.PaymentMethodOptimistic
	f.wallet.Delay = 30 * time.Millisecond
	hooks := &hookCounter{}

	ctx, cancel := context.WithCancel(context.Background())
	res, err := f.exec.Do(ctx, hooks.wire(paidaction.Operation{
		Name:  "act",
		Actor: &paidaction.Identity{ID: "alice"},
	}))
	require.NoError(t, err)
	cancel()

	require.NoError(t, res.Wait(context.Background()))
	_, paid, _ := hooks.counts()
	assert.Equal(t, 1, paid)
}

func TestExecutor_AnonymousIsPessimistic(t *testing.T) {
	f := newFixture(t, true)
	f.runner.Method = paidaction.PaymentMethodOptimistic
	hooks := &hookCounter{}

	var satsAtCompletion int64 = -1
	op := hooks.wire(paidaction.Operation{
		Name:       "act",
		Optimistic: itemEffect("1", 10),
	})
	completed := op.OnCompleted
	op.OnCompleted = func(oc paidaction.OperationContext) {
		satsAtCompletion = f.itemSats(t, "1")
		completed(oc)
	}

	res, err := f.exec.Do(context.Background(), op)
	require.NoError(t, err)
	assert.False(t, res.Optimistic)
	assert.NoError(t, res.PayError())

	completedN, paid, payErrs := hooks.counts()
	assert.Equal(t, 1, completedN)
	assert.Equal(t, 1, paid)
	assert.Equal(t, 0, payErrs)
	assert.Equal(t, int64(0), satsAtCompletion, "provisional layer is discarded for anonymous callers")

	reqs := f.runner.Requests()
	require.Len(t, reqs, 2)
	require.NotNil(t, reqs[1].Proof)
	inv := f.backend.Invoice(reqs[1].Proof.Hash)
	require.NotNil(t, inv)
	assert.Equal(t, inv.Hmac, reqs[1].Proof.Hmac)
	assert.Equal(t, reqs[0].CallID, reqs[1].CallID)
	assert.Equal(t, inv.Hmac, res.Data.Invoice.Hmac, "hmac preserved on the final result")
}

func TestExecutor_ForceWaitForPayment(t *testing.T) {
	f := newFixture(t, true)
	f.runner.Method = paidaction.PaymentMethodOptimistic
	hooks := &hookCounter{}

	res, err := f.exec.Do(context.Background(), hooks.wire(paidaction.Operation{
		Name:                "act",
		Actor:               &paidaction.Identity{ID: "alice"},
		ForceWaitForPayment: true,
	}))
	require.NoError(t, err)
	assert.False(t, res.Optimistic)
	_, paid, _ := hooks.counts()
	assert.Equal(t, 1, paid, "paid before Do returns")
	assert.Len(t, f.runner.Requests(), 2)
}

func TestExecutor_ActionErrorIsHardError(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Respond = func(req paidaction.OperationRequest) (paidaction.Response, error) {
		inv, err := f.backend.CreateInvoice(context.Background(), paidaction.CreateInvoiceRequest{AmountSats: 10})
		if err != nil {
			return nil, err
		}
		f.backend.FailAction(inv.Hash, "item is deleted")
		return paidaction.Response{"act": {Invoice: inv}}, nil
	}
	hooks := &hookCounter{}

	res, err := f.exec.Do(context.Background(), hooks.wire(paidaction.Operation{Name: "act"}))
	var canceled *paidaction.InvoiceCanceledError
	require.ErrorAs(t, err, &canceled)
	assert.Equal(t, "item is deleted", canceled.ActionError)
	require.NotNil(t, res)
	assert.ErrorAs(t, res.PayError(), &canceled)

	completed, paid, payErrs := hooks.counts()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 0, paid)
	assert.Equal(t, 1, payErrs)
}

func TestExecutor_PessimisticRetryUsesNewProof(t *testing.T) {
	f := newFixture(t, true)
	f.wallet.Err = errors.New("route not found")
	f.prompter.OnPrompt = func(inv *paidaction.Invoice) {
		_, _ = f.backend.Pay(inv.Bolt11)
	}

	_, err := f.exec.Do(context.Background(), paidaction.Operation{Name: "act"})
	require.NoError(t, err)

	reqs := f.runner.Requests()
	require.Len(t, reqs, 2)
	proof := reqs[1].Proof
	require.NotNil(t, proof)
	assert.Equal(t, 1, f.backend.Payments(proof.Hash))
	assert.Equal(t, f.prompter.Prompts()[0].Hash, proof.Hash)
	assert.Equal(t, 0, f.backend.LiveInvoices(), "only the retried invoice was live and it is paid")
}

func TestExecutor_InvoiceStateMods(t *testing.T) {
	f := newFixture(t, true)
	f.runner.Method = paidaction.PaymentMethodOptimistic

	res, err := f.exec.Do(context.Background(), paidaction.InvoiceStateMods(paidaction.Operation{
		Name:  "act",
		Actor: &paidaction.Identity{ID: "alice"},
	}))
	require.NoError(t, err)
	require.NoError(t, res.Wait(context.Background()))

	state := f.cache.Snapshot(paidaction.InvoiceObject(res.Data.Invoice.ID))
	assert.Equal(t, paidaction.ActionStatePaid, state["actionState"])
	assert.Equal(t, int64(10), paidaction.ToInt64(state["satsReceived"]))
	assert.NotEmpty(t, state["confirmedAt"])
}

func TestExecutor_InvoiceStateModsOnFailure(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Method = paidaction.PaymentMethodOptimistic
	f.prompter.OnPrompt = func(*paidaction.Invoice) { f.prompter.Dismiss() }

	res, err := f.exec.Do(context.Background(), paidaction.InvoiceStateMods(paidaction.Operation{
		Name:  "act",
		Actor: &paidaction.Identity{ID: "alice"},
	}))
	require.NoError(t, err)
	require.Error(t, res.Wait(context.Background()))

	state := f.cache.Snapshot(paidaction.InvoiceObject(res.Data.Invoice.ID))
	assert.Equal(t, paidaction.ActionStateFailed, state["actionState"])
}
