package paidaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Effect is a reversible change to the cache applied before the server
// has confirmed an operation
type Effect struct {
	Apply  func(ctx context.Context, c Cache) error
	Revert func(ctx context.Context, c Cache) error
}

// Operation describes one paid server operation and its cache hooks
type Operation struct {
	Name      string
	Variables map[string]interface{}

	// Actor is the identified caller, nil for anonymous callers.
	// Only identified callers are eligible for optimistic execution.
	Actor *Identity

	// Optimistic is applied provisionally before the server call and
	// reverted if the call turns out to be pessimistic or fails outright
	Optimistic *Effect

	// ForceWaitForPayment disables optimistic execution
	ForceWaitForPayment bool

	// WaitFor decides when the embedded invoice counts as paid
	WaitFor InvoicePredicate

	OnCompleted CompletedHook
	OnPaid      PaidHook
	OnPayError  PayErrorHook
}

// Result is the outcome of Executor.Do. In optimistic mode the payment is
// still running when Do returns; PayError is set once Settled is closed.
type Result struct {
	CallID     string
	Field      string
	Data       *Envelope
	Optimistic bool

	settled chan struct{}
	mu      sync.Mutex
	payErr  error
}

// PayError returns the soft payment error, if any
func (r *Result) PayError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payErr
}

// Settled is closed once payment has succeeded or failed
func (r *Result) Settled() <-chan struct{} {
	return r.settled
}

// Wait blocks until payment settles and returns the soft payment error
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.settled:
		return r.PayError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Result) setPayError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payErr = err
}

// Executor runs paid operations, applying their cache effects before
// (optimistic) or after (pessimistic) the embedded invoice is paid
type Executor struct {
	runner OperationRunner
	racer  *Racer
	cache  Cache
	logger *zap.Logger
	wg     sync.WaitGroup
}

// ExecutorOption configures the executor
type ExecutorOption func(*Executor)

// WithCache sets the cache passed to operation hooks and effects
func WithCache(cache Cache) ExecutorOption {
	return func(e *Executor) {
		e.cache = cache
	}
}

// WithExecutorLogger sets the logger
func WithExecutorLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor creates an executor
func NewExecutor(runner OperationRunner, racer *Racer, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runner: runner,
		racer:  racer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cache returns the cache hooks receive
func (e *Executor) Cache() Cache {
	return e.cache
}

// Wait blocks until every detached optimistic payment has settled
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Do runs op. The returned error is the hard error of the operation;
// payment failures are reported through Result.PayError and OnPayError.
func (e *Executor) Do(ctx context.Context, op Operation) (*Result, error) {
	callID := uuid.NewString()
	log := e.logger.With(zap.String("call_id", callID), zap.String("operation", op.Name))
	started := time.Now()

	if op.Optimistic != nil && op.Optimistic.Apply != nil && e.cache != nil {
		if err := op.Optimistic.Apply(ctx, e.cache); err != nil {
			return nil, fmt.Errorf("apply optimistic effect for %s: %w", op.Name, err)
		}
	}

	resp, err := e.runner.Execute(ctx, OperationRequest{
		Name:      op.Name,
		Variables: op.Variables,
		CallID:    callID,
		Actor:     op.Actor,
	})
	if err != nil {
		e.revert(ctx, op, log)
		return nil, err
	}
	field, env, err := resp.single()
	if err != nil {
		e.revert(ctx, op, log)
		return nil, err
	}

	res := &Result{
		CallID:  callID,
		Field:   field,
		Data:    env,
		settled: make(chan struct{}),
	}
	base := OperationContext{
		Ctx:       ctx,
		CallID:    callID,
		Name:      op.Name,
		Field:     field,
		Variables: op.Variables,
		Actor:     op.Actor,
		Cache:     e.cache,
		Data:      env,
		Timestamp: started,
		Logger:    log,
	}

	if env.Invoice == nil {
		// paid from credits, nothing to coordinate
		e.completed(op, base)
		e.paid(op, PaidContext{OperationContext: base, Duration: time.Since(started)})
		close(res.settled)
		return res, nil
	}

	log = log.With(zap.String("invoice_hash", env.Invoice.Hash))

	if e.optimistic(op, env) {
		res.Optimistic = true
		e.completed(op, base)

		bg := context.WithoutCancel(ctx)
		base.Ctx = bg
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer close(res.settled)

			paid, err := e.racer.Pay(bg, env.Invoice, PayOptions{WaitFor: op.WaitFor})
			if err != nil {
				log.Info("optimistic payment failed", zap.Error(err))
				res.setPayError(err)
				e.revert(bg, op, log)
				e.payError(op, PayErrorContext{OperationContext: base, Error: err, Duration: time.Since(started)})
				return
			}
			log.Debug("optimistic payment settled", zap.String("sats", FormatSats(paid.SatsReceived)))
			e.paid(op, PaidContext{OperationContext: base, Invoice: paid, Duration: time.Since(started)})
		}()
		return res, nil
	}

	// the provisional layer does not survive a pessimistic call
	e.revert(ctx, op, log)
	defer close(res.settled)

	paid, err := e.racer.Pay(ctx, env.Invoice, PayOptions{WaitFor: op.WaitFor})
	if err != nil {
		log.Info("payment failed", zap.Error(err))
		res.setPayError(err)
		e.payError(op, PayErrorContext{OperationContext: base, Error: err, Duration: time.Since(started)})
		if actionError(err) != "" {
			return res, err
		}
		return res, nil
	}

	final, err := e.runner.Execute(ctx, OperationRequest{
		Name:      op.Name,
		Variables: op.Variables,
		CallID:    callID,
		Actor:     op.Actor,
		Proof:     &PaymentProof{Hash: paid.Hash, Hmac: paid.Hmac},
	})
	if err != nil {
		return res, fmt.Errorf("finalize %s: %w", op.Name, err)
	}
	_, finalEnv, err := final.single()
	if err != nil {
		return res, fmt.Errorf("finalize %s: %w", op.Name, err)
	}
	if finalEnv.Invoice == nil {
		finalEnv.Invoice = paid
	} else if finalEnv.Invoice.Hmac == "" {
		finalEnv.Invoice.Hmac = paid.Hmac
	}

	res.Data = finalEnv
	base.Data = finalEnv
	e.completed(op, base)
	e.paid(op, PaidContext{OperationContext: base, Invoice: paid, Duration: time.Since(started)})
	return res, nil
}

func (e *Executor) optimistic(op Operation, env *Envelope) bool {
	if op.Actor == nil || op.ForceWaitForPayment {
		return false
	}
	return env.PaymentMethod == PaymentMethodOptimistic || op.Optimistic != nil
}

func (e *Executor) revert(ctx context.Context, op Operation, log *zap.Logger) {
	if op.Optimistic == nil || op.Optimistic.Revert == nil || e.cache == nil {
		return
	}
	if err := op.Optimistic.Revert(ctx, e.cache); err != nil {
		log.Warn("failed to revert optimistic effect", zap.Error(err))
	}
}

func (e *Executor) completed(op Operation, oc OperationContext) {
	if op.OnCompleted != nil {
		op.OnCompleted(oc)
	}
}

func (e *Executor) paid(op Operation, pc PaidContext) {
	if op.OnPaid != nil {
		op.OnPaid(pc)
	}
}

func (e *Executor) payError(op Operation, pe PayErrorContext) {
	if op.OnPayError != nil {
		op.OnPayError(pe)
	}
}
