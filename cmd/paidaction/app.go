package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	paidaction "github.com/satsflow/paidaction"
	"github.com/satsflow/paidaction/cache"
	"github.com/satsflow/paidaction/config"
	pahttp "github.com/satsflow/paidaction/http"
	"github.com/satsflow/paidaction/journal"
	"github.com/satsflow/paidaction/logger"
	"github.com/satsflow/paidaction/stub"
)

// app holds the collaborators shared by the client commands
type app struct {
	client   *pahttp.Client
	cache    paidaction.Cache
	journal  *journal.Journal
	racer    *paidaction.Racer
	executor *paidaction.Executor
	closers  []func() error
}

// newApp wires the client stack from configuration. The stub wallet is
// attached when useWallet is set; otherwise every invoice goes to the
// terminal prompter.
func newApp(ctx context.Context, cfg *config.Config, useWallet bool) (*app, error) {
	a := &app{
		client: pahttp.NewClient(&pahttp.Config{URL: cfg.ServerURL, APIKey: cfg.APIKey}),
	}

	c, err := openCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.cache = c
	if closer, ok := c.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}

	j, err := journal.Open(cfg.JournalPath, logger.Named("journal"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.journal = j
	a.closers = append(a.closers, j.Close)

	invoices := paidaction.NewInvoiceManager(a.client,
		paidaction.WithPollInterval(cfg.PollInterval),
		paidaction.WithInvoiceExpiry(cfg.InvoiceExpiry),
		paidaction.WithInvoiceLogger(logger.Named("invoice")))

	opts := []paidaction.RacerOption{
		paidaction.WithPrompter(newTerminalPrompter()),
		paidaction.WithEscalateAfter(cfg.EscalateAfter),
		paidaction.WithWalletSendTimeout(cfg.WalletSendTimeout),
		paidaction.WithPaymentObserver(j),
		paidaction.WithRacerLogger(logger.Named("racer")),
	}
	if useWallet {
		opts = append(opts, paidaction.WithWallet(stub.NewWallet(a.client, "stub")))
	}
	a.racer = paidaction.NewRacer(invoices, opts...)

	a.executor = paidaction.NewExecutor(a.client, a.racer,
		paidaction.WithCache(a.cache),
		paidaction.WithExecutorLogger(logger.Named("executor")))
	return a, nil
}

// Close waits for detached payments and releases storage
func (a *app) Close() {
	if a.executor != nil {
		a.executor.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Error("close failed", zap.Error(err))
		}
	}
}

func openCache(ctx context.Context, cfg *config.Config) (paidaction.Cache, error) {
	switch cfg.CacheBackend {
	case "redis":
		c, err := cache.NewRedisCacheFromURL(ctx, cfg.RedisURL, cache.WithKeyPrefix("paidaction:"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return c, nil
	default:
		return cache.NewMemoryCache(), nil
	}
}

// actor returns the configured identity, nil for anonymous use
func actor(cfg *config.Config) *paidaction.Identity {
	if cfg.ActorID == "" {
		return nil
	}
	return &paidaction.Identity{
		ID:           cfg.ActorID,
		TipDefault:   cfg.TipDefault,
		TurboTipping: cfg.TurboTipping,
	}
}
