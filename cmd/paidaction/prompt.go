package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"github.com/atotto/clipboard"
	"go.uber.org/zap"

	paidaction "github.com/satsflow/paidaction"
	"github.com/satsflow/paidaction/logger"
)

// terminalPrompter shows invoices on the terminal. The payment request is
// copied to the clipboard and Ctrl-C dismisses the prompt.
type terminalPrompter struct {
	out  io.Writer
	copy func(string) error
}

var _ paidaction.Prompter = (*terminalPrompter)(nil)

func newTerminalPrompter() *terminalPrompter {
	p := &terminalPrompter{out: os.Stdout}
	if !clipboard.Unsupported {
		p.copy = clipboard.WriteAll
	}
	return p
}

func (p *terminalPrompter) Prompt(ctx context.Context, inv *paidaction.Invoice, walletErr error) (<-chan struct{}, func()) {
	var noWallet *paidaction.NoAttachedWalletError
	if walletErr != nil && !errors.As(walletErr, &noWallet) {
		fmt.Fprintf(p.out, "wallet payment did not complete: %v\n", walletErr)
	}
	fmt.Fprintf(p.out, "\npay %s to continue:\n\n  %s\n\n", paidaction.FormatSats(inv.SatsRequested), inv.Bolt11)

	if p.copy == nil {
		fmt.Fprintln(p.out, "(press Ctrl-C to cancel)")
	} else if err := p.copy(inv.Bolt11); err != nil {
		logger.L.Debug("clipboard unavailable", zap.Error(err))
		fmt.Fprintln(p.out, "(press Ctrl-C to cancel)")
	} else {
		fmt.Fprintln(p.out, "(copied to clipboard, press Ctrl-C to cancel)")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	dismissed := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-sig:
			close(dismissed)
		case <-stop:
		}
	}()

	var once sync.Once
	return dismissed, func() {
		once.Do(func() {
			signal.Stop(sig)
			close(stop)
		})
	}
}
