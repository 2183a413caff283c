package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paidaction "github.com/satsflow/paidaction"
)

func TestParseCredit(t *testing.T) {
	actor, sats, err := parseCredit("alice=100")
	require.NoError(t, err)
	assert.Equal(t, "alice", actor)
	assert.Equal(t, int64(100), sats)

	for _, bad := range []string{"alice", "=10", "alice=x", "alice=0"} {
		_, _, err := parseCredit(bad)
		assert.Error(t, err, bad)
	}
}

func TestDescribe(t *testing.T) {
	inv := &paidaction.Invoice{SatsRequested: 21}
	assert.Equal(t, "paid from credits", describe(&paidaction.Result{Data: &paidaction.Envelope{}}))
	assert.Equal(t, "applied optimistically, settling 21 Satoshi",
		describe(&paidaction.Result{Data: &paidaction.Envelope{Invoice: inv}, Optimistic: true}))
	assert.Equal(t, "settled 21 Satoshi before applying",
		describe(&paidaction.Result{Data: &paidaction.Envelope{Invoice: inv}}))
}

func TestTerminalPrompter_DoneStopsListening(t *testing.T) {
	var out bytes.Buffer
	p := &terminalPrompter{out: &out}

	dismissed, done := p.Prompt(context.Background(),
		&paidaction.Invoice{Hash: "h", Bolt11: "lnbcrt210n1test", SatsRequested: 21},
		&paidaction.WalletTimeoutError{Wallet: "stub", Hash: "h"})
	done()
	done()

	select {
	case <-dismissed:
		t.Fatal("prompt must not be dismissed without an interrupt")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Contains(t, out.String(), "lnbcrt210n1test")
	assert.Contains(t, out.String(), "21 Satoshi")
	assert.Contains(t, out.String(), "wallet payment did not complete")
}

func TestTerminalPrompter_NoWalletIsQuiet(t *testing.T) {
	var out bytes.Buffer
	var copied string
	p := &terminalPrompter{out: &out, copy: func(s string) error {
		copied = s
		return nil
	}}

	_, done := p.Prompt(context.Background(), &paidaction.Invoice{Bolt11: "lnbc1"}, &paidaction.NoAttachedWalletError{})
	done()
	assert.NotContains(t, out.String(), "did not complete")
	assert.Contains(t, out.String(), "copied to clipboard")
	assert.Equal(t, "lnbc1", copied)
}

func TestSettleDelayOutlastsDebounce(t *testing.T) {
	assert.Greater(t, settleDelay(500*time.Millisecond), 500*time.Millisecond)
}
