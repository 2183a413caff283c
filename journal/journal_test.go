package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paidaction "github.com/satsflow/paidaction"
	"github.com/satsflow/paidaction/test/mocks/lnmock"
)

func openMemory(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(MemoryPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_RecordAndList(t *testing.T) {
	j := openMemory(t)
	base := time.Now()

	j.OnPaymentEvent(paidaction.PaymentEvent{Kind: paidaction.EventAttempt, Channel: paidaction.ChannelWallet, Wallet: "nwc", Hash: "h1", Sats: 10, Timestamp: base})
	j.OnPaymentEvent(paidaction.PaymentEvent{Kind: paidaction.EventEscalated, Channel: paidaction.ChannelQR, Hash: "h1", Sats: 10, Err: errors.New("wallet timeout"), Timestamp: base.Add(time.Second)})
	j.OnPaymentEvent(paidaction.PaymentEvent{Kind: paidaction.EventPaid, Channel: paidaction.ChannelQR, Hash: "h1", Sats: 10, Timestamp: base.Add(2 * time.Second)})

	entries, err := j.List(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "paid", entries[0].Kind)
	assert.Equal(t, "escalated", entries[1].Kind)
	assert.Equal(t, "wallet timeout", entries[1].Error)

	all, err := j.List(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestJournal_ForInvoice(t *testing.T) {
	j := openMemory(t)
	now := time.Now()

	require.NoError(t, j.Record(paidaction.PaymentEvent{Kind: paidaction.EventAttempt, Channel: paidaction.ChannelWallet, Hash: "a", Timestamp: now}))
	require.NoError(t, j.Record(paidaction.PaymentEvent{Kind: paidaction.EventAttempt, Channel: paidaction.ChannelWallet, Hash: "b", Timestamp: now}))
	require.NoError(t, j.Record(paidaction.PaymentEvent{Kind: paidaction.EventFailed, Channel: paidaction.ChannelWallet, Hash: "a", Timestamp: now.Add(time.Millisecond)}))

	entries, err := j.ForInvoice("a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "attempt", entries[0].Kind)
	assert.Equal(t, "failed", entries[1].Kind)
}

func TestJournal_PersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")

	j, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, j.Record(paidaction.PaymentEvent{Kind: paidaction.EventPaid, Channel: paidaction.ChannelWallet, Hash: "h", Sats: 21, Timestamp: time.Now()}))
	require.NoError(t, j.Close())

	j, err = Open(path, nil)
	require.NoError(t, err)
	defer j.Close()

	entries, err := j.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(21), entries[0].Sats)
}

func TestFormat(t *testing.T) {
	line := Format(Entry{
		Kind:      "failed",
		Channel:   "wallet",
		Wallet:    "nwc",
		Hash:      "0123456789abcdef",
		Sats:      21,
		Error:     "no route",
		EventTime: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	assert.Contains(t, line, "2024-01-02 03:04:05")
	assert.Contains(t, line, "0123456789ab ")
	assert.Contains(t, line, "21 Satoshi")
	assert.Contains(t, line, "wallet=nwc")
	assert.Contains(t, line, "error=no route")
}

func TestJournal_ObservesRacer(t *testing.T) {
	j := openMemory(t)
	backend := lnmock.NewBackend()
	invoices := paidaction.NewInvoiceManager(backend, paidaction.WithPollInterval(10*time.Millisecond))
	racer := paidaction.NewRacer(invoices,
		paidaction.WithWallet(&lnmock.Wallet{WalletName: "nwc", Backend: backend}),
		paidaction.WithPaymentObserver(j))

	inv, err := invoices.Create(context.Background(), 10)
	require.NoError(t, err)
	_, err = racer.Pay(context.Background(), inv, paidaction.PayOptions{})
	require.NoError(t, err)

	entries, err := j.ForInvoice(inv.Hash)
	require.NoError(t, err)
	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
		assert.Equal(t, "wallet", e.Channel)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, "attempt", kinds[0])
	// the wallet's own "sent" report may land after the server confirmed
	assert.Contains(t, kinds, "paid")
}
