package paidaction

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// DefaultTipSats is used when an actor has no tip default configured
const DefaultTipSats int64 = 10

// VerifyPreimage checks that sha256(preimage) equals the payment hash
func VerifyPreimage(hash, preimage string) error {
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return fmt.Errorf("preimage is not hex: %w", err)
	}
	sum := hex.EncodeToString(chainhash.HashB(raw))
	if !strings.EqualFold(sum, hash) {
		return fmt.Errorf("preimage does not match hash %s", hash)
	}
	return nil
}

// FormatSats renders an amount of satoshis for logs
func FormatSats(sats int64) string {
	return btcutil.Amount(sats).Format(btcutil.AmountSatoshi)
}

// ValidateInvoice performs basic validation on an invoice returned by the server
func ValidateInvoice(inv *Invoice) error {
	if inv == nil {
		return fmt.Errorf("invoice is required")
	}
	if inv.ID == "" {
		return fmt.Errorf("invoice id is required")
	}
	if inv.Hash == "" {
		return fmt.Errorf("invoice hash is required")
	}
	if inv.SatsRequested <= 0 {
		return fmt.Errorf("invoice amount must be positive")
	}
	return nil
}

// NextTip prices the next tap on an item from what the actor already tipped.
// Turbo tipping tops the running total up to the next power of ten.
// Totals too large to top up fall back to the base tip.
func NextTip(meSats int64, actor Identity) int64 {
	base := actor.TipDefault
	if base <= 0 {
		base = DefaultTipSats
	}
	if !actor.TurboTipping || meSats <= 0 {
		return base
	}
	next := base
	for next <= meSats {
		if next > math.MaxInt64/10 {
			// no power of ten above meSats fits, tip the base amount
			return base
		}
		next *= 10
	}
	return next - meSats
}

// toInt64 converts a cached field value to an integer
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

// ToInt64 converts a cached field value to an integer, treating absent or
// non-numeric values as zero
func ToInt64(v interface{}) int64 {
	n, _ := toInt64(v)
	return n
}
