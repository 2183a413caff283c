package tipbuffer

import (
	"time"

	"go.uber.org/zap"

	paidaction "github.com/satsflow/paidaction"
)

const (
	// DefaultDebounce is the quiet period after the last tap before a burst settles
	DefaultDebounce = 500 * time.Millisecond

	// DefaultUndoWindow is how long a large burst can still be taken back
	DefaultUndoWindow = 5 * time.Second

	// DefaultUndoThreshold is the burst total from which an undo window is offered
	DefaultUndoThreshold int64 = 100

	// DefaultActionName is the paid operation a burst settles through
	DefaultActionName = "act"
)

// PricingFunc prices the next tap from what the actor already tipped on the item
type PricingFunc func(meSats int64, actor paidaction.Identity) int64

// UndoTrigger decides whether a settled burst gets an undo window
type UndoTrigger func(amount int64, actor paidaction.Identity) bool

// Option configures the buffer
type Option func(*Buffer)

// WithDebounce sets the quiet period before a burst settles
func WithDebounce(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.debounce = d
		}
	}
}

// WithUndoWindow sets how long an undo stays available
func WithUndoWindow(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.undoWindow = d
		}
	}
}

// WithUndoTrigger replaces the undo decision. nil disables undo.
func WithUndoTrigger(trigger UndoTrigger) Option {
	return func(b *Buffer) {
		b.undoTrigger = trigger
	}
}

// WithUndoThreshold offers undo for bursts of at least sats
func WithUndoThreshold(sats int64) Option {
	return func(b *Buffer) {
		b.undoTrigger = thresholdTrigger(sats)
	}
}

// WithPricing sets how each tap is priced
func WithPricing(fn PricingFunc) Option {
	return func(b *Buffer) {
		if fn != nil {
			b.nextTip = fn
		}
	}
}

// WithEffect sets the cache effect applied per tap
func WithEffect(effect TipEffect) Option {
	return func(b *Buffer) {
		if effect != nil {
			b.effect = effect
		}
	}
}

// WithActionName sets the paid operation used to settle bursts
func WithActionName(name string) Option {
	return func(b *Buffer) {
		if name != "" {
			b.action = name
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(b *Buffer) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func thresholdTrigger(threshold int64) UndoTrigger {
	return func(amount int64, _ paidaction.Identity) bool {
		return amount >= threshold
	}
}
