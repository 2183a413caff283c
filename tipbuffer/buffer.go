// Package tipbuffer coalesces bursts of tips on the same item into a single
// paid action.
//
// Every tap is applied to the cache immediately. After a quiet period the
// burst total settles through one paid operation; large bursts first wait
// out an undo window. A failed settlement reverts exactly what the burst
// applied, using the identity of the actor who tapped.
package tipbuffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	paidaction "github.com/satsflow/paidaction"
)

// ErrClosed is returned by Tap after Close
var ErrClosed = errors.New("tip buffer is closed")

// Settler runs the paid operation for a burst. *paidaction.Executor implements it.
type Settler interface {
	Do(ctx context.Context, op paidaction.Operation) (*paidaction.Result, error)
}

type entry struct {
	item      Item
	actor     paidaction.Identity
	totalSats int64
	timer     *time.Timer
	gen       uint64
	// canceled is set by Cancel while the burst is handed to settle
	canceled bool
}

type undoWait struct {
	done   <-chan struct{}
	cancel context.CancelFunc
	entry  *entry
	total  int64
}

// Buffer accumulates taps per item
type Buffer struct {
	settler     Settler
	cache       paidaction.Cache
	nextTip     PricingFunc
	undoTrigger UndoTrigger
	effect      TipEffect
	debounce    time.Duration
	undoWindow  time.Duration
	action      string
	logger      *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	firing  map[*entry]struct{}
	undos   map[*undoWait]struct{}
	pending int64
	closed  bool
	wg      sync.WaitGroup
}

// New creates a buffer settling through settler and applying effects to c
func New(settler Settler, c paidaction.Cache, opts ...Option) *Buffer {
	b := &Buffer{
		settler:     settler,
		cache:       c,
		nextTip:     paidaction.NextTip,
		undoTrigger: thresholdTrigger(DefaultUndoThreshold),
		effect:      DefaultEffect,
		debounce:    DefaultDebounce,
		undoWindow:  DefaultUndoWindow,
		action:      DefaultActionName,
		logger:      zap.NewNop(),
		entries:     make(map[string]*entry),
		firing:      make(map[*entry]struct{}),
		undos:       make(map[*undoWait]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Tap records one tip on item by actor and returns the sats it added.
// The cache reflects the tap before Tap returns.
func (b *Buffer) Tap(ctx context.Context, item Item, actor paidaction.Identity) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	id := paidaction.ItemObject(item.ID)
	meSats, ok, err := paidaction.ReadInt64(ctx, b.cache, id, "meSats")
	if err != nil {
		return 0, err
	}
	if !ok {
		meSats = item.MeSats
		if meSats != 0 {
			if err := paidaction.SetField(ctx, b.cache, id, "meSats", meSats); err != nil {
				return 0, err
			}
		}
	}

	sats := b.nextTip(meSats, actor)
	if sats <= 0 {
		return 0, nil
	}
	if err := b.effect(ctx, b.cache, item, actor, sats); err != nil {
		return 0, err
	}

	e, exists := b.entries[item.ID]
	if exists && e.actor.ID != actor.ID {
		// a burst belongs to one actor, settle the previous one now
		b.detachLocked(e)
		b.settleAsync(e, e.totalSats, false)
		exists = false
	}
	if !exists {
		e = &entry{item: item, actor: actor}
		b.entries[item.ID] = e
	}

	e.totalSats += sats
	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(b.debounce, func() { b.fire(e, gen) })

	b.logger.Debug("tip buffered",
		zap.String("item", item.ID),
		zap.String("sats", paidaction.FormatSats(sats)),
		zap.Int64("total", e.totalSats))
	return sats, nil
}

// Pending returns the sats currently waiting out an undo window
func (b *Buffer) Pending() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Buffered returns the sats buffered for item that have not started settling
func (b *Buffer) Buffered(itemID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[itemID]; ok {
		return e.totalSats
	}
	return 0
}

// Flush settles every buffered burst now, without an undo window
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.entries {
		b.detachLocked(e)
		b.settleAsync(e, e.totalSats, false)
	}
}

// Close stops accepting taps, flushes and waits for settlements to finish
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.Flush()
	b.wg.Wait()
}

// Cancel takes back every buffered burst and every burst in its undo
// window. Bursts whose paid operation already started are not affected.
func (b *Buffer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for e := range b.firing {
		e.canceled = true
		delete(b.firing, e)
		b.revert(e, e.totalSats)
	}
	for u := range b.undos {
		u.cancel()
		delete(b.undos, u)
		b.pending -= u.total
		b.revert(u.entry, u.total)
	}
	for _, e := range b.entries {
		b.detachLocked(e)
		b.revert(e, e.totalSats)
	}
}

// Must be called with lock held.
func (b *Buffer) detachLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(b.entries, e.item.ID)
}

// Must be called with lock held.
func (b *Buffer) settleAsync(e *entry, total int64, allowUndo bool) {
	b.firing[e] = struct{}{}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.settle(e, total, allowUndo)
	}()
}

func (b *Buffer) fire(e *entry, gen uint64) {
	b.mu.Lock()
	if cur, ok := b.entries[e.item.ID]; !ok || cur != e || e.gen != gen {
		b.mu.Unlock()
		return
	}
	delete(b.entries, e.item.ID)
	b.firing[e] = struct{}{}
	total := e.totalSats
	b.wg.Add(1)
	b.mu.Unlock()

	defer b.wg.Done()
	b.settle(e, total, true)
}

func (b *Buffer) settle(e *entry, total int64, allowUndo bool) {
	undo := allowUndo && b.undoTrigger != nil && b.undoTrigger(total, e.actor)

	b.mu.Lock()
	if e.canceled {
		b.mu.Unlock()
		b.logger.Info("tip undone",
			zap.String("item", e.item.ID), zap.String("sats", paidaction.FormatSats(total)))
		return
	}
	delete(b.firing, e)
	var u *undoWait
	if undo {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		u = &undoWait{done: ctx.Done(), cancel: cancel, entry: e, total: total}
		b.undos[u] = struct{}{}
		b.pending += total
	}
	b.mu.Unlock()

	if u != nil && !b.waitUndo(u) {
		b.logger.Info("tip undone",
			zap.String("item", e.item.ID), zap.String("sats", paidaction.FormatSats(total)))
		return
	}
	b.commit(e, total)
}

// waitUndo reports whether the burst survived its undo window. An undone
// burst has already been reverted by Cancel.
func (b *Buffer) waitUndo(u *undoWait) bool {
	timer := time.NewTimer(b.undoWindow)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-u.done:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.undos[u]; !ok {
		return false
	}
	delete(b.undos, u)
	b.pending -= u.total
	return true
}

func (b *Buffer) commit(e *entry, total int64) {
	actor := e.actor
	var once sync.Once
	revert := func() {
		once.Do(func() { b.revert(e, total) })
	}

	res, err := b.settler.Do(context.Background(), paidaction.Operation{
		Name: b.action,
		Variables: map[string]interface{}{
			"id":   e.item.ID,
			"sats": total,
			"act":  "TIP",
		},
		Actor: &actor,
		OnPayError: func(pe paidaction.PayErrorContext) {
			b.logger.Info("tip payment failed",
				zap.String("item", e.item.ID),
				zap.String("sats", paidaction.FormatSats(total)),
				zap.Error(pe.Error))
			revert()
		},
	})
	if err != nil {
		b.logger.Warn("tip failed",
			zap.String("item", e.item.ID),
			zap.String("sats", paidaction.FormatSats(total)),
			zap.Error(err))
		revert()
		return
	}
	if res != nil {
		<-res.Settled()
	}
}

func (b *Buffer) revert(e *entry, total int64) {
	if err := b.effect(context.Background(), b.cache, e.item, e.actor, -total); err != nil {
		b.logger.Error("failed to revert tip",
			zap.String("item", e.item.ID),
			zap.String("sats", paidaction.FormatSats(total)),
			zap.Error(err))
	}
}
