package tipbuffer

import (
	"context"
	"errors"
	"fmt"

	paidaction "github.com/satsflow/paidaction"
)

// Item is the target of a tip as the caller last saw it
type Item struct {
	ID string
	// MeSats is used when the cache has no meSats for the item yet
	MeSats int64
}

// TipEffect applies delta sats of tipping by actor on item to the cache.
// Reverting is the same call with a negated delta. An effect that returns an
// error must leave the cache as it found it.
type TipEffect func(ctx context.Context, c paidaction.Cache, item Item, actor paidaction.Identity, delta int64) error

type counter struct {
	id    paidaction.ObjectID
	field string
}

// DefaultEffect updates the item's total and the actor's share of it, and
// the actor's running tipped total. When a write fails the counters already
// moved are put back.
func DefaultEffect(ctx context.Context, c paidaction.Cache, item Item, actor paidaction.Identity, delta int64) error {
	id := paidaction.ItemObject(item.ID)
	counters := []counter{{id, "sats"}, {id, "meSats"}}
	if actor.ID != "" {
		counters = append(counters, counter{paidaction.UserObject(actor.ID), "tippedSats"})
	}

	for i, ct := range counters {
		err := paidaction.AddInt64(ctx, c, ct.id, ct.field, delta)
		if err == nil {
			continue
		}
		undoCtx := context.WithoutCancel(ctx)
		for _, done := range counters[:i] {
			if uerr := paidaction.AddInt64(undoCtx, c, done.id, done.field, -delta); uerr != nil {
				err = errors.Join(err, fmt.Errorf("undo %s.%s: %w", done.id, done.field, uerr))
			}
		}
		return err
	}
	return nil
}
