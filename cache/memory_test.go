package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paidaction "github.com/satsflow/paidaction"
)

func TestMemoryCache_ReadMissingField(t *testing.T) {
	c := NewMemoryCache()

	v, ok, err := c.ReadField(context.Background(), paidaction.ItemObject("1"), "sats")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestMemoryCache_ModifyField(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	id := paidaction.ItemObject("1")

	require.NoError(t, paidaction.AddInt64(ctx, c, id, "sats", 10))
	require.NoError(t, paidaction.AddInt64(ctx, c, id, "sats", -3))

	n, ok, err := paidaction.ReadInt64(ctx, c, id, "sats")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)
}

func TestMemoryCache_ConcurrentModifyLosesNoUpdates(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	id := paidaction.UserObject("alice")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = paidaction.AddInt64(ctx, c, id, "tippedSats", 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), paidaction.ToInt64(c.Snapshot(id)["tippedSats"]))
}

func TestMemoryCache_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewMemoryCache()
	err := c.ModifyField(ctx, paidaction.ItemObject("1"), "sats", func(interface{}) interface{} { return 1 })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryCache_WriteAndSnapshot(t *testing.T) {
	c := NewMemoryCache()
	id := paidaction.ItemObject("9")
	c.Write(id, map[string]interface{}{"sats": int64(5), "meSats": int64(2)})

	snap := c.Snapshot(id)
	snap["sats"] = int64(0)

	v, _, _ := c.ReadField(context.Background(), id, "sats")
	assert.Equal(t, int64(5), v)
}
