package cache

import (
	"context"
	"sync"

	paidaction "github.com/satsflow/paidaction"
)

// MemoryCache provides an in-memory implementation of paidaction.Cache.
//
// Suitable for a single process. Field updates are serialised by one mutex,
// so concurrent ModifyField calls on the same field never lose an update.
type MemoryCache struct {
	mu      sync.Mutex
	objects map[paidaction.ObjectID]map[string]interface{}
}

var _ paidaction.Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		objects: make(map[paidaction.ObjectID]map[string]interface{}),
	}
}

// ModifyField replaces a field with fn(existing)
func (c *MemoryCache) ModifyField(ctx context.Context, id paidaction.ObjectID, field string, fn paidaction.FieldUpdater) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[id]
	if !ok {
		obj = make(map[string]interface{})
		c.objects[id] = obj
	}
	obj[field] = fn(obj[field])
	return nil
}

// ReadField returns a field's value and whether it is present
func (c *MemoryCache) ReadField(ctx context.Context, id paidaction.ObjectID, field string) (interface{}, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.objects[id][field]
	return v, ok, nil
}

// Write seeds an object's fields, overwriting existing ones
func (c *MemoryCache) Write(id paidaction.ObjectID, fields map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[id]
	if !ok {
		obj = make(map[string]interface{})
		c.objects[id] = obj
	}
	for k, v := range fields {
		obj[k] = v
	}
}

// Snapshot returns a copy of an object's fields
func (c *MemoryCache) Snapshot(id paidaction.ObjectID) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]interface{}, len(c.objects[id]))
	for k, v := range c.objects[id] {
		out[k] = v
	}
	return out
}
