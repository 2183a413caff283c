package paidaction

import (
	"context"
	"sync"
	"time"
)

// PaymentCache deduplicates concurrent races for the same invoice hash and
// remembers invoices that were paid, so a second Pay for an invoice that is
// already settled (or being settled) never starts another wallet send.
type PaymentCache struct {
	mu       sync.Mutex
	paid     map[string]*Invoice
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewPaymentCache creates a payment cache that keeps paid invoices for ttl
func NewPaymentCache(ttl time.Duration) *PaymentCache {
	return &PaymentCache{
		paid:     make(map[string]*Invoice),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// PaymentStatus represents the result of checking the cache.
type PaymentStatus int

const (
	// StatusNotFound means no paid invoice and no race in flight.
	StatusNotFound PaymentStatus = iota
	// StatusPaid means the invoice is known to be paid.
	StatusPaid
	// StatusInFlight means another race is paying this invoice.
	StatusInFlight
)

// CheckAndMark atomically checks the cache and marks the hash as in-flight if needed.
// Returns:
// - StatusPaid + invoice if the hash was paid
// - StatusInFlight + wait channel if another race is paying it
// - StatusNotFound + done channel if this race should proceed (now marked in-flight)
func (c *PaymentCache) CheckAndMark(hash string) (PaymentStatus, *Invoice, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[hash]; exists {
		if time.Now().Before(expiry) {
			if inv, ok := c.paid[hash]; ok {
				return StatusPaid, inv.Clone(), nil
			}
		}
		delete(c.paid, hash)
		delete(c.expiry, hash)
	}

	if done, exists := c.inFlight[hash]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[hash] = done
	return StatusNotFound, nil, done
}

// WaitForResult waits for an in-flight race to finish.
// Returns the paid invoice, or nil if that race failed.
func (c *PaymentCache) WaitForResult(ctx context.Context, hash string, done chan struct{}) (*Invoice, error) {
	select {
	case <-done:
		return c.Get(hash), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the paid invoice for hash, or nil
func (c *PaymentCache) Get(hash string) *Invoice {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[hash]
	if !exists {
		return nil
	}
	if time.Now().After(expiry) {
		delete(c.paid, hash)
		delete(c.expiry, hash)
		return nil
	}
	return c.paid[hash].Clone()
}

// Complete records a paid invoice and releases waiters
func (c *PaymentCache) Complete(hash string, inv *Invoice, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.paid[hash] = inv.Clone()
	c.expiry[hash] = time.Now().Add(c.ttl)
	delete(c.inFlight, hash)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail removes the in-flight marker without recording a payment
func (c *PaymentCache) Fail(hash string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, hash)
	close(done)
}

// Must be called with lock held.
func (c *PaymentCache) cleanupExpiredLocked() {
	now := time.Now()
	for hash, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.paid, hash)
			delete(c.expiry, hash)
		}
	}
}
