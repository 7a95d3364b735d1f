// Package cache provides the in-memory address resolution cache.
package cache

import (
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/firedexofficial/signal-cli/internal/model"
)

// AddressCache maps a stable remote identifier (account or pseudo id) to the
// resolved local record. It is a best-effort read-through accelerator: every
// identity mutation must evict the affected entries before it becomes visible.
type AddressCache struct {
	mu sync.Mutex
	m  map[uuid.UUID]model.RecipientWithAddress
}

// New returns an empty cache.
func New() *AddressCache {
	return &AddressCache{m: make(map[uuid.UUID]model.RecipientWithAddress)}
}

// Get returns the cached record for a service id.
func (c *AddressCache) Get(serviceID uuid.UUID) (model.RecipientWithAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.m[serviceID]
	return r, ok
}

// Put stores a resolved record under a service id.
func (c *AddressCache) Put(serviceID uuid.UUID, r model.RecipientWithAddress) {
	if serviceID == uuid.Nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[serviceID] = r
}

// EvictIf removes every entry the predicate matches.
func (c *AddressCache) EvictIf(pred func(model.RecipientWithAddress) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.m {
		if pred(v) {
			delete(c.m, k)
		}
	}
}

// EvictRecipient removes all entries pointing at the given record.
func (c *AddressCache) EvictRecipient(id model.RecipientID) {
	c.EvictIf(func(r model.RecipientWithAddress) bool { return r.ID == id })
}

// Len returns the number of cached entries.
func (c *AddressCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
