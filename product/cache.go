package product

import (
	"sync"

	"github.com/code-payments/iap-bridge/model"
)

// Entry pairs a normalized product with the vendor handle needed to purchase
// it.
type Entry[H any] struct {
	Product *model.Product
	Handle  H
}

// Cache holds the most recent catalog metadata for the lifetime of a vendor
// connection. There is no eviction; a refresh replaces entries wholesale.
type Cache[H any] struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]Entry[H]
}

func NewCache[H any]() *Cache[H] {
	return &Cache[H]{
		entries: make(map[string]Entry[H]),
	}
}

// Replace stores every entry, dropping any previous entry with the same id so
// that no stale field survives, and returns the full post-update contents.
func (c *Cache[H]) Replace(entries []Entry[H]) []*model.Product {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entries {
		if e.Product == nil {
			continue
		}

		id := e.Product.ID
		if _, exists := c.entries[id]; exists {
			c.removeLocked(id)
		}

		c.entries[id] = Entry[H]{Product: e.Product.Clone(), Handle: e.Handle}
		c.order = append(c.order, id)
	}

	return c.listLocked()
}

// Put stores a single entry with the same replacement semantics as Replace.
func (c *Cache[H]) Put(p *model.Product, handle H) {
	c.Replace([]Entry[H]{{Product: p, Handle: handle}})
}

func (c *Cache[H]) Get(id string) (*model.Product, H, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[id]
	if !ok {
		var zero H
		return nil, zero, false
	}
	return e.Product.Clone(), e.Handle, true
}

func (c *Cache[H]) List() []*model.Product {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.listLocked()
}

func (c *Cache[H]) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; !ok {
		return false
	}
	c.removeLocked(id)
	return true
}

func (c *Cache[H]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

func (c *Cache[H]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order = nil
	c.entries = make(map[string]Entry[H])
}

func (c *Cache[H]) removeLocked(id string) {
	delete(c.entries, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache[H]) listLocked() []*model.Product {
	products := make([]*model.Product, 0, len(c.order))
	for _, id := range c.order {
		products = append(products, c.entries[id].Product.Clone())
	}
	return products
}
