// Package pricecache holds the process-wide latest price per symbol and the
// registry of listeners notified when the throttled ticker projection flushes.
//
// Writes are unthrottled: Set is called for every raw ticker entry so readers
// of Get always see the freshest value. Only Notify, driven by the ticker
// flush, reaches listeners.
package pricecache

import (
	"sync"
)

// Listener receives a copy of the full symbol→price map.
type Listener func(prices map[string]float64)

// Cache is the shared price cache.
type Cache struct {
	mu     sync.RWMutex
	prices map[string]float64

	lmu       sync.Mutex
	nextID    uint64
	listeners map[uint64]Listener
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		prices:    make(map[string]float64),
		listeners: make(map[uint64]Listener),
	}
}

// Get returns the latest price for symbol, or 0 when none is known yet.
func (c *Cache) Get(symbol string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prices[symbol]
}

// Set records the latest price for symbol unconditionally. Callers filter
// out prices they do not trust.
func (c *Cache) Set(symbol string, price float64) {
	c.mu.Lock()
	c.prices[symbol] = price
	c.mu.Unlock()
}

// SetMany records a batch of prices under a single lock.
func (c *Cache) SetMany(prices map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sym, p := range prices {
		c.prices[sym] = p
	}
}

// Snapshot returns a copy of the price map.
func (c *Cache) Snapshot() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}

// Len returns the number of symbols with a known price.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}

// Subscribe registers l and returns its disposer. Calling the disposer more
// than once is harmless.
func (c *Cache) Subscribe(l Listener) (unsubscribe func()) {
	c.lmu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = l
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, id)
			c.lmu.Unlock()
		})
	}
}

// Listeners returns the number of registered listeners.
func (c *Cache) Listeners() int {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	return len(c.listeners)
}

// Notify delivers the current map to every listener. Each listener gets its
// own copy and is invoked outside the cache locks.
func (c *Cache) Notify() {
	c.lmu.Lock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.lmu.Unlock()

	for _, l := range ls {
		l(c.Snapshot())
	}
}
