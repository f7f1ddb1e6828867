// Package reconcile holds the primitives the session uses to merge
// optimistic local state with polled remote state: a versioned state cell, a
// cancellable debounce timer and a fixed-interval poller.
package reconcile

import "sync"

// Cell is one slice of session state. User intents are applied as
// provisional changes and advance the cell's epoch; poll results are
// authoritative but are only applied when no intent happened while the poll
// was in flight.
type Cell[T any] struct {
	mu        sync.RWMutex
	value     T
	epoch     uint64
	listeners []func(T)
}

// NewCell creates a cell holding initial
func NewCell[T any](initial T) *Cell[T] {
	return &Cell[T]{value: initial}
}

// Get returns the current value
func (c *Cell[T]) Get() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Epoch returns the intent counter. Pollers capture it before issuing a
// request and hand it back to Reconcile.
func (c *Cell[T]) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// OnChange registers fn to be called with the new value after every change.
// Listeners run on the goroutine that made the change, outside the lock.
func (c *Cell[T]) OnChange(fn func(T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Intent applies a provisional change and invalidates polls in flight
func (c *Cell[T]) Intent(fn func(*T)) {
	c.mu.Lock()
	fn(&c.value)
	c.epoch++
	v, listeners := c.value, c.listeners
	c.mu.Unlock()
	notify(listeners, v)
}

// TryIntent is Intent guarded by a precondition: fn returns false to leave
// the cell, and its epoch, as they were.
func (c *Cell[T]) TryIntent(fn func(*T) bool) bool {
	c.mu.Lock()
	next := c.value
	if !fn(&next) {
		c.mu.Unlock()
		return false
	}
	c.value = next
	c.epoch++
	listeners := c.listeners
	c.mu.Unlock()
	notify(listeners, next)
	return true
}

// Update applies a local change without invalidating polls in flight
func (c *Cell[T]) Update(fn func(*T)) {
	c.mu.Lock()
	fn(&c.value)
	v, listeners := c.value, c.listeners
	c.mu.Unlock()
	notify(listeners, v)
}

// Reconcile replaces the value wholesale with an authoritative result that
// was requested at epoch. It reports false, leaving the value untouched, when
// an intent has been applied since.
func (c *Cell[T]) Reconcile(epoch uint64, v T) bool {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return false
	}
	c.value = v
	listeners := c.listeners
	c.mu.Unlock()
	notify(listeners, v)
	return true
}

func notify[T any](listeners []func(T), v T) {
	for _, fn := range listeners {
		fn(v)
	}
}
