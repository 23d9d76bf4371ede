package kvmirror

import (
	"sync"
	"sync/atomic"
)

// listener wraps a callback function with a unique ID for reliable unsubscription.
type listener[T any] struct {
	id uint64
	fn func(T)
}

// Cell is a reactive container that holds a value and notifies subscribers
// when it changes. Reads are lock-free; writes are serialized.
type Cell[T any] struct {
	value atomic.Pointer[T]

	// wmu serializes writers so Update never loses a concurrent write.
	wmu sync.Mutex

	mu        sync.RWMutex
	listeners []listener[T]
	nextID    uint64
}

// NewCell creates a new Cell with the given initial value.
func NewCell[T any](initial T) *Cell[T] {
	c := &Cell[T]{nextID: 1}
	c.value.Store(&initial)
	return c
}

// Get returns the current value.
func (c *Cell[T]) Get() T {
	return *c.value.Load()
}

// Set replaces the value and notifies all subscribers.
func (c *Cell[T]) Set(v T) {
	c.Update(func(T) T { return v })
}

// Update replaces the value with fn(current) and notifies all subscribers.
// Subscribers are called synchronously, after the write, in the order they
// were registered. Both fn and the subscribers run with writers excluded, so
// notifications follow write order; neither may call Set or Update.
func (c *Cell[T]) Update(fn func(T) T) T {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	v := fn(c.Get())
	c.value.Store(&v)
	c.notify(v)
	return v
}

func (c *Cell[T]) notify(v T) {
	// Copy under lock so a listener may unsubscribe from its callback.
	c.mu.RLock()
	listeners := append([]listener[T](nil), c.listeners...)
	c.mu.RUnlock()

	for _, l := range listeners {
		l.fn(v)
	}
}

// Subscribe registers fn to be called after every change.
// The returned function unsubscribes and is safe to call more than once.
func (c *Cell[T]) Subscribe(fn func(T)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners = append(c.listeners, listener[T]{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}
