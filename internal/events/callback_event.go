package events

import (
	"sync"
)

// CallbackEvent provides pub/sub behavior with type-safe callbacks.
// Listeners are called in registration order.
type CallbackEvent[T any] struct {
	mu        sync.RWMutex
	listeners []callbackEntry[T]
	nextID    uint64
}

type callbackEntry[T any] struct {
	id       uint64
	callback func(T)
}

// NewCallbackEvent creates a new CallbackEvent instance
func NewCallbackEvent[T any]() *CallbackEvent[T] {
	return &CallbackEvent[T]{}
}

// Listen registers a callback function to be called when Notify is invoked.
// Returns a deregistration function that is safe to call more than once.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners = append(e.listeners, callbackEntry[T]{id: id, callback: callback})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, entry := range e.listeners {
			if entry.id == id {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// Notify calls all registered listener callbacks with the provided value.
// Callbacks run outside the lock, so a callback may deregister itself.
func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.RLock()
	listenersCopy := make([]callbackEntry[T], len(e.listeners))
	copy(listenersCopy, e.listeners)
	e.mu.RUnlock()

	for _, entry := range listenersCopy {
		if !e.isRegistered(entry.id) {
			// deregistered by an earlier callback in this round
			continue
		}
		entry.callback(value)
	}
}

func (e *CallbackEvent[T]) isRegistered(id uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, entry := range e.listeners {
		if entry.id == id {
			return true
		}
	}
	return false
}

// ListenerCount returns the current number of registered listeners
func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
