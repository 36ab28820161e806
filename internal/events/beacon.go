package events

import (
	"sync"
)

// Observable is a read-only view of a value that changes over time.
type Observable[T any] interface {
	// Value returns the current value.
	Value() T
	// Listen calls callback with the current value before returning, then
	// with every subsequent value. The returned function deregisters it.
	Listen(callback func(T)) func()
}

// Beacon holds the latest value of type T and notifies listeners when it is set.
//
// Emissions of a single beacon are serialized: Set and the initial replay in
// Listen never interleave, so a listener sees values in order. A listener
// must not call Set or Listen on the same beacon from inside its callback.
type Beacon[T any] struct {
	emitMu sync.Mutex // serializes Set and Listen replay
	mu     sync.RWMutex
	value  T
	equal  func(a, b T) bool
	event  *CallbackEvent[T]
}

var _ Observable[int] = (*Beacon[int])(nil)

// NewBeacon creates a beacon that notifies on every Set.
func NewBeacon[T any](initial T) *Beacon[T] {
	return &Beacon[T]{
		value: initial,
		event: NewCallbackEvent[T](),
	}
}

// NewDistinctBeacon creates a beacon that only notifies when the value changes.
func NewDistinctBeacon[T comparable](initial T) *Beacon[T] {
	b := NewBeacon(initial)
	b.equal = func(a, b T) bool { return a == b }
	return b
}

// Value returns the current value.
func (b *Beacon[T]) Value() T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.value
}

// Set stores value and notifies listeners.
func (b *Beacon[T]) Set(value T) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	if b.equal != nil && b.equal(b.value, value) {
		b.mu.Unlock()
		return
	}
	b.value = value
	b.mu.Unlock()

	b.event.Notify(value)
}

// Listen implements Observable.
func (b *Beacon[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	unregister := b.event.Listen(callback)
	callback(b.Value())
	return unregister
}

// ListenerCount returns the number of registered listeners.
func (b *Beacon[T]) ListenerCount() int {
	return b.event.ListenerCount()
}

// ReadOnly hides the Set method from callers that should only observe.
func (b *Beacon[T]) ReadOnly() Observable[T] {
	return readOnly[T]{b}
}

type readOnly[T any] struct {
	b *Beacon[T]
}

func (r readOnly[T]) Value() T                       { return r.b.Value() }
func (r readOnly[T]) Listen(callback func(T)) func() { return r.b.Listen(callback) }
