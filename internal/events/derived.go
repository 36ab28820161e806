package events

import "sync"

// Dependency is anything that can signal that it changed.
type Dependency interface {
	OnChange(callback func()) func()
}

// OnChange registers callback for every Set after registration.
func (b *Beacon[T]) OnChange(callback func()) func() {
	return b.event.Listen(func(T) { callback() })
}

// Watch adapts any Observable into a Dependency.
func Watch[T any](o Observable[T]) Dependency {
	return watched[T]{o}
}

type watched[T any] struct {
	o Observable[T]
}

func (w watched[T]) OnChange(callback func()) func() {
	replayed := false
	return w.o.Listen(func(T) {
		if !replayed {
			replayed = true
			return
		}
		callback()
	})
}

// Derived is a value recomputed whenever one of an explicit list of
// dependencies changes. Listeners are only notified when the result changes.
type Derived[T comparable] struct {
	compute  func() T
	out      *Beacon[T]
	mu       sync.Mutex
	unsubs   []func()
	disposed bool
}

var _ Observable[int] = (*Derived[int])(nil)

// Derive computes an initial value and subscribes to deps.
func Derive[T comparable](compute func() T, deps ...Dependency) *Derived[T] {
	d := &Derived[T]{
		compute: compute,
		out:     NewDistinctBeacon(compute()),
	}
	for _, dep := range deps {
		d.unsubs = append(d.unsubs, dep.OnChange(d.recompute))
	}
	return d
}

func (d *Derived[T]) recompute() {
	d.mu.Lock()
	disposed := d.disposed
	d.mu.Unlock()
	if disposed {
		return
	}
	d.out.Set(d.compute())
}

// Recompute forces a recomputation, for inputs that are not observable.
func (d *Derived[T]) Recompute() {
	d.recompute()
}

// Value implements Observable.
func (d *Derived[T]) Value() T {
	return d.out.Value()
}

// Listen implements Observable.
func (d *Derived[T]) Listen(callback func(T)) func() {
	return d.out.Listen(callback)
}

// Dispose detaches the derived value from its dependencies.
func (d *Derived[T]) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	unsubs := d.unsubs
	d.unsubs = nil
	d.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}
