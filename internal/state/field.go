// Package state holds the replicated race state: observable fields, the
// per-tick car store and the outbound event queue.
package state

import "sync"

// Field is a replicated value that notifies observers after each change.
// Observers run on the goroutine that applied the update, outside the lock,
// in subscription order.
type Field[T comparable] struct {
	mu        sync.Mutex
	value     T
	observers []observer[T]
	nextID    int
}

type observer[T comparable] struct {
	id int
	fn func(old, current T)
}

// NewField constructs a field holding initial.
func NewField[T comparable](initial T) *Field[T] {
	return &Field[T]{value: initial}
}

// Get returns the current value.
func (f *Field[T]) Get() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Set stores value and notifies observers when it differs from the current
// one. It reports whether the value changed.
func (f *Field[T]) Set(value T) bool {
	f.mu.Lock()
	old := f.value
	if old == value {
		f.mu.Unlock()
		return false
	}
	f.value = value
	observers := append([]observer[T](nil), f.observers...)
	f.mu.Unlock()

	for _, o := range observers {
		o.fn(old, value)
	}
	return true
}

// Observe registers fn and returns a function that removes it.
func (f *Field[T]) Observe(fn func(old, current T)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.observers = append(f.observers, observer[T]{id: id, fn: fn})
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, o := range f.observers {
				if o.id == id {
					f.observers = append(f.observers[:i:i], f.observers[i+1:]...)
					return
				}
			}
		})
	}
}
