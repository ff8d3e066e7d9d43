package state

import "sync"

// EventStore buffers events until the next tick publishes them.
type EventStore[T any] struct {
	mu     sync.Mutex
	events []T
}

// NewEventStore constructs an event buffer.
func NewEventStore[T any]() *EventStore[T] {
	return &EventStore[T]{}
}

// Add enqueues an event for the next diff.
func (s *EventStore[T]) Add(event T) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

// Len is the number of queued events.
func (s *EventStore[T]) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// ConsumeDiff flushes and returns the queued events in insertion order.
func (s *EventStore[T]) ConsumeDiff() []T {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	//1.- Swap out the slice with a fresh buffer for the next tick.
	events := s.events
	s.events = nil
	s.mu.Unlock()
	return events
}
