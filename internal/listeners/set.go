// Package listeners provides the copy-on-write listener list shared by the
// connection, operation and session fan-outs.
package listeners

import (
	"sync"
	"sync/atomic"
)

// Set holds listeners in insertion order. Snapshot never blocks writers and
// the returned slice is never mutated, so callers may iterate it while
// listeners are added or removed concurrently.
type Set[T comparable] struct {
	mu   sync.Mutex
	list atomic.Pointer[[]T]
}

// Add registers l and reports whether it was not already present.
func (s *Set[T]) Add(l T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.load()
	for _, existing := range current {
		if existing == l {
			return false
		}
	}

	next := make([]T, len(current), len(current)+1)
	copy(next, current)
	next = append(next, l)
	s.list.Store(&next)
	return true
}

func (s *Set[T]) Remove(l T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.load()
	for i, existing := range current {
		if existing != l {
			continue
		}
		next := make([]T, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		s.list.Store(&next)
		return true
	}
	return false
}

func (s *Set[T]) Snapshot() []T {
	return s.load()
}

func (s *Set[T]) Len() int {
	return len(s.load())
}

func (s *Set[T]) load() []T {
	if p := s.list.Load(); p != nil {
		return *p
	}
	return nil
}
