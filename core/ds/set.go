// Package ds provides small generic data structures used by the puppet
// registry.
package ds

import (
	"fmt"
	"slices"
)

// Set is an insertion-ordered set with O(1) membership testing. The registry
// uses it for the children of a puppet so that cascades visit them in a
// deterministic order.
//
// A Set is not safe for concurrent use.
type Set[T comparable] struct {
	items map[T]int // value -> position in order
	order []T
}

// NewSet creates a set holding items in the given order.
func NewSet[T comparable](items ...T) *Set[T] {
	s := &Set[T]{items: make(map[T]int, len(items)), order: make([]T, 0, len(items))}
	for _, item := range items {
		s.Add(item)
	}
	return s
}

func (s *Set[T]) String() string {
	return fmt.Sprintf("%v", s.order)
}

// Add appends v unless it is already present. It reports whether v was added.
func (s *Set[T]) Add(v T) bool {
	if _, ok := s.items[v]; ok {
		return false
	}
	s.items[v] = len(s.order)
	s.order = append(s.order, v)
	return true
}

// Remove deletes v and reports whether it was present. Order of the
// remaining elements is kept.
func (s *Set[T]) Remove(v T) bool {
	i, ok := s.items[v]
	if !ok {
		return false
	}
	delete(s.items, v)
	s.order = slices.Delete(s.order, i, i+1)
	for j := i; j < len(s.order); j++ {
		s.items[s.order[j]] = j
	}
	return true
}

func (s *Set[T]) Contains(v T) bool {
	_, ok := s.items[v]
	return ok
}

func (s *Set[T]) Len() int { return len(s.order) }

func (s *Set[T]) IsEmpty() bool { return len(s.order) == 0 }

// Values returns a copy of the elements in insertion order.
func (s *Set[T]) Values() []T {
	return slices.Clone(s.order)
}

// Reversed returns a copy of the elements, most recently added first.
func (s *Set[T]) Reversed() []T {
	out := slices.Clone(s.order)
	slices.Reverse(out)
	return out
}
