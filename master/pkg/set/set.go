// Package set is a small generic set built on maps.
package set

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Set is an unordered set of values of type T. It is a defined map type, so ranging, len and
// literal construction work as usual.
type Set[T comparable] map[T]struct{}

// New returns an empty set.
func New[T comparable](vals ...T) Set[T] {
	s := make(Set[T], len(vals))
	for _, v := range vals {
		s[v] = struct{}{}
	}
	return s
}

// FromSlice returns a set containing the values in vals.
func FromSlice[T comparable](vals []T) Set[T] {
	return New(vals...)
}

// Contains reports whether v is in s. A nil set contains nothing.
func (s Set[T]) Contains(v T) bool {
	_, ok := s[v]
	return ok
}

// Insert adds v and reports whether it was absent.
func (s Set[T]) Insert(v T) bool {
	if s.Contains(v) {
		return false
	}
	s[v] = struct{}{}
	return true
}

// Remove deletes v and reports whether it was present.
func (s Set[T]) Remove(v T) bool {
	if !s.Contains(v) {
		return false
	}
	delete(s, v)
	return true
}

// Len returns the number of elements.
func (s Set[T]) Len() int {
	return len(s)
}

// Clone returns a shallow copy.
func (s Set[T]) Clone() Set[T] {
	return maps.Clone(s)
}

// ToSlice returns the elements in unspecified order.
func (s Set[T]) ToSlice() []T {
	return maps.Keys(s)
}

// Sorted returns the elements of s in ascending order.
func Sorted[T constraints.Ordered](s Set[T]) []T {
	out := maps.Keys(s)
	slices.Sort(out)
	return out
}
