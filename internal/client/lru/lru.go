// Package lru provides a fixed-capacity recency set.
package lru

import "container/list"

const DefaultCapacity = 256

// Set remembers up to Capacity keys, evicting the least recently used one.
// It is not safe for concurrent use; callers hold their own lock.
type Set struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List // most recent at the front
}

func New(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Set{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Add inserts key or refreshes it. It returns the evicted key, if any.
func (s *Set) Add(key string) (evicted string, ok bool) {
	if e, found := s.entries[key]; found {
		s.order.MoveToFront(e)
		return "", false
	}
	if s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		evicted = oldest.Value.(string)
		s.order.Remove(oldest)
		delete(s.entries, evicted)
		ok = true
	}
	s.entries[key] = s.order.PushFront(key)
	return evicted, ok
}

// Contains reports membership and marks key as recently used.
func (s *Set) Contains(key string) bool {
	e, found := s.entries[key]
	if found {
		s.order.MoveToFront(e)
	}
	return found
}

func (s *Set) Remove(key string) {
	if e, found := s.entries[key]; found {
		s.order.Remove(e)
		delete(s.entries, key)
	}
}

func (s *Set) Len() int { return s.order.Len() }
