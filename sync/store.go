// Package sync is the client-side synchronizer kit: an in-memory projection
// of server state kept eventually consistent through realtime change events,
// with optimistic mutations and echo suppression layered on top.
package sync

import (
	"reflect"
	"sync"
)

// Entity is anything the store can project: it must expose a stable id.
type Entity interface {
	EntityID() string
}

// Store holds the current known state of one entity collection for the
// active session. Realtime inserts are prepended (recency order); paginated
// fetches are appended. Mutations are idempotent with respect to redelivery:
// re-applying an identical upsert changes nothing and does not duplicate.
type Store[T Entity] struct {
	mu      sync.RWMutex
	items   []T
	index   map[string]int
	subs    map[int]func()
	nextSub int
}

func NewStore[T Entity]() *Store[T] {
	return &Store[T]{
		index: make(map[string]int),
		subs:  make(map[int]func()),
	}
}

// Upsert inserts the entity at the head if unseen, otherwise replaces the
// existing entry in place. Later events win by arrival order.
func (s *Store[T]) Upsert(e T) {
	s.apply(func() bool {
		id := e.EntityID()
		if i, ok := s.index[id]; ok {
			if reflect.DeepEqual(s.items[i], e) {
				return false
			}
			s.items[i] = e
			return true
		}
		s.items = append([]T{e}, s.items...)
		s.reindex()
		return true
	})
}

// Append adds the entity at the tail (pagination order). An already-present
// id is treated as an Upsert of the existing position.
func (s *Store[T]) Append(e T) {
	s.apply(func() bool {
		id := e.EntityID()
		if i, ok := s.index[id]; ok {
			if reflect.DeepEqual(s.items[i], e) {
				return false
			}
			s.items[i] = e
			return true
		}
		s.items = append(s.items, e)
		s.index[id] = len(s.items) - 1
		return true
	})
}

// Remove deletes the entity if present; no-op otherwise.
func (s *Store[T]) Remove(id string) {
	s.apply(func() bool {
		i, ok := s.index[id]
		if !ok {
			return false
		}
		s.items = append(s.items[:i], s.items[i+1:]...)
		s.reindex()
		return true
	})
}

// Replace swaps the whole collection, used by Refresh to re-sync from the
// authoritative source.
func (s *Store[T]) Replace(items []T) {
	s.apply(func() bool {
		s.items = append([]T(nil), items...)
		s.reindex()
		return true
	})
}

// Get returns the entity by id.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var zero T
	i, ok := s.index[id]
	if !ok {
		return zero, false
	}
	return s.items[i], true
}

// List returns the current ordered view, optionally filtered. The returned
// slice is a copy; callers may not mutate store state through it.
func (s *Store[T]) List(filter func(T) bool) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]T, 0, len(s.items))
	for _, e := range s.items {
		if filter == nil || filter(e) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of projected entities.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Subscribe registers a callback invoked after every effective mutation.
// The returned function unregisters it and is safe to call more than once.
func (s *Store[T]) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// apply runs a mutation under the lock and notifies subscribers outside it
// when the mutation actually changed state.
func (s *Store[T]) apply(mutate func() bool) {
	s.mu.Lock()
	changed := mutate()
	var fns []func()
	if changed {
		fns = make([]func(), 0, len(s.subs))
		for _, fn := range s.subs {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (s *Store[T]) reindex() {
	s.index = make(map[string]int, len(s.items))
	for i, e := range s.items {
		s.index[e.EntityID()] = i
	}
}
