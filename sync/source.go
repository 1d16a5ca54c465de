package sync

import (
	"sync"
	"sync/atomic"

	"agrisync/models"
)

// EventHandler receives normalized change events.
type EventHandler func(models.ChangeEvent)

// EventFilter narrows a subscription; nil accepts everything.
type EventFilter func(models.ChangeEvent) bool

// Source is a change event source for one logical topic space. Multiple
// independent subscriptions to the same topic are supported. A dropped
// connection is not retried here: the subscription closes and the consumer
// re-fetches authoritative state on its next refresh.
type Source interface {
	Subscribe(topic string, filter EventFilter, fn EventHandler) (*Subscription, error)
}

// Subscription is a live handle to one subscription. Unsubscribe is
// idempotent and guarantees no handler invocation after it returns, even
// for deliveries already in flight.
type Subscription struct {
	mu     sync.Mutex
	alive  atomic.Bool
	filter EventFilter
	fn     EventHandler
	stop   func()
}

func newSubscription(filter EventFilter, fn EventHandler, stop func()) *Subscription {
	s := &Subscription{filter: filter, fn: fn, stop: stop}
	s.alive.Store(true)
	return s
}

// Unsubscribe tears down the subscription. Safe to call multiple times and
// during teardown races.
func (s *Subscription) Unsubscribe() {
	if !s.alive.CompareAndSwap(true, false) {
		return
	}
	// Hold the dispatch lock so any in-flight handler completes before we
	// return, and none start afterwards.
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Alive reports whether the subscription still delivers events.
func (s *Subscription) Alive() bool {
	return s.alive.Load()
}

// deliver invokes the handler if the subscription is still alive and the
// event passes the filter. The liveness check happens under the same lock
// Unsubscribe takes, closing the race between teardown and delivery.
func (s *Subscription) deliver(ev models.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.alive.Load() {
		return
	}
	if s.filter != nil && !s.filter(ev) {
		return
	}
	s.fn(ev)
}
