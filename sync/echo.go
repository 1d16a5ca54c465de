package sync

import (
	"sync"
	"time"
)

// DefaultEchoWindow absorbs normal fan-out latency without suppressing a
// legitimate second toggle shortly after.
const DefaultEchoWindow = 2000 * time.Millisecond

type echoMarker struct {
	expected string
	at       time.Time
}

// EchoWindow prevents an optimistic local change from being applied twice
// when the backend's realtime fan-out echoes it back. Markers are keyed by
// entity id and expire after a fixed window; an expired marker is treated
// as absent.
type EchoWindow struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	markers map[string]echoMarker
}

func NewEchoWindow(window time.Duration) *EchoWindow {
	if window <= 0 {
		window = DefaultEchoWindow
	}
	return &EchoWindow{
		window:  window,
		now:     time.Now,
		markers: make(map[string]echoMarker),
	}
}

// Mark records that a mutation on id expects a corroborating event of the
// given kind. A prior marker for the same id is overwritten.
func (w *EchoWindow) Mark(id, expectedKind string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.markers[id] = echoMarker{expected: expectedKind, at: w.now()}
}

// Discard drops the marker for id, used when the mutation request fails and
// no echo will arrive.
func (w *EchoWindow) Discard(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.markers, id)
}

// TryConsume reports whether an unexpired marker matches (id, observedKind),
// deleting it on success. Expired markers are removed and report false: the
// event is then applied as if it originated elsewhere.
func (w *EchoWindow) TryConsume(id, observedKind string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, ok := w.markers[id]
	if !ok {
		return false
	}
	if w.now().Sub(m.at) >= w.window {
		delete(w.markers, id)
		return false
	}
	if m.expected != observedKind {
		return false
	}
	delete(w.markers, id)
	return true
}
