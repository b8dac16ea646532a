// Package dedup implements the router's recently-seen set: the mechanism
// that suppresses duplicate application messages by identifier.
//
// An unbounded set would leak for the lifetime of a long-running node, so
// this is a time-windowed cache: an id is remembered only long enough to
// catch the retransmissions a stop-and-wait sender can plausibly still
// produce (comfortably longer than AckWait * MaxAttempts), then pruned.
package dedup

import (
	"sync"
	"time"

	"github.com/appnet-org/lanmesh/pkg/clock"
)

// Set tracks identifiers seen within a trailing time window.
type Set struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	clock  clock.Clock
}

// New returns an empty Set that remembers an identifier for window after it
// was last observed.
func New(window time.Duration, c clock.Clock) *Set {
	return &Set{
		seen:   make(map[string]time.Time),
		window: window,
		clock:  c,
	}
}

// Observe records id as seen now and reports whether it had already been
// seen within the window — a true return means the caller should treat this
// as a duplicate and short-circuit dispatch.
func (s *Set) Observe(id string) (duplicate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if last, ok := s.seen[id]; ok && now.Sub(last) <= s.window {
		s.seen[id] = now
		return true
	}

	s.seen[id] = now
	return false
}

// Prune drops identifiers last seen outside the window. pkg/node runs it on
// its own ticker, once per window, so the set stays bounded for a
// long-running node.
func (s *Set) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for id, last := range s.seen {
		if now.Sub(last) > s.window {
			delete(s.seen, id)
		}
	}
}
