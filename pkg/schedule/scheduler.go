package schedule

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Timer kinds used by the mesh engine
const (
	KindBurst     = "burst"     // Layer A idle timer, keyed by peer
	KindFragment  = "fragment"  // Layer B completion timer, keyed by chunk message id
	KindConnect   = "connect"   // connect timeout, keyed by peer
	KindTyping    = "typing"    // received typing expiry, keyed by author
	KindReconnect = "reconnect" // periodic reconnect sweep
)

// Key identifies a timer. Scheduling a key that is already pending replaces it.
type Key struct {
	Kind string
	ID   string
}

type entry struct {
	timer *clock.Timer
	gen   uint64
}

// Scheduler owns a set of keyed timers. It is not safe for concurrent use:
// every method must be called on the loop it was created with, and every
// timer callback runs on that loop.
type Scheduler struct {
	clock  clock.Clock
	loop   *Loop
	timers map[Key]*entry
	gen    uint64
}

// NewScheduler creates a scheduler whose callbacks run on loop
func NewScheduler(clk clock.Clock, loop *Loop) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		clock:  clk,
		loop:   loop,
		timers: make(map[Key]*entry),
	}
}

// Clock returns the clock timers are armed on
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Schedule arms fn to run after d, replacing any pending timer for key
func (s *Scheduler) Schedule(key Key, d time.Duration, fn func()) {
	s.Cancel(key)

	s.gen++
	gen := s.gen
	e := &entry{gen: gen}
	e.timer = s.clock.AfterFunc(d, func() {
		s.loop.Post(func() {
			cur, ok := s.timers[key]
			if !ok || cur.gen != gen {
				return // cancelled or replaced after firing
			}
			delete(s.timers, key)
			fn()
		})
	})
	s.timers[key] = e
}

// Every runs fn every interval until the key is cancelled
func (s *Scheduler) Every(key Key, interval time.Duration, fn func()) {
	var tick func()
	tick = func() {
		s.Schedule(key, interval, tick)
		fn()
	}
	s.Schedule(key, interval, tick)
}

// Cancel stops the timer for key. Returns whether one was pending.
func (s *Scheduler) Cancel(key Key) bool {
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, key)
	return true
}

// CancelID stops every timer, of any kind, keyed by id
func (s *Scheduler) CancelID(id string) int {
	n := 0
	for key := range s.timers {
		if key.ID == id && s.Cancel(key) {
			n++
		}
	}
	return n
}

// CancelAll stops every pending timer
func (s *Scheduler) CancelAll() {
	for key := range s.timers {
		s.Cancel(key)
	}
}

// Len returns the number of armed timers
func (s *Scheduler) Len() int {
	return len(s.timers)
}
