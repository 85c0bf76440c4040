// Package backoff provides the reconnect timer used when a host cannot be reached.
package backoff

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultInitial is the delay of the first retry.
	DefaultInitial = 500 * time.Millisecond
	// DefaultMax caps the retry delay.
	DefaultMax = 32 * time.Second
)

// Scheduler runs at most one pending task, doubling the delay each time a timer is armed.
// It is either idle (no timer) or scheduled (exactly one timer outstanding).
type Scheduler struct {
	mu      sync.Mutex
	clock   clock.Clock
	initial time.Duration
	max     time.Duration
	next    time.Duration
	timer   *clock.Timer
	gen     uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithBounds overrides the initial and maximum delay. Non-positive values keep the defaults.
func WithBounds(initial, max time.Duration) Option {
	return func(s *Scheduler) {
		if initial > 0 {
			s.initial = initial
		}
		if max > 0 {
			s.max = max
		}
	}
}

// New creates an idle scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:   clock.New(),
		initial: DefaultInitial,
		max:     DefaultMax,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.max < s.initial {
		s.max = s.initial
	}
	s.next = s.initial
	return s
}

// Schedule cancels any pending timer and arms a new one at the current delay.
// It returns the delay that was used.
func (s *Scheduler) Schedule(task func()) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	delay := s.next
	s.next *= 2
	if s.next > s.max {
		s.next = s.max
	}

	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.gen != gen {
			// replaced or cleared after the timer fired but before we got the lock
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		task()
	})
	return delay
}

// Clear cancels any pending timer and resets the delay to its initial value.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.gen++
	s.next = s.initial
}

// Pending reports whether a timer is outstanding.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// NextDelay returns the delay the next Schedule call will use.
func (s *Scheduler) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
