package scheduler

import (
	"sync"
	"time"
)

// FakeEventScheduler is an EventScheduler with its own notion of simulation
// time. Tests advance it explicitly and due events run deterministically.
type FakeEventScheduler struct {
	mu  sync.Mutex
	now time.Time
	q   queue
}

// NewFakeEventScheduler creates a new fake event scheduler starting at the given time.
func NewFakeEventScheduler(start time.Time) *FakeEventScheduler {
	return &FakeEventScheduler{now: start, q: newQueue("fake-ev")}
}

// Now returns the current fake simulation time.
func (s *FakeEventScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *FakeEventScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.add(at, f).id
}

func (s *FakeEventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q.cancel(id)
}

// Pending returns the number of scheduled, not yet executed events.
func (s *FakeEventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.pending()
}

// RunDue executes all events whose scheduled time is <= now.
func (s *FakeEventScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.q.pop(s.now)
		s.mu.Unlock()
		if ev == nil {
			return
		}
		if ev.f != nil {
			ev.f()
		}
	}
}

// AdvanceTo sets the fake simulation time to the given time and executes all due events.
// Time is kept monotonic (does not go backwards).
func (s *FakeEventScheduler) AdvanceTo(t time.Time) {
	s.mu.Lock()
	if t.Before(s.now) {
		s.mu.Unlock()
		return
	}
	s.now = t
	s.mu.Unlock()

	s.RunDue()
}

// AdvanceBy moves time forward by d and executes all due events.
func (s *FakeEventScheduler) AdvanceBy(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}

// RunUntilIdle jumps from event time to event time until nothing is
// scheduled or limit steps were taken. It returns the number of steps.
func (s *FakeEventScheduler) RunUntilIdle(limit int) int {
	steps := 0
	for steps < limit {
		s.mu.Lock()
		next, ok := s.q.next()
		if next.Before(s.now) {
			next = s.now
		}
		s.mu.Unlock()
		if !ok {
			break
		}
		s.AdvanceTo(next)
		steps++
	}
	return steps
}
