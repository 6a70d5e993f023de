// Package scheduler runs simulation callbacks at simulation times. Packet
// delivery between nodes and process timeouts are scheduled here.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/gatesim/timectrl"
)

// EventScheduler schedules callbacks to run at specific simulation times
// based on a SimClock implementation.
//
// The simulation loop advances time with the time controller and calls
// RunDue after each step. The signaling transport and the per-host timeout
// handling use Schedule and Cancel.
type EventScheduler interface {
	// Schedule registers a callback f to run at simulation time 'at'.
	// It returns an opaque event ID that can be used to cancel the event.
	Schedule(at time.Time, f func()) (id string)

	// Cancel attempts to cancel a previously scheduled event.
	// It is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current simulation time, usually delegated to the underlying SimClock.
	Now() time.Time

	// RunDue executes all events whose scheduled time is <= Now().
	// Callbacks may schedule further events; those run in the same call
	// when they are already due.
	RunDue()
}

// Metrics observes scheduler activity.
type Metrics interface {
	EventScheduled()
	EventExecuted(lag time.Duration)
	SetPendingEvents(n int)
}

type noopMetrics struct{}

func (noopMetrics) EventScheduled()             {}
func (noopMetrics) EventExecuted(time.Duration) {}
func (noopMetrics) SetPendingEvents(int)        {}

// scheduledEvent represents a single scheduled callback.
type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// queue keeps events ordered by time; events at equal times run in
// scheduling order.
type queue struct {
	counter uint64
	prefix  string
	events  []*scheduledEvent
	index   map[string]*scheduledEvent
}

func newQueue(prefix string) queue {
	return queue{prefix: prefix, index: make(map[string]*scheduledEvent)}
}

func (q *queue) add(at time.Time, f func()) *scheduledEvent {
	q.counter++
	ev := &scheduledEvent{id: fmt.Sprintf("%s-%d", q.prefix, q.counter), when: at, f: f}
	idx := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].when.After(at)
	})
	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = ev
	q.index[ev.id] = ev
	return ev
}

func (q *queue) cancel(id string) bool {
	ev, ok := q.index[id]
	if !ok {
		return false
	}
	ev.cancelled = true
	delete(q.index, id)
	return true
}

// pop removes the earliest live event due at now.
func (q *queue) pop(now time.Time) *scheduledEvent {
	for len(q.events) > 0 {
		ev := q.events[0]
		if ev.cancelled {
			q.events = q.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		q.events = q.events[1:]
		delete(q.index, ev.id)
		return ev
	}
	return nil
}

// next returns the time of the earliest live event.
func (q *queue) next() (time.Time, bool) {
	for _, ev := range q.events {
		if !ev.cancelled {
			return ev.when, true
		}
	}
	return time.Time{}, false
}

func (q *queue) pending() int { return len(q.index) }

// eventScheduler is the EventScheduler driven by a SimClock.
type eventScheduler struct {
	clock   timectrl.SimClock
	metrics Metrics

	mu sync.Mutex
	q  queue
}

// Option configures a scheduler.
type Option func(*eventScheduler)

// WithMetrics reports scheduling activity to m.
func WithMetrics(m Metrics) Option {
	return func(s *eventScheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewEventScheduler creates a new event scheduler backed by the given SimClock,
// usually the time controller of the simulation run.
func NewEventScheduler(clock timectrl.SimClock, opts ...Option) EventScheduler {
	s := &eventScheduler{
		clock:   clock,
		metrics: noopMetrics{},
		q:       newQueue("ev"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *eventScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	ev := s.q.add(at, f)
	pending := s.q.pending()
	s.mu.Unlock()

	s.metrics.EventScheduled()
	s.metrics.SetPendingEvents(pending)
	return ev.id
}

func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	ok := s.q.cancel(id)
	pending := s.q.pending()
	s.mu.Unlock()
	if ok {
		s.metrics.SetPendingEvents(pending)
	}
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *eventScheduler) RunDue() {
	for {
		now := s.clock.Now()
		s.mu.Lock()
		ev := s.q.pop(now)
		pending := s.q.pending()
		s.mu.Unlock()
		if ev == nil {
			return
		}
		s.metrics.SetPendingEvents(pending)

		// Callbacks run outside the lock so they can schedule further events.
		if ev.f != nil {
			ev.f()
		}
		s.metrics.EventExecuted(now.Sub(ev.when))
	}
}
