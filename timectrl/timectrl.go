package timectrl

import (
	"sort"
	"sync"
	"time"
)

// SimClock gives access to simulation time. The event scheduler and the
// process timeouts depend on this abstraction rather than on the controller,
// so tests can substitute a fixed clock.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d has
	// elapsed in simulation time.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

type timer struct {
	at time.Time
	ch chan time.Time
}

// TimeController drives simulation time and notifies registered listeners
// each time it moves.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	timers      []timer
	listeners   []func(time.Time)
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// After returns a channel that fires when simulation time reaches Now()+d.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	at := tc.currentTime.Add(d)
	if d <= 0 {
		ch <- tc.currentTime
		return ch
	}
	idx := sort.Search(len(tc.timers), func(i int) bool { return tc.timers[i].at.After(at) })
	tc.timers = append(tc.timers, timer{})
	copy(tc.timers[idx+1:], tc.timers[idx:])
	tc.timers[idx] = timer{at: at, ch: ch}
	return ch
}

// SetTime moves simulation time to t, fires due timers and notifies
// listeners. Time may be set backwards; pending timers then wait longer.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	n := 0
	for n < len(tc.timers) && !tc.timers[n].at.After(t) {
		tc.timers[n].ch <- t
		n++
	}
	tc.timers = tc.timers[n:]
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
}

// Advance moves simulation time forward by d.
func (tc *TimeController) Advance(d time.Duration) time.Time {
	t := tc.Now().Add(d)
	tc.SetTime(t)
	return t
}

// AddListener registers a callback invoked on every time change.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Start runs the controller for the specified duration in a separate goroutine.
// It returns a channel that is closed when the controller finishes. A zero
// duration runs until the process exits.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.SetTime(tc.StartTime)
		simTime := tc.StartTime
		elapsed := time.Duration(0)

		var tick <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			if tick != nil {
				<-tick
			}
			simTime = simTime.Add(tc.Tick)
			elapsed += tc.Tick
			tc.SetTime(simTime)
		}
	}()
	return done
}
