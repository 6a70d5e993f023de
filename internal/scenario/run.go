package scenario

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/gatesim/internal/entity"
	"github.com/signalsfoundry/gatesim/internal/logging"
	"github.com/signalsfoundry/gatesim/internal/process"
)

// Outcome is the state of one scenario connection.
type Outcome struct {
	Name        string
	Started     bool
	Established bool

	// Err is the Connect error, or the termination cause once the
	// connection ended.
	Err  error
	Conn *entity.Connection
}

// Closed reports whether the connection ended by an orderly close.
func (o Outcome) Closed() bool { return errors.Is(o.Err, process.ErrClosed) }

// Run tracks the connections of a scheduled scenario.
type Run struct {
	mu      sync.Mutex
	entries []*Outcome
}

// Schedule registers every connection and event of s with the scheduler of
// w, relative to the scheduler's current time. The returned Run fills in as
// the scheduler executes.
func Schedule(ctx context.Context, s *Scenario, w *entity.World, log logging.Logger) (*Run, error) {
	log = logging.OrNoop(log)
	start := w.Sched.Now()
	run := &Run{}

	for _, c := range s.Connections {
		req, err := c.Requirements.Description()
		if err != nil {
			return nil, err
		}
		out := &Outcome{Name: c.label()}
		run.entries = append(run.entries, out)

		w.Sched.Schedule(start.Add(c.At.Duration()), func() {
			conn, err := w.Connect(ctx, c.Src, c.Dst, req)
			run.mu.Lock()
			out.Started = err == nil
			out.Err = err
			out.Conn = conn
			run.mu.Unlock()
			if err != nil {
				log.Warn(ctx, "scenario connection rejected", logging.String("connection", out.Name), logging.Err(err))
				return
			}
			log.Info(ctx, "scenario connection started",
				logging.String("connection", out.Name),
				logging.String("conn_id", conn.ID),
				logging.Any("route", conn.Route.Hops),
			)
			if hold := c.Hold.Duration(); hold > 0 {
				w.Sched.Schedule(w.Sched.Now().Add(hold), func() { conn.Close(ctx) })
			}
		})
	}

	for _, ev := range s.Events {
		a, b, up, err := ev.link()
		if err != nil {
			return nil, err
		}
		w.Sched.Schedule(start.Add(ev.At.Duration()), func() {
			if err := w.KB.SetLinkUp(a, b, up); err != nil {
				log.Warn(ctx, "scenario link event failed", logging.String("a", a), logging.String("b", b), logging.Err(err))
				return
			}
			log.Info(ctx, "scenario link event", logging.String("a", a), logging.String("b", b), logging.Bool("up", up))
		})
	}
	return run, nil
}

// Outcomes returns the current state of every connection in scenario order.
func (r *Run) Outcomes() []Outcome {
	r.mu.Lock()
	entries := make([]Outcome, len(r.entries))
	for i, e := range r.entries {
		entries[i] = *e
	}
	r.mu.Unlock()

	for i := range entries {
		if c := entries[i].Conn; c != nil {
			entries[i].Established = c.Established()
			entries[i].Err = c.Err()
		}
	}
	return entries
}

// Summary counts outcomes by result.
type Summary struct {
	Rejected, Established, Closed, Failed, Pending int
}

// Summarize reduces the outcomes of r.
func (r *Run) Summarize() Summary {
	var s Summary
	for _, o := range r.Outcomes() {
		switch {
		case !o.Started && o.Err != nil:
			s.Rejected++
		case !o.Started:
			s.Pending++
		case o.Established:
			s.Established++
		case o.Err == nil:
			s.Pending++
		case o.Closed():
			s.Closed++
		default:
			s.Failed++
		}
	}
	return s
}

// Horizon is the simulated time after the start by which every connection
// and event of s has been scheduled to happen.
func (s *Scenario) Horizon() time.Duration {
	var h time.Duration
	for _, c := range s.Connections {
		h = max(h, c.At.Duration()+c.Hold.Duration())
	}
	for _, ev := range s.Events {
		h = max(h, ev.At.Duration())
	}
	return h
}
