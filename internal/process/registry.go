package process

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/signalsfoundry/gatesim/internal/logging"
	"github.com/signalsfoundry/gatesim/model"
)

// MetricsRecorder receives registry changes.
type MetricsRecorder interface {
	SetActiveProcesses(host string, n int)
	ProcessFinished(kind, cause string)
}

type noopMetrics struct{}

func (noopMetrics) SetActiveProcesses(string, int) {}
func (noopMetrics) ProcessFinished(string, string) {}

type slot struct {
	node   string
	number int
}

// Registry is the table of live processes of one host.
type Registry struct {
	host    string
	procs   map[Key]*Process
	slots   map[slot][]*Process
	log     logging.Logger
	metrics MetricsRecorder
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(log logging.Logger) Option {
	return func(r *Registry) { r.log = logging.OrNoop(log) }
}

func WithMetrics(m MetricsRecorder) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRegistry returns an empty registry for host.
func NewRegistry(host string, opts ...Option) *Registry {
	r := &Registry{
		host:    host,
		procs:   make(map[Key]*Process),
		slots:   make(map[slot][]*Process),
		log:     logging.Noop(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds p. A second live process under the same key is a bug and
// yields an internal consistency error.
func (r *Registry) Register(ctx context.Context, p *Process) error {
	if p == nil {
		return fmt.Errorf("%w: register nil process", model.ErrInternalConsistency)
	}
	if existing, ok := r.procs[p.key]; ok {
		err := fmt.Errorf("%w: duplicate process %s (live: %s)", model.ErrInternalConsistency, p.key, existing)
		r.log.Error(ctx, "duplicate process registration",
			logging.String("host", r.host),
			logging.String("process", p.key.String()),
			logging.Err(err),
		)
		return err
	}
	if p.IsFinished() {
		return fmt.Errorf("%w: register finished process %s", model.ErrInternalConsistency, p.key)
	}
	p.registry = r
	r.procs[p.key] = p
	s := slot{node: p.key.Node, number: p.key.Number}
	r.slots[s] = append(r.slots[s], p)
	r.metrics.SetActiveProcesses(r.host, len(r.procs))
	r.log.Debug(ctx, "process registered",
		logging.String("host", r.host),
		logging.String("process", p.String()),
	)
	return nil
}

// Unregister removes p without terminating it. It reports whether p was
// registered.
func (r *Registry) Unregister(ctx context.Context, p *Process) bool {
	if p == nil || r.procs[p.key] != p {
		return false
	}
	r.remove(ctx, p)
	return true
}

func (r *Registry) remove(ctx context.Context, p *Process) {
	if r.procs[p.key] != p {
		return
	}
	delete(r.procs, p.key)
	s := slot{node: p.key.Node, number: p.key.Number}
	list := r.slots[s]
	for i, q := range list {
		if q == p {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.slots, s)
	} else {
		r.slots[s] = list
	}
	p.registry = nil
	if p.IsFinished() {
		r.metrics.ProcessFinished(p.kind, causeLabel(p.cause))
	}
	r.metrics.SetActiveProcesses(r.host, len(r.procs))
	r.log.Debug(ctx, "process unregistered",
		logging.String("host", r.host),
		logging.String("process", p.String()),
	)
}

// Lookup finds the live process at node with the given number that accepts
// messages from sender.
func (r *Registry) Lookup(node string, sender model.Identity, number int) (*Process, bool) {
	if p, ok := r.procs[Key{Node: node, Owner: sender, Number: number}]; ok && !p.IsFinished() {
		return p, true
	}
	for _, p := range r.slots[slot{node: node, number: number}] {
		if !p.IsFinished() && p.AcceptsFrom(sender) {
			return p, true
		}
	}
	return nil, false
}

// Get returns the process registered under key.
func (r *Registry) Get(key Key) (*Process, bool) {
	p, ok := r.procs[key]
	return p, ok
}

// Processes returns the processes at node ordered by number. An empty node
// selects every process of the host.
func (r *Registry) Processes(node string) []*Process {
	out := make([]*Process, 0, len(r.procs))
	for _, p := range r.procs {
		if node == "" || p.key.Node == node {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].key.Number != out[j].key.Number {
			return out[i].key.Number < out[j].key.Number
		}
		return out[i].key.Owner < out[j].key.Owner
	})
	return out
}

func (r *Registry) Len() int { return len(r.procs) }

// TerminateAll terminates every live process with cause and returns how
// many were terminated.
func (r *Registry) TerminateAll(ctx context.Context, cause error) int {
	n := 0
	for _, p := range r.Processes("") {
		if p.Terminate(ctx, cause) {
			n++
		}
	}
	return n
}

func causeLabel(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrStartTimeout):
		return "timeout"
	default:
		return model.KindOf(err).String()
	}
}
