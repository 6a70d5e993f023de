// Package process tracks the in-flight connection and gate construction
// operations of one host and correlates signaling answers to them.
//
// A Process and its Registry are guarded by the lock of the host they live
// on; none of the methods here synchronize on their own.
package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/gatesim/model"
)

// State is the lifecycle phase of a process.
type State int

const (
	StateInit State = iota
	StateStarting
	StateOperating
	// StateClosing is terminal; a process in it is finished.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStarting:
		return "starting"
	case StateOperating:
		return "operating"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrStartTimeout terminates a process that did not reach the operating
	// state in time.
	ErrStartTimeout = errors.New("process start timed out")
	// ErrClosed is the cause of an orderly shutdown.
	ErrClosed       = errors.New("process closed")

	ErrBadTransition = errors.New("invalid process state transition")
)

// Key identifies a process on its host.
type Key struct {
	Node   string
	Owner  model.Identity
	Number int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Node, k.Owner, k.Number)
}

// Handler reacts to the termination of its process. It runs once, with the
// host lock held, after the process entered StateClosing.
type Handler interface {
	Terminated(ctx context.Context, p *Process, cause error)
}

// ErrorHandler lets a handler intercept error notifications instead of
// terminating the process.
type ErrorHandler interface {
	ErrorNotified(ctx context.Context, p *Process, err error)
}

// Observer is told about every state change.
type Observer func(p *Process, from, to State)

// Process is the handle of one in-flight operation.
type Process struct {
	key       Key
	kind      string
	state     State
	cause     error
	peers     map[model.Identity]struct{}
	handler   Handler
	observers []Observer
	registry  *Registry
}

// New creates a process in StateInit. kind labels it in logs and metrics.
func New(key Key, kind string, h Handler) *Process {
	return &Process{
		key:     key,
		kind:    kind,
		handler: h,
		peers:   make(map[model.Identity]struct{}),
	}
}

func (p *Process) Key() Key                { return p.key }
func (p *Process) Number() int             { return p.key.Number }
func (p *Process) Owner() model.Identity   { return p.key.Owner }
func (p *Process) Kind() string            { return p.kind }
func (p *Process) State() State            { return p.state }
func (p *Process) Handler() Handler        { return p.handler }
func (p *Process) IsFinished() bool        { return p.state == StateClosing }
func (p *Process) TerminationCause() error { return p.cause }

func (p *Process) String() string {
	return fmt.Sprintf("%s %s (%s)", p.kind, p.key, p.state)
}

// AddPeer lets answers signed by id reach the process.
func (p *Process) AddPeer(id model.Identity) {
	p.peers[id] = struct{}{}
}

// AcceptsFrom reports whether a message signed by id may address the process.
func (p *Process) AcceptsFrom(id model.Identity) bool {
	if id == p.key.Owner {
		return true
	}
	_, ok := p.peers[id]
	return ok
}

// OnStateChange registers an observer.
func (p *Process) OnStateChange(fn Observer) {
	if fn != nil {
		p.observers = append(p.observers, fn)
	}
}

func (p *Process) transition(to State) {
	from := p.state
	p.state = to
	for _, fn := range p.observers {
		fn(p, from, to)
	}
}

// Start moves the process from init to starting.
func (p *Process) Start() error {
	if p.state != StateInit {
		return fmt.Errorf("%w: %s cannot start from %s", ErrBadTransition, p.key, p.state)
	}
	p.transition(StateStarting)
	return nil
}

// Operate marks the process as established.
func (p *Process) Operate() error {
	if p.state != StateStarting {
		return fmt.Errorf("%w: %s cannot operate from %s", ErrBadTransition, p.key, p.state)
	}
	p.transition(StateOperating)
	return nil
}

// Terminate finishes the process with cause, unregisters it and calls its
// handler. It reports false, and does nothing, when the process already
// finished.
func (p *Process) Terminate(ctx context.Context, cause error) bool {
	if p.IsFinished() {
		return false
	}
	if cause == nil {
		cause = ErrClosed
	}
	p.cause = cause
	p.transition(StateClosing)
	if p.registry != nil {
		p.registry.remove(ctx, p)
	}
	if p.handler != nil {
		p.handler.Terminated(ctx, p, cause)
	}
	return true
}

// ErrorNotification delivers an error reported by a peer. Unless the
// handler intercepts it, the process terminates with err.
func (p *Process) ErrorNotification(ctx context.Context, err error) {
	if p.IsFinished() {
		return
	}
	if eh, ok := p.handler.(ErrorHandler); ok {
		eh.ErrorNotified(ctx, p, err)
		return
	}
	p.Terminate(ctx, err)
}

// Expire terminates the process with ErrStartTimeout if it is still
// starting. It reports whether it did.
func (p *Process) Expire(ctx context.Context) bool {
	if p.state != StateStarting {
		return false
	}
	return p.Terminate(ctx, fmt.Errorf("%w: %s", ErrStartTimeout, p.key))
}
