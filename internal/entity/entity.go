// Package entity runs the connection engine of one simulated host. An
// Entity owns the host's forwarding state and process registry, executes
// signaling messages addressed to it and offers Connect to applications.
package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/gatesim/core"
	"github.com/signalsfoundry/gatesim/internal/auth"
	"github.com/signalsfoundry/gatesim/internal/logging"
	"github.com/signalsfoundry/gatesim/internal/process"
	"github.com/signalsfoundry/gatesim/internal/routing"
	"github.com/signalsfoundry/gatesim/internal/signaling"
	"github.com/signalsfoundry/gatesim/internal/sim/scheduler"
	"github.com/signalsfoundry/gatesim/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	kindConnection       = "connection"
	kindGateConstruction = "gate-construction"

	portPrefix = "port:"
	appPrefix  = "app:"

	// DefaultProcessTimeout bounds how long a connection may stay starting.
	DefaultProcessTimeout = 2 * time.Second
)

var (
	ErrLocalDestination = errors.New("destination is the local host")
	ErrLinkDown         = errors.New("link down")
	ErrUnexpectedMsg    = errors.New("unexpected message")
)

func portID(neighbor string) string { return portPrefix + neighbor }
func appID(connID string) string    { return appPrefix + connID }

// Metrics is the measurement sink of an entity and everything it wires.
type Metrics interface {
	signaling.MetricsRecorder
	core.PathMetrics
	process.MetricsRecorder
	ConnectionEstablished(setup time.Duration)
	ConnectionClosed(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDispatch(string, string, int)           {}
func (noopMetrics) PacketDropped(string)                          {}
func (noopMetrics) ObservePathConstruction(time.Duration, string) {}
func (noopMetrics) AddGateChanges(int, int, int, int)             {}
func (noopMetrics) SetActiveProcesses(string, int)                {}
func (noopMetrics) ProcessFinished(string, string)                {}
func (noopMetrics) ConnectionEstablished(time.Duration)           {}
func (noopMetrics) ConnectionClosed(string)                       {}

// Deps are the shared services every entity of a simulation uses.
type Deps struct {
	Auth      auth.Service
	Routes    routing.Service
	Network   *signaling.Network
	Scheduler scheduler.EventScheduler
}

// Entity is the connection engine of one host.
type Entity struct {
	name string
	id   model.Identity

	host       *core.Host
	procs      *process.Registry
	creator    *core.PathCreator
	dispatcher *signaling.Dispatcher

	auth   auth.Service
	routes routing.Service
	net    *signaling.Network
	sched  scheduler.EventScheduler

	log     logging.Logger
	metrics Metrics
	tracer  trace.Tracer

	factory       core.GateFactory
	mapper        process.RequirementsMapper
	parallelize   bool
	shareBE       bool
	timeout       time.Duration
	identityOf    func(host string) model.Identity
	pathObservers []PathObserver
}

// PathObserver is told about every committed local chain.
type PathObserver func(host string, p *process.Process, res *core.PathResult)

// Option configures an Entity.
type Option func(*Entity)

func WithLogger(log logging.Logger) Option {
	return func(e *Entity) { e.log = logging.OrNoop(log) }
}

func WithMetrics(m Metrics) Option {
	return func(e *Entity) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithParallelize lets the two directions of a chain share multiplexers.
func WithParallelize(on bool) Option {
	return func(e *Entity) { e.parallelize = on }
}

// WithProcessTimeout sets how long a connection may stay starting. Zero
// disables the timeout.
func WithProcessTimeout(d time.Duration) Option {
	return func(e *Entity) { e.timeout = d }
}

func WithMapper(m process.RequirementsMapper) Option {
	return func(e *Entity) {
		if m != nil {
			e.mapper = m
		}
	}
}

func WithFactory(f core.GateFactory) Option {
	return func(e *Entity) {
		if f != nil {
			e.factory = f
		}
	}
}

// WithBestEffortSharing lets best effort hops reuse an existing transparent
// gate pair toward the same neighbor.
func WithBestEffortSharing(on bool) Option {
	return func(e *Entity) { e.shareBE = on }
}

// WithIdentityResolver maps host names to the identities that sign their
// packets. The default uses the host name.
func WithIdentityResolver(fn func(host string) model.Identity) Option {
	return func(e *Entity) {
		if fn != nil {
			e.identityOf = fn
		}
	}
}

func WithPathObserver(fn PathObserver) Option {
	return func(e *Entity) {
		if fn != nil {
			e.pathObservers = append(e.pathObservers, fn)
		}
	}
}

// New creates the entity of host name, signing as id, and attaches it to
// the network.
func New(name string, id model.Identity, deps Deps, opts ...Option) (*Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("entity name must not be empty")
	}
	if deps.Auth == nil || deps.Routes == nil || deps.Network == nil || deps.Scheduler == nil {
		return nil, fmt.Errorf("entity %s: auth, routes, network and scheduler are required", name)
	}
	if id == "" {
		id = model.Identity(name)
	}
	e := &Entity{
		name:       name,
		id:         id,
		host:       core.NewHost(name),
		auth:       deps.Auth,
		routes:     deps.Routes,
		net:        deps.Network,
		sched:      deps.Scheduler,
		log:        logging.Noop(),
		metrics:    noopMetrics{},
		tracer:     otel.Tracer("github.com/signalsfoundry/gatesim/internal/entity"),
		factory:    core.NewDefaultFactory(),
		mapper:     process.DefaultMapper{},
		timeout:    DefaultProcessTimeout,
		identityOf: func(host string) model.Identity { return model.Identity(host) },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(logging.String("host", name))

	e.procs = process.NewRegistry(name,
		process.WithLogger(e.log),
		process.WithMetrics(e.metrics),
	)
	e.creator = core.NewPathCreator(e.factory,
		core.WithParallelize(e.parallelize),
		core.WithPathMetrics(e.metrics),
		core.WithPathLogger(e.log),
	)
	e.dispatcher = signaling.NewDispatcher(node{e}, e.auth,
		signaling.WithDispatchLogger(e.log),
		signaling.WithDispatchMetrics(e.metrics),
	)
	e.net.Attach(e.dispatcher)
	return e, nil
}

func (e *Entity) Name() string                      { return e.name }
func (e *Entity) Identity() model.Identity          { return e.id }
func (e *Entity) Host() *core.Host                  { return e.host }
func (e *Entity) Dispatcher() *signaling.Dispatcher { return e.dispatcher }

// Stats counts the host's forwarding state and live processes.
func (e *Entity) Stats() Stats {
	s := Stats{Host: e.host.Stats()}
	_ = e.host.WithLock(func() error {
		s.Processes = e.procs.Len()
		return nil
	})
	return s
}

type Stats struct {
	Host      core.Stats
	Processes int
}

// Processes returns the live processes of the host, ordered by number.
func (e *Entity) Processes() []*process.Process {
	var out []*process.Process
	_ = e.host.WithLock(func() error {
		out = e.procs.Processes("")
		return nil
	})
	return out
}

// TerminateAll terminates every live process of the host with cause.
func (e *Entity) TerminateAll(ctx context.Context, cause error) int {
	n := 0
	_ = e.host.WithLock(func() error {
		n = e.procs.TerminateAll(ctx, cause)
		return nil
	})
	return n
}

// Shutdown closes every live process and detaches the host from the
// network.
func (e *Entity) Shutdown(ctx context.Context) int {
	n := e.TerminateAll(ctx, process.ErrClosed)
	e.net.Detach(e.name)
	return n
}

func (e *Entity) portLocked(neighbor string) (*core.ForwardingNode, error) {
	if fn, ok := e.host.NodeLocked(portID(neighbor)); ok {
		return fn, nil
	}
	return e.host.AddEndpointLocked(portID(neighbor))
}

// send signs msg and hands it to the network.
func (e *Entity) send(ctx context.Context, dst, fnode string, hops int, connID string, msg signaling.Message) error {
	pkt := signaling.NewPacket(e.name, dst, fnode, hops, msg)
	pkt.ConnID = connID
	if err := pkt.Sign(e.auth, e.id); err != nil {
		return err
	}
	if err := e.net.Send(ctx, pkt); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Name(), dst, err)
	}
	return nil
}

// buildChainsLocked creates the chain from base to target described by
// specs together with the mirrored chain from target back to base. When
// the second chain fails, the first is released again.
func (e *Entity) buildChainsLocked(ctx context.Context, owner model.Identity, base, target *core.ForwardingNode, specs []process.GateSpec) (fwd, rev *core.PathResult, err error) {
	n := len(specs)
	if n == 0 {
		return nil, nil, fmt.Errorf("%w: no gates mapped for %s->%s", model.ErrCreation, base, target)
	}
	fwdSegs := make([]*core.SocketPathParam, n)
	revSegs := make([]*core.SocketPathParam, n)
	for i, s := range specs {
		fwdSegs[i] = &core.SocketPathParam{Role: s.Role, Config: s.Config.Clone()}
		revSegs[n-1-i] = &core.SocketPathParam{Role: s.Role, Config: s.Config.Clone()}
	}
	fwdSegs[n-1].Target = target
	revSegs[n-1].Target = base
	core.PairSegments(fwdSegs, revSegs)

	fwd, err = e.creator.CreatePathLocked(ctx, base, owner, nil, fwdSegs)
	if err != nil {
		return nil, nil, err
	}
	rev, err = e.creator.CreatePathLocked(ctx, target, owner, nil, revSegs)
	if err != nil {
		e.releaseLocked(ctx, owner, base, fwd.Gates)
		return nil, nil, err
	}
	return fwd, rev, nil
}

// shareableLocked returns the transparent gate pair between base and
// target, if there is one.
func (e *Entity) shareableLocked(base, target *core.ForwardingNode) (fwd, rev *core.Gate, ok bool) {
	fwd, ok = base.FindGateLocked(target, core.RoleTransparent)
	if !ok || fwd.State() != core.GateOperate {
		return nil, nil, false
	}
	rev, ok = target.GateLocked(fwd.ReverseGateID())
	if !ok || rev.Target() != base || rev.Role() != core.RoleTransparent || rev.State() != core.GateOperate {
		return nil, nil, false
	}
	return fwd, rev, true
}

// shareChainsLocked adds one user to an existing transparent gate pair.
func (e *Entity) shareChainsLocked(ctx context.Context, owner model.Identity, base, target *core.ForwardingNode, g, rg *core.Gate) (fwd, rev *core.PathResult, err error) {
	fwdSeg := &core.SocketPathParam{GateID: g.ID()}
	revSeg := &core.SocketPathParam{GateID: rg.ID()}
	fwdSeg.Partner, revSeg.Partner = revSeg, fwdSeg

	fwd, err = e.creator.CreatePathLocked(ctx, base, owner, nil, []*core.SocketPathParam{fwdSeg})
	if err != nil {
		return nil, nil, err
	}
	rev, err = e.creator.CreatePathLocked(ctx, target, owner, nil, []*core.SocketPathParam{revSeg})
	if err != nil {
		e.releaseLocked(ctx, owner, base, fwd.Gates)
		return nil, nil, err
	}
	return fwd, rev, nil
}

// releaseLocked retires chain. Failures are logged; the chain is gone from
// the caller's point of view either way.
func (e *Entity) releaseLocked(ctx context.Context, owner model.Identity, base *core.ForwardingNode, chain []core.GateID) {
	if base == nil || len(chain) == 0 {
		return
	}
	if _, err := e.creator.ReleasePathLocked(ctx, base, owner, chain); err != nil {
		e.log.Error(ctx, "chain release failed",
			logging.String("base", base.ID()),
			logging.Any("chain", chain),
			logging.Err(err),
		)
	}
}

func (e *Entity) removeNodeLocked(ctx context.Context, fn *core.ForwardingNode) {
	if fn == nil || fn.Closed() {
		return
	}
	if err := e.host.RemoveNodeLocked(fn); err != nil {
		e.log.Warn(ctx, "endpoint not removed",
			logging.String("node", fn.ID()),
			logging.Err(err),
		)
	}
}

func (e *Entity) observePath(p *process.Process, results ...*core.PathResult) {
	for _, res := range results {
		for _, fn := range e.pathObservers {
			fn(e.name, p, res)
		}
	}
}

// LinkDown terminates every process that uses the port toward neighbor.
// Hops notify the initiators of their connections. It returns the number
// of terminated processes.
func (e *Entity) LinkDown(ctx context.Context, neighbor string) int {
	cause := fmt.Errorf("%w: %s-%s", ErrLinkDown, e.name, neighbor)
	port := portID(neighbor)
	n := 0
	_ = e.host.WithLock(func() error {
		for _, p := range e.procs.Processes("") {
			if usesPort(p, port) && p.Terminate(ctx, cause) {
				n++
			}
		}
		return nil
	})
	if n > 0 {
		e.log.Info(ctx, "link down, processes terminated",
			logging.String("neighbor", neighbor),
			logging.Int("processes", n),
		)
	}
	return n
}

func usesPort(p *process.Process, port string) bool {
	switch h := p.Handler().(type) {
	case *connection:
		return h.port != nil && h.port.ID() == port
	case *gateConstruction:
		return h.base.ID() == port || (h.target != nil && h.target.ID() == port)
	default:
		return false
	}
}

// node is the view of the entity the dispatcher executes messages on.
type node struct{ e *Entity }

func (n node) Name() string                   { return n.e.name }
func (n node) WithLock(fn func() error) error { return n.e.host.WithLock(fn) }
func (n node) Processes() *process.Registry   { return n.e.procs }

func (n node) HandleRequest(ctx context.Context, pkt *signaling.Packet, sender model.Identity) error {
	switch msg := pkt.Message.(type) {
	case *signaling.OpenGateRequest:
		return n.e.openGateLocked(ctx, pkt, msg, sender)
	case *signaling.CloseGateRequest:
		return n.e.closeGateLocked(ctx, pkt, msg, sender)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedMsg, pkt.Message.Name())
	}
}

func (n node) HandleNotification(ctx context.Context, pkt *signaling.Packet, sender model.Identity) error {
	n.e.log.Info(ctx, "notification without live process",
		logging.String("node", pkt.Node),
		logging.String("sender", string(sender)),
		logging.String("message", pkt.Message.Name()),
		logging.Int("process", pkt.Message.ProcessNumber()),
	)
	return nil
}
