package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/signalsfoundry/gatesim/core"
	"github.com/signalsfoundry/gatesim/internal/logging"
	"github.com/signalsfoundry/gatesim/internal/process"
	"github.com/signalsfoundry/gatesim/internal/signaling"
	"github.com/signalsfoundry/gatesim/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// hopPlan is what one hop of a route has to enforce.
type hopPlan struct {
	obligation model.Description
	offer      model.Description
}

// planRoute reduces req link by link along route. Entry i belongs to
// route.Hops[i]; the last hop enforces whatever remains after the last link.
func (e *Entity) planRoute(route model.Route, req model.Description) ([]hopPlan, error) {
	plans := make([]hopPlan, route.Len())
	remaining := req
	for i := 0; i < route.Links(); i++ {
		offer, err := e.routes.Offer(route.Hops[i], route.Hops[i+1])
		if err != nil {
			return nil, err
		}
		obligation, rest, err := remaining.ReduceHop(offer)
		if err != nil {
			return nil, fmt.Errorf("hop %s-%s: %w", route.Hops[i], route.Hops[i+1], err)
		}
		plans[i] = hopPlan{obligation: obligation, offer: offer}
		remaining = rest
	}
	plans[len(plans)-1] = hopPlan{obligation: remaining}
	return plans, nil
}

// Connection is the application handle of a connection started by Connect.
type Connection struct {
	ID    string
	Route model.Route
	// Number is the connection process number on the initiating host.
	Number int

	e *Entity
	c *connection
	p *process.Process
}

// State returns the state of the connection process.
func (c *Connection) State() process.State {
	var s process.State
	_ = c.e.host.WithLock(func() error {
		s = c.p.State()
		return nil
	})
	return s
}

// Established reports whether every hop confirmed its chain.
func (c *Connection) Established() bool { return c.State() == process.StateOperating }

// Err returns the termination cause, or nil while the connection is live.
func (c *Connection) Err() error {
	var err error
	_ = c.e.host.WithLock(func() error {
		err = c.p.TerminationCause()
		return nil
	})
	return err
}

// Gates returns the local forward and reverse chains.
func (c *Connection) Gates() (forward, reverse []core.GateID) {
	_ = c.e.host.WithLock(func() error {
		forward = append(forward, c.c.forward...)
		reverse = append(reverse, c.c.reverse...)
		return nil
	})
	return forward, reverse
}

// Close tears the connection down. Closing twice is a no-op.
func (c *Connection) Close(ctx context.Context) {
	_ = c.e.host.WithLock(func() error {
		c.p.Terminate(ctx, process.ErrClosed)
		return nil
	})
}

// connection is the handler of the initiator's connection process.
type connection struct {
	e      *Entity
	connID string
	route  model.Route
	app    *core.ForwardingNode
	port   *core.ForwardingNode

	forward, reverse []core.GateID

	peers   map[int]int
	timer   string
	started time.Time
}

// Connect builds a connection from this host to dst that satisfies req.
// The local chains exist when Connect returns; the connection becomes
// established once every hop answered. Progress is driven by the
// simulation scheduler.
func (e *Entity) Connect(ctx context.Context, dst string, req model.Description) (conn *Connection, err error) {
	// The id names the application endpoints at both ends and is unique per call.
	callerID := logging.ConnectionIDFromContext(ctx)
	connID := xid.New().String()
	ctx = logging.ContextWithConnectionID(ctx, connID)
	started := false
	ctx, span := e.tracer.Start(ctx, "entity.Connect", trace.WithAttributes(
		attribute.String("host", e.name),
		attribute.String("destination", dst),
		attribute.String("conn_id", connID),
	))
	if callerID != "" {
		span.SetAttributes(attribute.String("caller_conn_id", callerID))
		e.log.Debug(ctx, "connect",
			logging.String("caller_conn_id", callerID),
			logging.String("destination", dst),
		)
	}
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if !started {
				e.metrics.ConnectionClosed(model.KindOf(err).String())
			}
			e.log.Warn(ctx, "connect failed",
				logging.String("conn_id", connID),
				logging.String("destination", dst),
				logging.Err(err),
			)
		}
		span.End()
	}()

	if dst == e.name {
		return nil, fmt.Errorf("%w: %s", ErrLocalDestination, dst)
	}
	route, err := e.routes.GetRoute(ctx, e.name, dst, req, e.id)
	if err != nil {
		return nil, fmt.Errorf("route %s to %s: %w", e.name, dst, err)
	}
	if route.Len() < 2 {
		return nil, fmt.Errorf("%w: %s", ErrLocalDestination, dst)
	}
	plans, err := e.planRoute(route, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("hops", route.Links()))

	err = e.host.WithLock(func() error {
		conn, started, err = e.openLocked(ctx, connID, route, plans)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// openLocked builds the local chains, starts the connection process and
// sends the hop requests. started reports whether the process was
// registered; its handler then owns the cleanup.
func (e *Entity) openLocked(ctx context.Context, connID string, route model.Route, plans []hopPlan) (_ *Connection, started bool, err error) {
	specs, err := e.mapper.Map(plans[0].obligation, plans[0].offer)
	if err != nil {
		return nil, false, fmt.Errorf("map %s: %w", plans[0].obligation, err)
	}
	port, err := e.portLocked(route.Hops[1])
	if err != nil {
		return nil, false, err
	}
	app, err := e.host.AddEndpointLocked(appID(connID))
	if err != nil {
		return nil, false, err
	}
	number := e.host.NextNumberLocked()

	fwd, rev, err := e.buildChainsLocked(ctx, e.id, app, port, specs)
	if err != nil {
		e.removeNodeLocked(ctx, app)
		return nil, false, err
	}

	c := &connection{
		e:       e,
		connID:  connID,
		route:   route,
		app:     app,
		port:    port,
		forward: fwd.Gates,
		reverse: rev.Gates,
		peers:   make(map[int]int),
		started: e.sched.Now(),
	}
	p := process.New(process.Key{Node: app.ID(), Owner: e.id, Number: number}, kindConnection, c)
	for _, hop := range route.Hops[1:] {
		p.AddPeer(e.identityOf(hop))
	}
	if err := e.procs.Register(ctx, p); err != nil {
		c.release(ctx)
		return nil, false, err
	}
	if err := p.Start(); err != nil {
		p.Terminate(ctx, err)
		return nil, true, err
	}
	e.observePath(p, fwd, rev)
	if e.timeout > 0 {
		c.timer = e.sched.Schedule(e.sched.Now().Add(e.timeout), func() { e.expire(ctx, p) })
	}

	for i := 1; i < route.Len(); i++ {
		msg := &signaling.OpenGateRequest{
			Number:     number,
			Seq:        i,
			ReplyNode:  app.ID(),
			Previous:   route.Hops[i-1],
			Obligation: plans[i].obligation,
			Offer:      plans[i].offer,
		}
		if i == route.Len()-1 {
			msg.Endpoint = connID
		} else {
			msg.Next = route.Hops[i+1]
		}
		if err := e.send(ctx, route.Hops[i], portID(route.Hops[i-1]), i, connID, msg); err != nil {
			p.Terminate(ctx, err)
			return nil, true, err
		}
	}

	e.log.Info(ctx, "connection starting",
		logging.String("conn_id", connID),
		logging.String("process", p.Key().String()),
		logging.Any("route", route.Hops),
		logging.Any("forward", fwd.Gates),
		logging.Any("reverse", rev.Gates),
	)
	return &Connection{ID: connID, Route: route, Number: number, e: e, c: c, p: p}, true, nil
}

// expire runs on the scheduler when the setup timeout elapses.
func (e *Entity) expire(ctx context.Context, p *process.Process) {
	_ = e.host.WithLock(func() error {
		if p.Expire(ctx) {
			e.log.Warn(ctx, "connection setup timed out",
				logging.String("process", p.Key().String()),
				logging.Duration("timeout", e.timeout),
			)
		}
		return nil
	})
}

func (c *connection) HandleAnswer(ctx context.Context, p *process.Process, pkt *signaling.Packet, sender model.Identity) error {
	msg, ok := pkt.Message.(*signaling.OpenGateResponse)
	if !ok {
		return fmt.Errorf("%w: %s for %s", ErrUnexpectedMsg, pkt.Message.Name(), p.Key())
	}
	if msg.Err != "" {
		p.Terminate(ctx, fmt.Errorf("%w: hop %s: %s", model.ErrCreation, sender, msg.Err))
		return nil
	}
	if msg.Seq < 1 || msg.Seq >= c.route.Len() || c.e.identityOf(c.route.Hops[msg.Seq]) != sender {
		return fmt.Errorf("%w: answer seq %d from %s for %s", model.ErrInternalConsistency, msg.Seq, sender, p.Key())
	}
	if _, dup := c.peers[msg.Seq]; dup {
		c.e.log.Debug(ctx, "duplicate answer ignored",
			logging.String("process", p.Key().String()),
			logging.Int("seq", msg.Seq),
		)
		return nil
	}
	c.peers[msg.Seq] = msg.PeerNumber
	if len(c.peers) < c.route.Links() || p.State() != process.StateStarting {
		return nil
	}

	if err := p.Operate(); err != nil {
		return err
	}
	c.e.sched.Cancel(c.timer)
	setup := c.e.sched.Now().Sub(c.started)
	c.e.metrics.ConnectionEstablished(setup)
	c.e.log.Info(ctx, "connection established",
		logging.String("conn_id", c.connID),
		logging.String("process", p.Key().String()),
		logging.Duration("setup", setup),
	)
	return nil
}

// Terminated releases the local chains and asks every hop to release
// theirs.
func (c *connection) Terminated(ctx context.Context, p *process.Process, cause error) {
	c.e.sched.Cancel(c.timer)
	c.release(ctx)

	for i := 1; i < c.route.Len(); i++ {
		msg := &signaling.CloseGateRequest{Number: p.Number(), Seq: i}
		if err := c.e.send(ctx, c.route.Hops[i], portID(c.route.Hops[i-1]), i, c.connID, msg); err != nil {
			c.e.log.Warn(ctx, "close request not sent",
				logging.String("process", p.Key().String()),
				logging.String("hop", c.route.Hops[i]),
				logging.Err(err),
			)
		}
	}

	outcome := "closed"
	level := c.e.log.Info
	switch {
	case errors.Is(cause, process.ErrClosed):
	case errors.Is(cause, process.ErrStartTimeout):
		outcome = "timeout"
		level = c.e.log.Warn
	default:
		outcome = model.KindOf(cause).String()
		level = c.e.log.Warn
	}
	c.e.metrics.ConnectionClosed(outcome)
	level(ctx, "connection terminated",
		logging.String("conn_id", c.connID),
		logging.String("process", p.Key().String()),
		logging.String("outcome", outcome),
		logging.Err(cause),
	)
}

func (c *connection) release(ctx context.Context) {
	c.e.releaseLocked(ctx, c.e.id, c.port, c.reverse)
	c.e.releaseLocked(ctx, c.e.id, c.app, c.forward)
	c.forward, c.reverse = nil, nil
	c.e.removeNodeLocked(ctx, c.app)
}
