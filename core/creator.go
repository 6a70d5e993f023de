package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/gatesim/internal/logging"
	"github.com/signalsfoundry/gatesim/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PathMetrics receives path construction measurements.
type PathMetrics interface {
	ObservePathConstruction(d time.Duration, outcome string)
	AddGateChanges(created, reused, removed, retired int)
}

type noopPathMetrics struct{}

func (noopPathMetrics) ObservePathConstruction(time.Duration, string) {}
func (noopPathMetrics) AddGateChanges(int, int, int, int)             {}

// PathCreator rewrites gate chains transactionally.
type PathCreator struct {
	factory     GateFactory
	parallelize bool
	metrics     PathMetrics
	log         logging.Logger
	tracer      trace.Tracer
}

// PathOption configures a PathCreator.
type PathOption func(*PathCreator)

// WithParallelize makes new gates target the origin of their partner
// segment, so both directions share one multiplexer.
func WithParallelize(on bool) PathOption {
	return func(c *PathCreator) { c.parallelize = on }
}

func WithPathMetrics(m PathMetrics) PathOption {
	return func(c *PathCreator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithPathLogger(log logging.Logger) PathOption {
	return func(c *PathCreator) {
		if log != nil {
			c.log = log
		}
	}
}

// NewPathCreator returns a creator building gates with factory.
func NewPathCreator(factory GateFactory, opts ...PathOption) *PathCreator {
	if factory == nil {
		factory = NewDefaultFactory()
	}
	c := &PathCreator{
		factory: factory,
		metrics: noopPathMetrics{},
		log:     logging.Noop(),
		tracer:  otel.Tracer("github.com/signalsfoundry/gatesim/core"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreatePath takes the base host's lock and runs CreatePathLocked.
func (c *PathCreator) CreatePath(ctx context.Context, base *ForwardingNode, owner model.Identity, old []GateID, segments []*SocketPathParam) (*PathResult, error) {
	if base == nil || base.host == nil {
		return nil, fmt.Errorf("%w: path without base node", model.ErrCreation)
	}
	var res *PathResult
	err := base.host.WithLock(func() error {
		var err error
		res, err = c.CreatePathLocked(ctx, base, owner, old, segments)
		return err
	})
	return res, err
}

// CreatePathLocked rewrites the chain old, starting at base, into the chain
// described by segments. The caller holds the host lock.
//
// On failure every gate and node touched by the call is torn down on a best
// effort basis, including the references held by the old chain, and the
// first error is returned. The caller must not release the old chain again.
func (c *PathCreator) CreatePathLocked(ctx context.Context, base *ForwardingNode, owner model.Identity, old []GateID, segments []*SocketPathParam) (res *PathResult, err error) {
	if base == nil || base.host == nil {
		return nil, fmt.Errorf("%w: path without base node", model.ErrCreation)
	}
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "core.CreatePath", trace.WithAttributes(
		attribute.String("host", base.host.name),
		attribute.String("base", base.id),
		attribute.String("owner", string(owner)),
		attribute.Int("segments", len(segments)),
	))
	defer span.End()

	run := &pathRun{
		creator: c,
		host:    base.host,
		base:    base,
		owner:   owner,
		ledger:  newOccurrences(),
		touched: make(map[*ForwardingNode]struct{}),
		result:  &PathResult{},
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic during path construction: %v", model.ErrCreation, r)
		}
		outcome := "ok"
		if err != nil {
			outcome = model.KindOf(err).String()
			run.cleanup(ctx)
			res = nil
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.log.Warn(ctx, "path construction failed",
				logging.String("host", base.host.name),
				logging.String("base", base.id),
				logging.String("owner", string(owner)),
				logging.Err(err),
			)
		}
		c.metrics.ObservePathConstruction(time.Since(start), outcome)
	}()

	res, err = run.execute(ctx, old, segments)
	if err != nil {
		return nil, err
	}
	c.metrics.AddGateChanges(res.Created, res.Reused, res.Removed, res.Retired)
	span.SetAttributes(
		attribute.Int("gates.created", res.Created),
		attribute.Int("gates.reused", res.Reused),
		attribute.Int("gates.removed", res.Removed),
	)
	c.log.Debug(ctx, "path constructed",
		logging.String("host", base.host.name),
		logging.String("base", base.id),
		logging.String("owner", string(owner)),
		logging.String("result", res.String()),
	)
	return res, nil
}

// ReleasePath takes the base host's lock and retires chain.
func (c *PathCreator) ReleasePath(ctx context.Context, base *ForwardingNode, owner model.Identity, chain []GateID) (*PathResult, error) {
	return c.CreatePath(ctx, base, owner, chain, RemovalSegments(chain))
}

// ReleasePathLocked retires chain, starting at base.
func (c *PathCreator) ReleasePathLocked(ctx context.Context, base *ForwardingNode, owner model.Identity, chain []GateID) (*PathResult, error) {
	return c.CreatePathLocked(ctx, base, owner, chain, RemovalSegments(chain))
}

type pathRun struct {
	creator *PathCreator
	host    *Host
	base    *ForwardingNode
	owner   model.Identity
	ledger  *occurrences
	pending []*SocketPathParam
	kept    []*SocketPathParam

	touched      map[*ForwardingNode]struct{}
	touchedOrder []*ForwardingNode

	result *PathResult
}

func creationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrCreation, fmt.Sprintf(format, args...))
}

func (r *pathRun) touch(fns ...*ForwardingNode) {
	for _, fn := range fns {
		if fn == nil {
			continue
		}
		if _, ok := r.touched[fn]; !ok {
			r.touched[fn] = struct{}{}
			r.touchedOrder = append(r.touchedOrder, fn)
		}
	}
}

func (r *pathRun) execute(ctx context.Context, old []GateID, segments []*SocketPathParam) (*PathResult, error) {
	r.touch(r.base)
	for _, id := range old {
		g, ok := r.host.gates[id]
		if !ok {
			return nil, creationErrorf("old chain references unknown gate %d at %s", id, r.host.name)
		}
		r.touch(g.origin, g.target)
		r.ledger.entry(id).Old++
	}

	active, inactive := r.base, r.base
	inRemovalRun := false
	for i, seg := range segments {
		if seg == nil {
			return nil, creationErrorf("segment %d is empty", i)
		}
		if seg.RemoveTarget {
			seg.Remove = true
		}

		var gate *Gate
		if seg.GateID != NoGate {
			g, ok := r.host.gates[seg.GateID]
			if !ok {
				return nil, creationErrorf("segment %d references unknown gate %d", i, seg.GateID)
			}
			gate = g
			r.touch(g.origin, g.target)
		}

		if seg.Remove {
			if gate == nil {
				return nil, creationErrorf("segment %d removes without gate id", i)
			}
			if !inRemovalRun {
				inactive = active
				inRemovalRun = true
			}
			if err := r.checkOrigin(i, seg, gate, inactive); err != nil {
				return nil, err
			}
			if err := r.checkExisting(i, seg, gate); err != nil {
				return nil, err
			}
			r.pending = append(r.pending, seg)
			inactive = seg.Target
			continue
		}

		inRemovalRun = false
		if err := r.checkOrigin(i, seg, gate, active); err != nil {
			return nil, err
		}
		if err := r.flush(ctx); err != nil {
			return nil, err
		}
		if gate != nil {
			if err := r.checkExisting(i, seg, gate); err != nil {
				return nil, err
			}
			if err := r.reuse(i, seg, gate); err != nil {
				return nil, err
			}
		} else {
			g, err := r.create(i, seg, active)
			if err != nil {
				return nil, err
			}
			gate = g
		}
		r.kept = append(r.kept, seg)
		r.result.Gates = append(r.result.Gates, gate.id)
		active = seg.Target
	}

	if err := r.flush(ctx); err != nil {
		return nil, err
	}
	if err := r.verifyLedger(); err != nil {
		return nil, err
	}
	r.crossLink()

	r.result.End = active
	r.result.Ledger = r.ledger.snapshot()
	return r.result, nil
}

func (r *pathRun) checkOrigin(i int, seg *SocketPathParam, gate *Gate, cursor *ForwardingNode) error {
	if seg.Origin == nil {
		seg.Origin = cursor
	}
	if seg.Origin != cursor {
		return creationErrorf("segment %d starts at %s but the chain is at %s", i, seg.Origin, cursor)
	}
	if gate != nil && gate.origin != cursor {
		return creationErrorf("segment %d: gate %d starts at %s but the chain is at %s", i, gate.id, gate.origin, cursor)
	}
	return nil
}

func (r *pathRun) checkExisting(i int, seg *SocketPathParam, gate *Gate) error {
	if seg.Role == "" {
		seg.Role = gate.role
	} else if seg.Role != gate.role {
		return creationErrorf("segment %d: gate %d has role %s, want %s", i, gate.id, gate.role, seg.Role)
	}
	if seg.Target == nil {
		seg.Target = gate.target
	} else if seg.Target != gate.target {
		return creationErrorf("segment %d: gate %d leads to %s, not %s", i, gate.id, gate.target, seg.Target)
	}
	if p := seg.Partner; p != nil && p.GateID != NoGate && gate.reverse != p.GateID {
		if gate.reverse == NoGate {
			return creationErrorf("segment %d: gate %d is unpaired, not paired with %d", i, gate.id, p.GateID)
		}
		return creationErrorf("segment %d: gate %d is paired with %d, not %d", i, gate.id, gate.reverse, p.GateID)
	}
	return nil
}

func (r *pathRun) reuse(i int, seg *SocketPathParam, gate *Gate) error {
	if gate.state != GateOperate {
		return creationErrorf("segment %d: gate %d is %s", i, gate.id, gate.state)
	}
	e := r.ledger.entry(gate.id)
	if e.Ref() < 1 {
		if !gate.RequestResource(seg.Config) {
			return creationErrorf("segment %d: gate %d denied the resource", i, gate.id)
		}
	}
	e.New++
	if seg.Config != nil && gate.refCount == 1 {
		gate.SetConfig(seg.Config)
	}
	r.result.Reused++
	return nil
}

func (r *pathRun) create(i int, seg *SocketPathParam, origin *ForwardingNode) (*Gate, error) {
	target := seg.Target
	if target == nil {
		if p := seg.Partner; r.creator.parallelize && p != nil && p.Origin != nil && p.Origin.host == r.host && !p.Origin.closed {
			target = p.Origin
		} else {
			target = r.host.NewMultiplexerLocked()
		}
	}
	r.touch(origin, target)
	if target.host != r.host {
		return nil, creationErrorf("segment %d: target %s is on another host", i, target)
	}
	if target.closed {
		return nil, creationErrorf("segment %d: target %s is closed", i, target)
	}
	role := seg.Role
	if role == "" {
		role = RoleTransparent
	}

	gate, err := r.creator.factory.CreateGate(origin, role, target, seg.Config, r.owner)
	if err != nil {
		if errors.Is(err, model.ErrCreation) {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		return nil, fmt.Errorf("%w: segment %d: %w", model.ErrCreation, i, err)
	}
	if gate == nil {
		return nil, creationErrorf("segment %d: factory returned no gate", i)
	}
	if err := origin.registerLocked(gate); err != nil {
		return nil, err
	}
	r.ledger.entry(gate.id).New++
	r.result.Created++

	seg.GateID = gate.id
	seg.Target = target
	seg.Role = role
	return gate, nil
}

// flush retires the pending removals, last in first out.
func (r *pathRun) flush(ctx context.Context) error {
	for len(r.pending) > 0 {
		seg := r.pending[len(r.pending)-1]
		r.pending = r.pending[:len(r.pending)-1]

		e := r.ledger.entry(seg.GateID)
		if e.Old < 1 {
			return creationErrorf("gate %d is removed but not part of the old chain", seg.GateID)
		}
		if e.Ref() < 1 {
			return creationErrorf("gate %d is removed more often than it is used", seg.GateID)
		}
		r.result.Removed++
		if e.Ref() > 1 {
			e.Removed++
			continue
		}

		gate, ok := r.host.gates[seg.GateID]
		if !ok {
			return fmt.Errorf("%w: gate %d vanished during removal", model.ErrInternalConsistency, seg.GateID)
		}
		e.Removed++
		if gate.Shutdown() > 0 {
			continue
		}
		if err := gate.origin.unregisterLocked(gate); err != nil {
			return err
		}
		r.result.Retired++
		if seg.RemoveTarget {
			r.retireNode(ctx, gate.target)
		}
	}
	return nil
}

func (r *pathRun) retireNode(ctx context.Context, fn *ForwardingNode) {
	if fn == nil || fn.closed {
		return
	}
	if err := fn.Close(); err != nil {
		return
	}
	if err := r.host.RemoveNodeLocked(fn); err != nil {
		r.creator.log.Debug(ctx, "multiplexer not retired",
			logging.String("node", fn.String()),
			logging.Err(err),
		)
	}
}

func (r *pathRun) verifyLedger() error {
	for _, id := range r.ledger.order {
		if e := r.ledger.m[id]; e.Ref() < 0 {
			return fmt.Errorf("%w: gate %d has negative occurrence count %d/%d/%d",
				model.ErrInternalConsistency, id, e.Old, e.New, e.Removed)
		}
	}
	return nil
}

func (r *pathRun) crossLink() {
	for _, seg := range r.kept {
		p := seg.Partner
		if p == nil || p.Remove || p.GateID == NoGate {
			continue
		}
		g, ok := r.host.gates[seg.GateID]
		if !ok {
			continue
		}
		pg, ok := r.host.gates[p.GateID]
		if !ok {
			continue
		}
		g.SetReverseGateID(pg.id)
		pg.SetReverseGateID(g.id)
	}
}

// cleanup releases every reference the path still holds and retires the
// multiplexers left without gates. Secondary failures are logged and
// swallowed.
func (r *pathRun) cleanup(ctx context.Context) {
	r.pending = nil
	for _, id := range r.ledger.order {
		e := r.ledger.m[id]
		if e.Ref() < 1 {
			continue
		}
		e.Removed = e.Old + e.New
		gate, ok := r.host.gates[id]
		if !ok {
			continue
		}
		r.safely(ctx, "release gate", func() error {
			if gate.Shutdown() > 0 {
				return nil
			}
			return gate.origin.unregisterLocked(gate)
		})
	}
	for _, fn := range r.touchedOrder {
		r.safely(ctx, "retire node", func() error {
			r.retireNode(ctx, fn)
			return nil
		})
	}
}

func (r *pathRun) safely(ctx context.Context, step string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.creator.log.Error(ctx, "path cleanup panicked",
				logging.String("host", r.host.name),
				logging.String("step", step),
				logging.Any("panic", rec),
			)
		}
	}()
	if err := fn(); err != nil {
		r.creator.log.Warn(ctx, "path cleanup step failed",
			logging.String("host", r.host.name),
			logging.String("step", step),
			logging.Err(err),
		)
	}
}
