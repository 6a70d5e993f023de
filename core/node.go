package core

import (
	"fmt"
	"sort"

	"github.com/signalsfoundry/gatesim/model"
)

// NodeKind distinguishes connection ends from intermediate multiplexers.
type NodeKind int

const (
	// Endpoint nodes are ports toward neighbors and application bindings.
	// They are never retired by path construction.
	Endpoint NodeKind = iota
	// Multiplexer nodes join gates inside one host and are retired once
	// they have no outgoing gates.
	Multiplexer
)

func (k NodeKind) String() string {
	if k == Multiplexer {
		return "multiplexer"
	}
	return "endpoint"
}

// ForwardingNode is the origin of a set of gates.
type ForwardingNode struct {
	id     string
	kind   NodeKind
	host   *Host
	gates  map[GateID]*Gate
	closed bool
}

func newForwardingNode(h *Host, id string, kind NodeKind) *ForwardingNode {
	return &ForwardingNode{id: id, kind: kind, host: h, gates: make(map[GateID]*Gate)}
}

func (fn *ForwardingNode) ID() string     { return fn.id }
func (fn *ForwardingNode) Kind() NodeKind { return fn.kind }
func (fn *ForwardingNode) Host() *Host    { return fn.host }
func (fn *ForwardingNode) Closed() bool   { return fn.closed }

// Close marks an idle multiplexer closed. Endpoints and ports are removed
// through their host instead.
func (fn *ForwardingNode) Close() error {
	if fn.kind != Multiplexer {
		return fmt.Errorf("%w: %s is not a multiplexer", model.ErrCreation, fn)
	}
	if len(fn.gates) > 0 {
		return fmt.Errorf("%w: %s has %d", ErrNodeBusy, fn, len(fn.gates))
	}
	fn.closed = true
	return nil
}

func (fn *ForwardingNode) String() string {
	if fn == nil {
		return "<nil>"
	}
	return fn.host.name + "/" + fn.id
}

func (fn *ForwardingNode) NumGatesLocked() int { return len(fn.gates) }

func (fn *ForwardingNode) GateLocked(id GateID) (*Gate, bool) {
	g, ok := fn.gates[id]
	return g, ok
}

// GatesLocked returns the outgoing gates ordered by id.
func (fn *ForwardingNode) GatesLocked() []*Gate {
	out := make([]*Gate, 0, len(fn.gates))
	for _, g := range fn.gates {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// FindGateLocked returns the lowest-id operating gate toward target with the
// given role.
func (fn *ForwardingNode) FindGateLocked(target *ForwardingNode, role Role) (*Gate, bool) {
	for _, g := range fn.GatesLocked() {
		if g.target == target && g.role == role && g.state == GateOperate {
			return g, true
		}
	}
	return nil, false
}

func (fn *ForwardingNode) registerLocked(g *Gate) error {
	if fn.closed {
		return fmt.Errorf("%w: node %s is closed", model.ErrCreation, fn)
	}
	if g.origin != fn {
		return fmt.Errorf("%w: gate %d starts at %s, not %s", model.ErrInternalConsistency, g.id, g.origin, fn)
	}
	if _, dup := fn.host.gates[g.id]; dup {
		return fmt.Errorf("%w: gate %d registered twice at %s", model.ErrInternalConsistency, g.id, fn.host.name)
	}
	fn.gates[g.id] = g
	fn.host.gates[g.id] = g
	return nil
}

func (fn *ForwardingNode) unregisterLocked(g *Gate) error {
	if _, ok := fn.gates[g.id]; !ok {
		return fmt.Errorf("%w: unregistering unknown gate %d at %s", model.ErrInternalConsistency, g.id, fn)
	}
	delete(fn.gates, g.id)
	delete(fn.host.gates, g.id)
	g.state = GateDeleted
	return nil
}
