package core

import (
	"fmt"
	"maps"

	"github.com/signalsfoundry/gatesim/model"
)

// GateID identifies a gate within its host. NoGate is never allocated.
type GateID int

const NoGate GateID = 0

// Role is the forwarding function a gate performs.
type Role string

const (
	RoleTransparent   Role = "transparent"
	RoleOrderCheck    Role = "order-check"
	RoleRateLimit     Role = "rate-limit"
	RoleDelayMonitor  Role = "delay-monitor"
	RoleLossMonitor   Role = "loss-monitor"
	RolePriorityQueue Role = "priority-queue"
)

// Config is the parameter set of a gate.
type Config map[string]string

func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	return maps.Clone(c)
}

func (c Config) Equal(o Config) bool { return maps.Equal(c, o) }

// GateState tracks the lifecycle of a gate.
type GateState int

const (
	GateInit GateState = iota
	GateOperate
	GateShutdown
	GateDeleted
)

func (s GateState) String() string {
	switch s {
	case GateInit:
		return "init"
	case GateOperate:
		return "operate"
	case GateShutdown:
		return "shutdown"
	case GateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// AdmissionFunc decides whether a gate can take one more user with cfg.
type AdmissionFunc func(g *Gate, cfg Config) bool

// Gate is a directed single-hop forwarding element from its origin node to
// its target node. It is reference counted: several paths may share it, and
// it is deleted when the last reference is released. The reverse gate is a
// non-owning id of the gate carrying the opposite direction.
//
// A Gate belongs to the host of its origin and must only be touched while
// that host's lock is held.
type Gate struct {
	id       GateID
	role     Role
	origin   *ForwardingNode
	target   *ForwardingNode
	owner    model.Identity
	config   Config
	refCount int
	reverse  GateID
	state    GateState
	admit    AdmissionFunc
}

func (g *Gate) ID() GateID              { return g.id }
func (g *Gate) Role() Role              { return g.role }
func (g *Gate) Origin() *ForwardingNode { return g.origin }
func (g *Gate) Target() *ForwardingNode { return g.target }
func (g *Gate) Owner() model.Identity   { return g.owner }
func (g *Gate) RefCount() int           { return g.refCount }
func (g *Gate) ReverseGateID() GateID   { return g.reverse }
func (g *Gate) State() GateState        { return g.state }
func (g *Gate) Config() Config          { return g.config.Clone() }

func (g *Gate) String() string {
	return fmt.Sprintf("gate %d %s %s->%s ref=%d", g.id, g.role, g.origin, g.target, g.refCount)
}

// RequestResource adds a reference if the gate admits another user.
func (g *Gate) RequestResource(cfg Config) bool {
	if g.state != GateOperate {
		return false
	}
	if g.admit != nil && !g.admit(g, cfg) {
		return false
	}
	g.refCount++
	return true
}

// Shutdown releases one reference. The gate stops operating at zero and
// returns the remaining count.
func (g *Gate) Shutdown() int {
	if g.refCount > 0 {
		g.refCount--
	}
	if g.refCount == 0 && g.state == GateOperate {
		g.state = GateShutdown
	}
	return g.refCount
}

// SetConfig replaces the configuration. Only the sole user may do so.
func (g *Gate) SetConfig(cfg Config) bool {
	if g.refCount != 1 {
		return false
	}
	g.config = cfg.Clone()
	return true
}

// SetReverseGate records the partner gate. Only the sole user may change an
// existing pairing.
func (g *Gate) SetReverseGate(id GateID) bool {
	if g.reverse == id {
		return true
	}
	if g.refCount != 1 {
		return false
	}
	g.reverse = id
	return true
}

// SetReverseGateID records the partner gate regardless of how many users
// share it.
func (g *Gate) SetReverseGateID(id GateID) { g.reverse = id }
