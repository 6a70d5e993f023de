package core

import (
	"fmt"
	"strconv"

	"github.com/signalsfoundry/gatesim/model"
)

// GateFactory builds gates. The returned gate is not yet registered at its
// origin; path construction does that.
type GateFactory interface {
	CreateGate(origin *ForwardingNode, role Role, target *ForwardingNode, cfg Config, owner model.Identity) (*Gate, error)
}

// DefaultFactory creates gates for a fixed set of roles. A nil Roles map
// accepts every role and admits every additional user.
type DefaultFactory struct {
	Roles map[Role]AdmissionFunc
}

// NewDefaultFactory supports the built-in roles. Rate limiting gates only
// accept users whose requested rate fits their configured capacity.
func NewDefaultFactory() *DefaultFactory {
	return &DefaultFactory{Roles: map[Role]AdmissionFunc{
		RoleTransparent:   nil,
		RoleOrderCheck:    nil,
		RoleRateLimit:     RateAdmission,
		RoleDelayMonitor:  nil,
		RoleLossMonitor:   nil,
		RolePriorityQueue: nil,
	}}
}

func (f *DefaultFactory) CreateGate(origin *ForwardingNode, role Role, target *ForwardingNode, cfg Config, owner model.Identity) (*Gate, error) {
	if origin == nil || target == nil {
		return nil, fmt.Errorf("%w: gate needs origin and target", model.ErrCreation)
	}
	if origin.host != target.host {
		return nil, fmt.Errorf("%w: gate %s->%s crosses hosts", model.ErrCreation, origin, target)
	}
	var admit AdmissionFunc
	if f.Roles != nil {
		a, ok := f.Roles[role]
		if !ok {
			return nil, fmt.Errorf("%w: unsupported gate role %q", model.ErrCreation, role)
		}
		admit = a
	}
	return &Gate{
		id:       GateID(origin.host.NextNumberLocked()),
		role:     role,
		origin:   origin,
		target:   target,
		owner:    owner,
		config:   cfg.Clone(),
		refCount: 1,
		state:    GateOperate,
		admit:    admit,
	}, nil
}

// Configuration keys understood by RateAdmission.
const (
	ConfigRate     = "rate_kbit"
	ConfigCapacity = "capacity_kbit"
)

// RateAdmission admits a user while the rates reserved by all users stay
// within the gate's capacity. Every current user is assumed to reserve the
// configured rate. Gates without a capacity admit everyone.
func RateAdmission(g *Gate, cfg Config) bool {
	capacity, err := strconv.Atoi(g.config[ConfigCapacity])
	if err != nil {
		return true
	}
	current, _ := strconv.Atoi(g.config[ConfigRate])
	extra, _ := strconv.Atoi(cfg[ConfigRate])
	return current*g.refCount+extra <= capacity
}
