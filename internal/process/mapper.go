package process

import (
	"strconv"

	"github.com/signalsfoundry/gatesim/core"
	"github.com/signalsfoundry/gatesim/model"
)

// GateSpec is one gate of a hop chain.
type GateSpec struct {
	Role   core.Role
	Config core.Config
}

// Configuration keys written by DefaultMapper besides the rate keys of core.
const (
	ConfigDelay    = "delay_ms"
	ConfigLoss     = "loss_permille"
	ConfigPriority = "priority"
)

// RequirementsMapper turns the obligation of one hop into the gates that
// enforce it. offer is what the hop's link provides.
type RequirementsMapper interface {
	Map(obligation, offer model.Description) ([]GateSpec, error)
}

// DefaultMapper installs one gate per constrained dimension, in a fixed
// order: ordering, rate, delay, loss, priority. A best effort obligation
// gets a single transparent gate.
type DefaultMapper struct{}

var mapperOrder = []model.Kind{
	model.KindOrdered,
	model.KindDatarate,
	model.KindDelay,
	model.KindLossRate,
	model.KindPriority,
}

func (DefaultMapper) Map(obligation, offer model.Description) ([]GateSpec, error) {
	var specs []GateSpec
	for _, k := range mapperOrder {
		p, ok := obligation.Get(k)
		if !ok || p.IsBE() {
			continue
		}
		switch k {
		case model.KindOrdered:
			specs = append(specs, GateSpec{Role: core.RoleOrderCheck})
		case model.KindDatarate:
			mm := p.(model.MinMax)
			cfg := core.Config{core.ConfigRate: strconv.Itoa(mm.Min())}
			if capacity, ok := offer.MinMax(model.KindDatarate); ok && capacity.HasMax() {
				cfg[core.ConfigCapacity] = strconv.Itoa(capacity.Max())
			}
			specs = append(specs, GateSpec{Role: core.RoleRateLimit, Config: cfg})
		case model.KindDelay:
			specs = append(specs, GateSpec{Role: core.RoleDelayMonitor, Config: bound(ConfigDelay, p.(model.MinMax))})
		case model.KindLossRate:
			specs = append(specs, GateSpec{Role: core.RoleLossMonitor, Config: bound(ConfigLoss, p.(model.MinMax))})
		case model.KindPriority:
			specs = append(specs, GateSpec{Role: core.RolePriorityQueue, Config: bound(ConfigPriority, p.(model.MinMax))})
		}
	}
	if len(specs) == 0 {
		specs = append(specs, GateSpec{Role: core.RoleTransparent})
	}
	return specs, nil
}

// bound records the upper bound of an obligation, or its lower bound when
// no upper bound is set.
func bound(key string, mm model.MinMax) core.Config {
	if mm.HasMax() {
		return core.Config{key: strconv.Itoa(mm.Max())}
	}
	return core.Config{key: strconv.Itoa(mm.Min())}
}
