package model

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// Description is an ordered set of properties with at most one entry per
// kind. It is a value: every mutator returns a new Description and never
// touches the receiver's backing array.
type Description struct {
	props []Property
}

// NewDescription fuses props into a Description, failing on the first
// contradiction.
func NewDescription(props ...Property) (Description, error) {
	var d Description
	for _, p := range props {
		var err error
		if d, err = d.Add(p); err != nil {
			return Description{}, err
		}
	}
	return d, nil
}

// NewQoS returns a description bounding delay (ms) and requiring a minimum
// data rate (kbit/s). Non-positive arguments leave the dimension out.
func NewQoS(delayMs, rateKbit int) Description {
	var props []Property
	if delayMs > 0 {
		props = append(props, AtMost(KindDelay, delayMs))
	}
	if rateKbit > 0 {
		props = append(props, AtLeast(KindDatarate, rateKbit))
	}
	return Description{props: props}
}

func (d Description) index(k Kind) int {
	return slices.IndexFunc(d.props, func(p Property) bool { return p.Kind() == k })
}

// Add fuses p with the entry of the same kind, or appends it.
func (d Description) Add(p Property) (Description, error) {
	if p == nil {
		return d, nil
	}
	i := d.index(p.Kind())
	if i < 0 {
		return Description{props: append(slices.Clone(d.props), p)}, nil
	}
	fused, err := d.props[i].Fuse(p)
	if err != nil {
		return Description{}, err
	}
	props := slices.Clone(d.props)
	props[i] = fused
	return Description{props: props}, nil
}

// Set replaces the entry of the same kind, or appends p.
func (d Description) Set(p Property) Description {
	props := slices.Clone(d.props)
	if i := d.index(p.Kind()); i >= 0 {
		props[i] = p
	} else {
		props = append(props, p)
	}
	return Description{props: props}
}

// Without returns d minus the entry of kind k.
func (d Description) Without(k Kind) Description {
	i := d.index(k)
	if i < 0 {
		return d
	}
	return Description{props: slices.Delete(slices.Clone(d.props), i, i+1)}
}

func (d Description) Get(k Kind) (Property, bool) {
	if i := d.index(k); i >= 0 {
		return d.props[i], true
	}
	return nil, false
}

// MinMax returns the range entry of kind k.
func (d Description) MinMax(k Kind) (MinMax, bool) {
	p, ok := d.Get(k)
	if !ok {
		return MinMax{}, false
	}
	mm, ok := p.(MinMax)
	return mm, ok
}

func (d Description) Len() int { return len(d.props) }

// Properties returns a copy of the entries in insertion order.
func (d Description) Properties() []Property { return slices.Clone(d.props) }

// IsBestEffort reports whether every entry is unconstrained.
func (d Description) IsBestEffort() bool {
	for _, p := range d.props {
		if !p.IsBE() {
			return false
		}
	}
	return true
}

// Functional returns the entries without a numeric range.
func (d Description) Functional() Description {
	return d.filter(func(p Property) bool { return p.Kind().Rule() == Functional })
}

// NonFunctional returns the range entries.
func (d Description) NonFunctional() Description {
	return d.filter(func(p Property) bool { return p.Kind().Rule() != Functional })
}

func (d Description) filter(keep func(Property) bool) Description {
	var props []Property
	for _, p := range d.props {
		if keep(p) {
			props = append(props, p)
		}
	}
	return Description{props: props}
}

// Equal compares entries in order.
func (d Description) Equal(o Description) bool {
	return slices.EqualFunc(d.props, o.props, func(a, b Property) bool { return a == b })
}

// DeriveRequirements treats d as the offer of one segment and returns what
// that segment must guarantee for req. Requirement entries the offer does not
// mention are carried unchanged.
func (d Description) DeriveRequirements(req Description) (Description, error) {
	out := make([]Property, 0, len(req.props))
	for _, r := range req.props {
		o, ok := d.Get(r.Kind())
		if !ok {
			out = append(out, r)
			continue
		}
		derived, err := o.DeriveRequirements(r)
		if err != nil {
			return Description{}, err
		}
		out = append(out, derived)
	}
	return Description{props: out}, nil
}

// RemoveCapabilities subtracts the capabilities in caps from d.
func (d Description) RemoveCapabilities(caps Description) (Description, error) {
	out := make([]Property, 0, len(d.props))
	for _, r := range d.props {
		c, ok := caps.Get(r.Kind())
		if !ok {
			out = append(out, r)
			continue
		}
		rest, err := r.RemoveCapabilities(c)
		if err != nil {
			return Description{}, err
		}
		out = append(out, rest)
	}
	return Description{props: out}, nil
}

// AddCapabilities reverts RemoveCapabilities for the range entries.
func (d Description) AddCapabilities(caps Description) (Description, error) {
	out := make([]Property, 0, len(d.props))
	for _, r := range d.props {
		mm, isRange := r.(MinMax)
		c, ok := caps.Get(r.Kind())
		if !isRange || !ok {
			out = append(out, r)
			continue
		}
		back, err := mm.AddCapabilities(c)
		if err != nil {
			return Description{}, err
		}
		out = append(out, back)
	}
	return Description{props: out}, nil
}

// ReduceHop splits the requirement d over one hop offering offer. It returns
// the obligation of the hop and the remainder for the rest of the path.
func (d Description) ReduceHop(offer Description) (obligation, remaining Description, err error) {
	obligation, err = offer.DeriveRequirements(d)
	if err != nil {
		return Description{}, Description{}, err
	}
	remaining, err = d.RemoveCapabilities(offer)
	if err != nil {
		return Description{}, Description{}, err
	}
	return obligation, remaining, nil
}

func (d Description) String() string {
	parts := make([]string, len(d.props))
	for i, p := range d.props {
		parts[i] = p.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// GoString keeps packet digests stable regardless of slice capacity.
func (d Description) GoString() string {
	return fmt.Sprintf("model.Description%s", d.String())
}
