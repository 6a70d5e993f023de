package model

import (
	"fmt"
	"strconv"
)

// Kind identifies one requirement or capability dimension.
type Kind int

const (
	KindDatarate Kind = iota // kbit/s
	KindDelay                // ms
	KindLossRate             // per mille
	KindPriority
	KindCommunicationType
	KindOrdered
)

func (k Kind) String() string {
	switch k {
	case KindDatarate:
		return "datarate"
	case KindDelay:
		return "delay"
	case KindLossRate:
		return "loss_rate"
	case KindPriority:
		return "priority"
	case KindCommunicationType:
		return "communication_type"
	case KindOrdered:
		return "ordered"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Rule is the way values of one kind combine along a path.
type Rule int

const (
	// Additive values accumulate by sum across hops (delay, loss).
	Additive Rule = iota
	// Bottleneck values are limited by the weakest hop (rate, priority).
	Bottleneck
	// Functional properties have no numeric range.
	Functional
)

// Rule returns the combination rule of k.
func (k Kind) Rule() Rule {
	switch k {
	case KindDelay, KindLossRate:
		return Additive
	case KindDatarate, KindPriority:
		return Bottleneck
	default:
		return Functional
	}
}

// Property is an immutable value for one dimension. The same shape is used
// for requirements and for capabilities.
type Property interface {
	Kind() Kind
	// IsBE reports whether the property leaves its dimension unconstrained.
	IsBE() bool
	// Fuse intersects two same-kind properties.
	Fuse(other Property) (Property, error)
	// DeriveRequirements treats the receiver as an offer and returns what
	// the offering segment has to guarantee for req.
	DeriveRequirements(req Property) (Property, error)
	// RemoveCapabilities treats the receiver as a requirement and subtracts
	// a capability already delivered by a segment.
	RemoveCapabilities(capability Property) (Property, error)
	String() string
}

// Unconstrained marks an unset bound. It never takes part in arithmetic.
const Unconstrained = -1

// MinMax is a range-shaped property. Bounds equal to Unconstrained are unset.
type MinMax struct {
	kind     Kind
	min      int
	max      int
	variance int
}

// NewMinMax builds a range property. Negative bounds are treated as
// Unconstrained; a defined min above a defined max is a conflict.
func NewMinMax(kind Kind, min, max, variance int) (MinMax, error) {
	if kind.Rule() == Functional {
		return MinMax{}, fmt.Errorf("%w: %s has no range", ErrRequirementConflict, kind)
	}
	p := MinMax{kind: kind, min: normalize(min), max: normalize(max), variance: variance}
	if p.variance < 0 {
		p.variance = 0
	}
	if p.HasMin() && p.HasMax() && p.min > p.max {
		return MinMax{}, conflict(kind, p, p, "min above max")
	}
	return p, nil
}

// AtLeast returns [min, unconstrained). It panics if kind has no range.
func AtLeast(kind Kind, min int) MinMax {
	return mustRange(NewMinMax(kind, min, Unconstrained, 0))
}

// AtMost returns (unconstrained, max]. It panics if kind has no range.
func AtMost(kind Kind, max int) MinMax {
	return mustRange(NewMinMax(kind, Unconstrained, max, 0))
}

func mustRange(p MinMax, err error) MinMax {
	if err != nil {
		panic(err)
	}
	return p
}

func normalize(v int) int {
	if v < 0 {
		return Unconstrained
	}
	return v
}

func (p MinMax) Kind() Kind    { return p.kind }
func (p MinMax) Min() int      { return p.min }
func (p MinMax) Max() int      { return p.max }
func (p MinMax) Variance() int { return p.variance }
func (p MinMax) HasMin() bool  { return p.min != Unconstrained }
func (p MinMax) HasMax() bool  { return p.max != Unconstrained }

func (p MinMax) withMin(v int) MinMax {
	p.min = v
	return p
}

func (p MinMax) IsBE() bool {
	if p.kind.Rule() == Additive {
		return !p.HasMax()
	}
	return !p.HasMin()
}

func (p MinMax) String() string {
	bound := func(v int) string {
		if v == Unconstrained {
			return "*"
		}
		return strconv.Itoa(v)
	}
	s := fmt.Sprintf("%s[%s,%s]", p.kind, bound(p.min), bound(p.max))
	if p.variance > 0 {
		s += fmt.Sprintf("~%d", p.variance)
	}
	return s
}

func (p MinMax) peer(other Property) (MinMax, error) {
	o, ok := other.(MinMax)
	if !ok || o.kind != p.kind {
		return MinMax{}, &ConflictError{Kind: p.kind, Left: p.String(), Right: fmt.Sprint(other), Reason: "kind mismatch"}
	}
	return o, nil
}

// Fuse keeps the larger min, the smaller max and the larger variance.
func (p MinMax) Fuse(other Property) (Property, error) {
	o, err := p.peer(other)
	if err != nil {
		return nil, err
	}
	res := p
	if o.HasMin() && (!res.HasMin() || o.min > res.min) {
		res.min = o.min
	}
	if o.HasMax() && (!res.HasMax() || o.max < res.max) {
		res.max = o.max
	}
	if o.variance > res.variance {
		res.variance = o.variance
	}
	if res.HasMin() && res.HasMax() && res.min > res.max {
		return nil, conflict(p.kind, p, o, "disjoint ranges")
	}
	return res, nil
}

func (p MinMax) DeriveRequirements(req Property) (Property, error) {
	r, err := p.peer(req)
	if err != nil {
		return nil, err
	}
	return p.derive(r)
}

func (p MinMax) derive(r MinMax) (MinMax, error) {
	offer := p
	if p.kind.Rule() == Additive {
		if !offer.HasMin() {
			return MinMax{kind: p.kind, min: 0, max: 0}, nil
		}
		if !r.HasMax() {
			return MinMax{kind: p.kind, min: offer.min, max: Unconstrained, variance: offer.variance}, nil
		}
		if offer.min > r.max {
			return MinMax{}, conflict(p.kind, offer, r, "offered minimum exceeds required maximum")
		}
		return MinMax{kind: p.kind, min: offer.min, max: offer.min, variance: offer.variance}, nil
	}

	if !offer.HasMax() {
		return r, nil
	}
	if !r.HasMin() {
		return MinMax{kind: p.kind, min: Unconstrained, max: offer.max}, nil
	}
	if r.min > offer.max {
		return MinMax{}, conflict(p.kind, offer, r, "required minimum exceeds offered maximum")
	}
	return MinMax{kind: p.kind, min: r.min, max: r.min, variance: r.variance}, nil
}

func (p MinMax) RemoveCapabilities(capability Property) (Property, error) {
	c, err := p.peer(capability)
	if err != nil {
		return nil, err
	}
	return p.remove(c)
}

func (p MinMax) remove(c MinMax) (MinMax, error) {
	req := p
	if p.kind.Rule() == Additive {
		if !req.HasMax() {
			return req, nil
		}
		switch {
		case c.HasMax():
			if c.max > req.max {
				return MinMax{}, conflict(p.kind, req, c, "capability exceeds remaining budget")
			}
			// A lower bound on an accumulated quantity has no meaning for
			// the remaining segments.
			return MinMax{kind: p.kind, min: Unconstrained, max: req.max - c.max, variance: req.variance + c.variance}, nil
		case c.HasMin():
			return MinMax{}, conflict(p.kind, req, c, "unbounded contribution")
		default:
			return req, nil
		}
	}

	if !req.HasMin() {
		return req, nil
	}
	switch {
	case c.HasMin():
		if c.min < req.min {
			return MinMax{}, conflict(p.kind, req, c, "guaranteed minimum below requirement")
		}
	case c.HasMax():
		if req.min > c.max {
			return MinMax{}, conflict(p.kind, req, c, "required minimum exceeds capability")
		}
	}
	return req, nil
}

// AddCapabilities undoes RemoveCapabilities: additive maxima are summed,
// bottleneck minima take the smaller value.
func (p MinMax) AddCapabilities(capability Property) (Property, error) {
	c, err := p.peer(capability)
	if err != nil {
		return nil, err
	}
	res := p
	if p.kind.Rule() == Additive {
		if res.HasMax() && c.HasMax() {
			res.max += c.max
			res.variance -= c.variance
			if res.variance < 0 {
				res.variance = 0
			}
		}
		return res, nil
	}
	bound := c.min
	if !c.HasMin() {
		bound = c.max
	}
	if res.HasMin() && bound != Unconstrained && bound < res.min {
		res = res.withMin(bound)
	}
	return res, nil
}

// CommunicationType is the delivery style of a connection.
type CommunicationType int

const (
	Stream CommunicationType = iota
	DatagramStream
	Datagram
)

func (c CommunicationType) Kind() Kind { return KindCommunicationType }
func (c CommunicationType) IsBE() bool { return c == Datagram }

func (c CommunicationType) String() string {
	switch c {
	case Stream:
		return "stream"
	case DatagramStream:
		return "datagram_stream"
	case Datagram:
		return "datagram"
	default:
		return "communication_type(" + strconv.Itoa(int(c)) + ")"
	}
}

// RequiresSignaling is false only for plain datagram traffic.
func (c CommunicationType) RequiresSignaling() bool { return c != Datagram }

// CommonType returns the type both sides can use.
func (c CommunicationType) CommonType(other CommunicationType) CommunicationType {
	if c == other {
		return c
	}
	return DatagramStream
}

func (c CommunicationType) Fuse(other Property) (Property, error) {
	o, ok := other.(CommunicationType)
	if !ok {
		return nil, &ConflictError{Kind: KindCommunicationType, Left: c.String(), Right: fmt.Sprint(other), Reason: "kind mismatch"}
	}
	if o != c {
		return nil, conflict(KindCommunicationType, c, o, "different communication types")
	}
	return c, nil
}

// DeriveRequirements carries the requested type to every hop.
func (c CommunicationType) DeriveRequirements(req Property) (Property, error) {
	if _, ok := req.(CommunicationType); !ok {
		return nil, &ConflictError{Kind: KindCommunicationType, Left: c.String(), Right: fmt.Sprint(req), Reason: "kind mismatch"}
	}
	return req, nil
}

func (c CommunicationType) RemoveCapabilities(capability Property) (Property, error) {
	if _, ok := capability.(CommunicationType); !ok {
		return nil, &ConflictError{Kind: KindCommunicationType, Left: c.String(), Right: fmt.Sprint(capability), Reason: "kind mismatch"}
	}
	return c, nil
}

// Ordered requests in-order delivery.
type Ordered bool

func (o Ordered) Kind() Kind { return KindOrdered }
func (o Ordered) IsBE() bool { return !bool(o) }

func (o Ordered) String() string {
	if o {
		return "ordered"
	}
	return "unordered"
}

func (o Ordered) Fuse(other Property) (Property, error) {
	x, ok := other.(Ordered)
	if !ok {
		return nil, &ConflictError{Kind: KindOrdered, Left: o.String(), Right: fmt.Sprint(other), Reason: "kind mismatch"}
	}
	return o || x, nil
}

func (o Ordered) DeriveRequirements(req Property) (Property, error) {
	if _, ok := req.(Ordered); !ok {
		return nil, &ConflictError{Kind: KindOrdered, Left: o.String(), Right: fmt.Sprint(req), Reason: "kind mismatch"}
	}
	return req, nil
}

func (o Ordered) RemoveCapabilities(capability Property) (Property, error) {
	if _, ok := capability.(Ordered); !ok {
		return nil, &ConflictError{Kind: KindOrdered, Left: o.String(), Right: fmt.Sprint(capability), Reason: "kind mismatch"}
	}
	return o, nil
}
