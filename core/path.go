package core

import (
	"fmt"
	"sort"
	"strings"
)

// SocketPathParam is one segment edit of a gate chain.
//
// A segment without GateID asks for a new gate; one with GateID reuses or,
// with Remove set, retires that gate. RemoveTarget also retires the gate's
// target multiplexer once it has no outgoing gates, and implies Remove.
// Partner points at the segment carrying the opposite direction on the same
// host; after commit the two gates record each other as reverse gates.
//
// Path construction fills in GateID, Origin, Target and Role of the
// segments it commits.
type SocketPathParam struct {
	GateID       GateID
	Remove       bool
	Origin       *ForwardingNode
	Target       *ForwardingNode
	RemoveTarget bool
	Role         Role
	Config       Config
	Partner      *SocketPathParam
}

func (p *SocketPathParam) String() string {
	op := "create"
	switch {
	case p.Remove:
		op = "remove"
	case p.GateID != NoGate:
		op = "reuse"
	}
	return fmt.Sprintf("%s(gate=%d role=%s %s->%s)", op, p.GateID, p.Role, p.Origin, p.Target)
}

// RemovalSegments returns the segments that retire chain, base first,
// together with every multiplexer the chain leaves behind.
func RemovalSegments(chain []GateID) []*SocketPathParam {
	segs := make([]*SocketPathParam, len(chain))
	for i, id := range chain {
		segs[i] = &SocketPathParam{GateID: id, Remove: true, RemoveTarget: true}
	}
	return segs
}

// PairSegments links forward[i] with reverse[len-1-i], the usual layout of
// two chains that carry both directions between the same nodes.
func PairSegments(forward, reverse []*SocketPathParam) {
	n := len(forward)
	if len(reverse) < n {
		n = len(reverse)
	}
	for i := 0; i < n; i++ {
		f, r := forward[i], reverse[len(reverse)-1-i]
		f.Partner, r.Partner = r, f
	}
}

// Occurrence counts the uses of one gate during a single path construction.
type Occurrence struct {
	Old     int
	New     int
	Removed int
}

// Ref is the number of uses the path still holds.
func (o Occurrence) Ref() int { return o.Old + o.New - o.Removed }

type occurrences struct {
	order []GateID
	m     map[GateID]*Occurrence
}

func newOccurrences() *occurrences {
	return &occurrences{m: make(map[GateID]*Occurrence)}
}

func (o *occurrences) entry(id GateID) *Occurrence {
	e, ok := o.m[id]
	if !ok {
		e = &Occurrence{}
		o.m[id] = e
		o.order = append(o.order, id)
	}
	return e
}

func (o *occurrences) snapshot() map[GateID]Occurrence {
	out := make(map[GateID]Occurrence, len(o.m))
	for id, e := range o.m {
		out[id] = *e
	}
	return out
}

// PathResult describes a committed path construction.
type PathResult struct {
	// Gates is the resulting chain from the base node, one id per kept or
	// created segment.
	Gates []GateID
	// End is the node the chain leads to.
	End *ForwardingNode
	// Ledger holds the occurrence counts of every gate the call touched.
	Ledger map[GateID]Occurrence

	Created int
	Reused  int
	Removed int
	// Retired counts gates that were physically deleted.
	Retired int
}

func (r *PathResult) String() string {
	ids := make([]GateID, 0, len(r.Ledger))
	for id := range r.Ledger {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var b strings.Builder
	fmt.Fprintf(&b, "created=%d reused=%d removed=%d retired=%d", r.Created, r.Reused, r.Removed, r.Retired)
	for _, id := range ids {
		o := r.Ledger[id]
		fmt.Fprintf(&b, " %d:%d/%d/%d", id, o.Old, o.New, o.Removed)
	}
	return b.String()
}
