package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/gatesim/model"
)

var (
	ErrNodeExists   = errors.New("forwarding node already exists")
	ErrNodeNotFound = errors.New("forwarding node not found")
	ErrNodeBusy     = errors.New("forwarding node still has gates")
)

// Host is the per-node container of forwarding nodes and gates. All of its
// mutable state is guarded by one exclusive lock that callers hold for the
// full duration of a dispatch or a path construction. Methods with the
// Locked suffix expect that lock to be held.
//
// The same counter hands out gate ids and process numbers, so both are
// unique per host.
type Host struct {
	name string

	mu      sync.Mutex
	counter int
	nodes   map[string]*ForwardingNode
	gates   map[GateID]*Gate
}

// NewHost creates an empty host.
func NewHost(name string) *Host {
	return &Host{
		name:  name,
		nodes: make(map[string]*ForwardingNode),
		gates: make(map[GateID]*Gate),
	}
}

func (h *Host) Name() string { return h.name }

// WithLock runs fn while holding the host lock.
func (h *Host) WithLock(fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn()
}

// NextNumberLocked returns a fresh host-unique number.
func (h *Host) NextNumberLocked() int {
	h.counter++
	return h.counter
}

// AddEndpoint registers an endpoint forwarding node such as a port toward a
// neighbor or an application binding.
func (h *Host) AddEndpoint(id string) (*ForwardingNode, error) {
	var fn *ForwardingNode
	err := h.WithLock(func() error {
		var err error
		fn, err = h.AddEndpointLocked(id)
		return err
	})
	return fn, err
}

func (h *Host) AddEndpointLocked(id string) (*ForwardingNode, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty node id", model.ErrCreation)
	}
	if _, exists := h.nodes[id]; exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrNodeExists, h.name, id)
	}
	fn := newForwardingNode(h, id, Endpoint)
	h.nodes[id] = fn
	return fn, nil
}

// NewMultiplexerLocked creates an anonymous multiplexing node.
func (h *Host) NewMultiplexerLocked() *ForwardingNode {
	id := fmt.Sprintf("mux-%d", h.NextNumberLocked())
	fn := newForwardingNode(h, id, Multiplexer)
	h.nodes[id] = fn
	return fn
}

func (h *Host) NodeLocked(id string) (*ForwardingNode, bool) {
	fn, ok := h.nodes[id]
	return fn, ok
}

func (h *Host) GateLocked(id GateID) (*Gate, bool) {
	g, ok := h.gates[id]
	return g, ok
}

// RemoveNodeLocked closes a node without outgoing gates.
func (h *Host) RemoveNodeLocked(fn *ForwardingNode) error {
	if fn == nil || fn.host != h {
		return ErrNodeNotFound
	}
	if _, ok := h.nodes[fn.id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNodeNotFound, h.name, fn.id)
	}
	if len(fn.gates) > 0 {
		return fmt.Errorf("%w: %s/%s has %d", ErrNodeBusy, h.name, fn.id, len(fn.gates))
	}
	delete(h.nodes, fn.id)
	fn.closed = true
	return nil
}

// NodeIDsLocked lists node ids in lexical order.
func (h *Host) NodeIDsLocked() []string {
	ids := make([]string, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats is a point-in-time count of a host's forwarding state.
type Stats struct {
	Nodes        int
	Multiplexers int
	Gates        int
}

// Stats takes the host lock and counts nodes and gates.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{Nodes: len(h.nodes), Gates: len(h.gates)}
	for _, fn := range h.nodes {
		if fn.kind == Multiplexer {
			s.Multiplexers++
		}
	}
	return s
}
