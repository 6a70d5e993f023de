package kb

import (
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/gatesim/model"
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventLinkUp EventType = iota
	EventLinkDown
)

func (t EventType) String() string {
	if t == EventLinkDown {
		return "link_down"
	}
	return "link_up"
}

// Event is emitted to subscribers when a link changes state.
type Event struct {
	Type EventType
	Link model.LinkDefinition
}

type linkKey struct{ a, b string }

func keyOf(a, b string) linkKey {
	if b < a {
		a, b = b, a
	}
	return linkKey{a, b}
}

// KnowledgeBase is an in-memory, thread-safe store of the simulated
// topology: hosts and the links between them.
type KnowledgeBase struct {
	mu sync.RWMutex

	nodes map[string]model.NodeDefinition
	links map[linkKey]model.LinkDefinition

	nextSub int
	subs    map[int]func(Event)
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		nodes: make(map[string]model.NodeDefinition),
		links: make(map[linkKey]model.LinkDefinition),
		subs:  make(map[int]func(Event)),
	}
}

// AddNode adds a host. It returns an error if the name already exists.
func (kb *KnowledgeBase) AddNode(n model.NodeDefinition) error {
	if n.Name == "" {
		return fmt.Errorf("node name must not be empty")
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, exists := kb.nodes[n.Name]; exists {
		return fmt.Errorf("node %q already exists", n.Name)
	}
	kb.nodes[n.Name] = n
	return nil
}

// AddLink adds a link between two known hosts. At most one link joins a
// pair of hosts.
func (kb *KnowledgeBase) AddLink(l model.LinkDefinition) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if l.A == l.B {
		return fmt.Errorf("link %s-%s loops back to its node", l.A, l.B)
	}
	for _, end := range []string{l.A, l.B} {
		if _, ok := kb.nodes[end]; !ok {
			return fmt.Errorf("node %q not found for link %s-%s", end, l.A, l.B)
		}
	}
	k := keyOf(l.A, l.B)
	if _, exists := kb.links[k]; exists {
		return fmt.Errorf("link %s-%s already exists", l.A, l.B)
	}
	kb.links[k] = l
	return nil
}

// GetNode returns the host with the given name.
func (kb *KnowledgeBase) GetNode(name string) (model.NodeDefinition, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	n, ok := kb.nodes[name]
	return n, ok
}

// Link returns the link joining a and b in either direction.
func (kb *KnowledgeBase) Link(a, b string) (model.LinkDefinition, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	l, ok := kb.links[keyOf(a, b)]
	return l, ok
}

// ListNodes returns a snapshot of all hosts ordered by name.
func (kb *KnowledgeBase) ListNodes() []model.NodeDefinition {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]model.NodeDefinition, 0, len(kb.nodes))
	for _, n := range kb.nodes {
		res = append(res, n)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

// Neighbors returns the links of node ordered by the name of the far end.
func (kb *KnowledgeBase) Neighbors(node string) []model.LinkDefinition {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	var res []model.LinkDefinition
	for _, l := range kb.links {
		if l.A == node || l.B == node {
			res = append(res, l)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		oi, _ := res[i].Other(node)
		oj, _ := res[j].Other(node)
		return oi < oj
	})
	return res
}

// SetLinkUp changes the state of the link between a and b and notifies
// subscribers when the state actually changed.
func (kb *KnowledgeBase) SetLinkUp(a, b string, up bool) error {
	kb.mu.Lock()
	k := keyOf(a, b)
	l, ok := kb.links[k]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("link %s-%s not found", a, b)
	}
	if l.Up == up {
		kb.mu.Unlock()
		return nil
	}
	l.Up = up
	kb.links[k] = l
	event := Event{Type: EventLinkUp, Link: l}
	if !up {
		event.Type = EventLinkDown
	}
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub(event)
	}
	return nil
}

func (kb *KnowledgeBase) subscribersLocked() []func(Event) {
	ids := make([]int, 0, len(kb.subs))
	for id := range kb.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Event), len(ids))
	for i, id := range ids {
		subs[i] = kb.subs[id]
	}
	return subs
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.nextSub++
	id := kb.nextSub
	kb.subs[id] = fn

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		delete(kb.subs, id)
	}
}
