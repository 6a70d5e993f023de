// Package scenario reads simulation scenarios: a topology of hosts and
// links, the connections to open, and timed link state changes.
//
//	nodes:
//	  - name: A
//	  - name: B
//	    identity: b.example
//	links:
//	  - a: A
//	    b: B
//	    capabilities:
//	      datarate: {max: 1000}
//	      delay: {min: 10, max: 10}
//	connections:
//	  - name: video
//	    src: A
//	    dst: B
//	    at: 0s
//	    hold: 1s
//	    requirements:
//	      datarate: {min: 100}
//	      delay: {max: 50}
//	events:
//	  - at: 500ms
//	    link_down: [A, B]
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/signalsfoundry/gatesim/internal/config"
	"github.com/signalsfoundry/gatesim/kb"
	"github.com/signalsfoundry/gatesim/model"
	"gopkg.in/yaml.v3"
)

// Range bounds one numeric property. Absent bounds are unconstrained.
type Range struct {
	Min      *int `yaml:"min,omitempty"`
	Max      *int `yaml:"max,omitempty"`
	Variance int  `yaml:"variance,omitempty"`
}

func (r Range) property(kind model.Kind) (model.MinMax, error) {
	lo, hi := model.Unconstrained, model.Unconstrained
	if r.Min != nil {
		lo = *r.Min
	}
	if r.Max != nil {
		hi = *r.Max
	}
	return model.NewMinMax(kind, lo, hi, r.Variance)
}

// PropertySet is the YAML form of a model.Description. It describes link
// capabilities and connection requirements alike.
type PropertySet struct {
	Datarate          *Range `yaml:"datarate,omitempty"`
	Delay             *Range `yaml:"delay,omitempty"`
	LossRate          *Range `yaml:"loss_rate,omitempty"`
	Priority          *Range `yaml:"priority,omitempty"`
	Ordered           *bool  `yaml:"ordered,omitempty"`
	CommunicationType string `yaml:"communication_type,omitempty"`
}

// Description converts the set into a model.Description.
func (p PropertySet) Description() (model.Description, error) {
	var props []model.Property
	for _, r := range []struct {
		kind model.Kind
		rng  *Range
	}{
		{model.KindDatarate, p.Datarate},
		{model.KindDelay, p.Delay},
		{model.KindLossRate, p.LossRate},
		{model.KindPriority, p.Priority},
	} {
		if r.rng == nil {
			continue
		}
		mm, err := r.rng.property(r.kind)
		if err != nil {
			return model.Description{}, err
		}
		props = append(props, mm)
	}
	if p.Ordered != nil {
		props = append(props, model.Ordered(*p.Ordered))
	}
	if p.CommunicationType != "" {
		ct, err := parseCommunicationType(p.CommunicationType)
		if err != nil {
			return model.Description{}, err
		}
		props = append(props, ct)
	}
	return model.NewDescription(props...)
}

func parseCommunicationType(s string) (model.CommunicationType, error) {
	for _, ct := range []model.CommunicationType{model.Stream, model.DatagramStream, model.Datagram} {
		if strings.EqualFold(s, ct.String()) {
			return ct, nil
		}
	}
	return 0, fmt.Errorf("unknown communication type %q", s)
}

type Node struct {
	Name     string `yaml:"name"`
	Identity string `yaml:"identity,omitempty"`
}

type Link struct {
	A            string      `yaml:"a"`
	B            string      `yaml:"b"`
	Capabilities PropertySet `yaml:"capabilities,omitempty"`

	// Down starts the link in the down state.
	Down bool `yaml:"down,omitempty"`
}

// Connection is a connection opened At simulated time after the start and
// closed Hold later. A zero Hold keeps it open until the run ends.
type Connection struct {
	Name         string          `yaml:"name"`
	Src          string          `yaml:"src"`
	Dst          string          `yaml:"dst"`
	At           config.Duration `yaml:"at,omitempty"`
	Hold         config.Duration `yaml:"hold,omitempty"`
	Requirements PropertySet     `yaml:"requirements,omitempty"`
}

// Event changes the state of one link. Exactly one of LinkDown and LinkUp
// names the two ends.
type Event struct {
	At       config.Duration `yaml:"at"`
	LinkDown []string        `yaml:"link_down,omitempty"`
	LinkUp   []string        `yaml:"link_up,omitempty"`
}

func (ev Event) link() (a, b string, up bool, err error) {
	switch {
	case len(ev.LinkDown) == 2 && len(ev.LinkUp) == 0:
		return ev.LinkDown[0], ev.LinkDown[1], false, nil
	case len(ev.LinkUp) == 2 && len(ev.LinkDown) == 0:
		return ev.LinkUp[0], ev.LinkUp[1], true, nil
	default:
		return "", "", false, errors.New("event needs exactly one of link_down or link_up with two node names")
	}
}

// Scenario is a parsed scenario file.
type Scenario struct {
	Nodes       []Node       `yaml:"nodes"`
	Links       []Link       `yaml:"links"`
	Connections []Connection `yaml:"connections"`
	Events      []Event      `yaml:"events,omitempty"`
}

// Load reads and validates the scenario at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates a YAML scenario. Unknown fields are errors.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the references between sections and that every property
// set converts to a description.
func (s *Scenario) Validate() error {
	var errs []error
	names := make(map[string]bool, len(s.Nodes))
	for i, n := range s.Nodes {
		switch {
		case n.Name == "":
			errs = append(errs, fmt.Errorf("nodes[%d]: missing name", i))
		case names[n.Name]:
			errs = append(errs, fmt.Errorf("nodes[%d]: duplicate node %q", i, n.Name))
		}
		names[n.Name] = true
	}
	known := func(ctx, name string) {
		if !names[name] {
			errs = append(errs, fmt.Errorf("%s: unknown node %q", ctx, name))
		}
	}
	for i, l := range s.Links {
		ctx := fmt.Sprintf("links[%d]", i)
		known(ctx, l.A)
		known(ctx, l.B)
		if _, err := l.Capabilities.Description(); err != nil {
			errs = append(errs, fmt.Errorf("%s capabilities: %w", ctx, err))
		}
	}
	for i, c := range s.Connections {
		ctx := fmt.Sprintf("connections[%d]", i)
		known(ctx, c.Src)
		known(ctx, c.Dst)
		if c.At < 0 || c.Hold < 0 {
			errs = append(errs, fmt.Errorf("%s: negative at or hold", ctx))
		}
		if _, err := c.Requirements.Description(); err != nil {
			errs = append(errs, fmt.Errorf("%s requirements: %w", ctx, err))
		}
	}
	for i, ev := range s.Events {
		ctx := fmt.Sprintf("events[%d]", i)
		a, b, _, err := ev.link()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ctx, err))
			continue
		}
		known(ctx, a)
		known(ctx, b)
	}
	return errors.Join(errs...)
}

// KnowledgeBase builds the topology store of the scenario.
func (s *Scenario) KnowledgeBase() (*kb.KnowledgeBase, error) {
	store := kb.NewKnowledgeBase()
	for _, n := range s.Nodes {
		if err := store.AddNode(model.NodeDefinition{Name: n.Name, Identity: model.Identity(n.Identity)}); err != nil {
			return nil, err
		}
	}
	for _, l := range s.Links {
		caps, err := l.Capabilities.Description()
		if err != nil {
			return nil, fmt.Errorf("link %s-%s: %w", l.A, l.B, err)
		}
		if err := store.AddLink(model.LinkDefinition{A: l.A, B: l.B, Capabilities: caps, Up: !l.Down}); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// label names the connection in logs, defaulting to "src->dst".
func (c Connection) label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Src + "->" + c.Dst
}
