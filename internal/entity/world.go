package entity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/gatesim/internal/auth"
	"github.com/signalsfoundry/gatesim/internal/logging"
	"github.com/signalsfoundry/gatesim/internal/process"
	"github.com/signalsfoundry/gatesim/internal/routing"
	"github.com/signalsfoundry/gatesim/internal/signaling"
	"github.com/signalsfoundry/gatesim/internal/sim/scheduler"
	"github.com/signalsfoundry/gatesim/kb"
	"github.com/signalsfoundry/gatesim/model"
)

// World is a simulation: one entity per host of a topology, sharing the
// identity directory, routing, transport and scheduler.
type World struct {
	KB     *kb.KnowledgeBase
	Auth   *auth.Directory
	Routes routing.Service
	Net    *signaling.Network
	Sched  scheduler.EventScheduler

	entities    map[string]*Entity
	log         logging.Logger
	unsubscribe func()
}

// NewWorld enrolls every host of store and creates its entity. Link state
// changes in store reach the entities on both ends of the link.
func NewWorld(store *kb.KnowledgeBase, sched scheduler.EventScheduler, hopLatency time.Duration, log logging.Logger, opts ...Option) (*World, error) {
	log = logging.OrNoop(log)
	w := &World{
		KB:       store,
		Auth:     auth.NewDirectory(),
		Routes:   routing.NewStatic(store),
		Net:      signaling.NewNetwork(sched, hopLatency, signaling.WithNetworkLogger(log)),
		Sched:    sched,
		entities: make(map[string]*Entity),
		log:      log,
	}
	resolve := func(host string) model.Identity {
		if n, ok := store.GetNode(host); ok {
			return n.Principal()
		}
		return model.Identity(host)
	}
	deps := Deps{Auth: w.Auth, Routes: w.Routes, Network: w.Net, Scheduler: sched}
	base := []Option{WithLogger(log), WithIdentityResolver(resolve)}

	for _, n := range store.ListNodes() {
		if err := w.Auth.Enroll(n.Principal()); err != nil {
			return nil, fmt.Errorf("enroll %s: %w", n.Name, err)
		}
		e, err := New(n.Name, n.Principal(), deps, append(base, opts...)...)
		if err != nil {
			return nil, err
		}
		w.entities[n.Name] = e
	}
	w.unsubscribe = store.Subscribe(w.onEvent)
	return w, nil
}

func (w *World) onEvent(ev kb.Event) {
	if ev.Type != kb.EventLinkDown {
		return
	}
	ctx := context.Background()
	w.log.Info(ctx, "link down", logging.String("a", ev.Link.A), logging.String("b", ev.Link.B))
	if e, ok := w.entities[ev.Link.A]; ok {
		e.LinkDown(ctx, ev.Link.B)
	}
	if e, ok := w.entities[ev.Link.B]; ok {
		e.LinkDown(ctx, ev.Link.A)
	}
}

// Entity returns the entity of host name.
func (w *World) Entity(name string) (*Entity, bool) {
	e, ok := w.entities[name]
	return e, ok
}

// Entities returns every entity ordered by host name.
func (w *World) Entities() []*Entity {
	out := make([]*Entity, 0, len(w.entities))
	for _, e := range w.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Connect starts a connection from host src to host dst.
func (w *World) Connect(ctx context.Context, src, dst string, req model.Description) (*Connection, error) {
	e, ok := w.entities[src]
	if !ok {
		return nil, fmt.Errorf("%w: %s", routing.ErrUnknownNode, src)
	}
	return e.Connect(ctx, dst, req)
}

// Close terminates every process and stops listening to topology changes.
func (w *World) Close(ctx context.Context) {
	if w.unsubscribe != nil {
		w.unsubscribe()
		w.unsubscribe = nil
	}
	for _, e := range w.Entities() {
		e.TerminateAll(ctx, process.ErrClosed)
	}
	for _, e := range w.Entities() {
		w.Net.Detach(e.name)
	}
}
