package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/gatesim/internal/logging"
	"github.com/signalsfoundry/gatesim/internal/sim/scheduler"
)

var ErrUnknownHost = errors.New("unknown host")

// DeliveryObserver sees every delivery result, after the dispatcher ran.
type DeliveryObserver func(pkt *Packet, res Result)

// Network moves packets between the dispatchers of attached hosts. A packet
// sent now reaches its destination after Hops times the hop latency of
// simulation time.
type Network struct {
	sched   scheduler.EventScheduler
	latency time.Duration
	log     logging.Logger

	mu        sync.RWMutex
	hosts     map[string]*Dispatcher
	observers []DeliveryObserver
}

type NetworkOption func(*Network)

func WithNetworkLogger(log logging.Logger) NetworkOption {
	return func(n *Network) { n.log = logging.OrNoop(log) }
}

// NewNetwork returns a network that schedules deliveries on sched.
func NewNetwork(sched scheduler.EventScheduler, hopLatency time.Duration, opts ...NetworkOption) *Network {
	n := &Network{
		sched:   sched,
		latency: hopLatency,
		log:     logging.Noop(),
		hosts:   make(map[string]*Dispatcher),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Attach registers the dispatcher of a host. A second attach replaces the
// first.
func (n *Network) Attach(d *Dispatcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hosts[d.Host()] = d
}

// Detach removes a host; packets already in flight to it are discarded.
func (n *Network) Detach(host string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.hosts, host)
}

func (n *Network) OnDeliver(fn DeliveryObserver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, fn)
}

func (n *Network) dispatcher(host string) (*Dispatcher, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	d, ok := n.hosts[host]
	return d, ok
}

// Send schedules delivery of a signed packet. Only the unsigned trace
// field is written.
func (n *Network) Send(ctx context.Context, pkt *Packet) error {
	if _, ok := n.dispatcher(pkt.Dst); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHost, pkt.Dst)
	}
	pkt.InjectTrace(ctx)

	hops := pkt.Hops
	if hops < 1 {
		hops = 1
	}
	at := n.sched.Now().Add(time.Duration(hops) * n.latency)
	n.sched.Schedule(at, func() { n.deliver(pkt) })
	n.log.Debug(ctx, "packet sent",
		logging.String("packet", pkt.ID),
		logging.String("src", pkt.Src),
		logging.String("dst", pkt.Dst),
		logging.String("message", pkt.Message.Name()),
		logging.Int("hops", hops),
	)
	return nil
}

func (n *Network) deliver(pkt *Packet) {
	d, ok := n.dispatcher(pkt.Dst)
	if !ok {
		n.log.Warn(context.Background(), "packet for detached host discarded",
			logging.String("packet", pkt.ID),
			logging.String("dst", pkt.Dst),
		)
		return
	}
	res := d.Deliver(context.Background(), pkt)

	n.mu.RLock()
	observers := append([]DeliveryObserver(nil), n.observers...)
	n.mu.RUnlock()
	for _, fn := range observers {
		fn(pkt, res)
	}
}
