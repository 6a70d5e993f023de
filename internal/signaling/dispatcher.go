package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/gatesim/internal/auth"
	"github.com/signalsfoundry/gatesim/internal/logging"
	"github.com/signalsfoundry/gatesim/internal/process"
	"github.com/signalsfoundry/gatesim/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrRemote wraps the reason carried by a notification.
var ErrRemote = errors.New("remote failure")

// Node is the host side the dispatcher executes messages against.
type Node interface {
	Name() string
	// WithLock runs fn under the host lock.
	WithLock(fn func() error) error
	// Processes is the host's registry. It is only used under the lock.
	Processes() *process.Registry
	// HandleRequest executes a request. The lock is held.
	HandleRequest(ctx context.Context, pkt *Packet, sender model.Identity) error
	// HandleNotification handles a notification no live process claimed.
	// The lock is held.
	HandleNotification(ctx context.Context, pkt *Packet, sender model.Identity) error
}

// AnswerHandler is implemented by process handlers that wait for answers.
type AnswerHandler interface {
	HandleAnswer(ctx context.Context, p *process.Process, pkt *Packet, sender model.Identity) error
}

// NotificationHandler is implemented by process handlers that react to
// notifications themselves. Other processes receive an error notification.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, p *process.Process, pkt *Packet, sender model.Identity) error
}

// Outcome is the result class of one delivery.
type Outcome int

const (
	Handled Outcome = iota
	// Ignored answers found no live process; a late or duplicate reply.
	Ignored
	// Dropped packets failed authentication or were misaddressed.
	Dropped
	// NotHandled messages failed while executing on the node.
	NotHandled
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case Ignored:
		return "ignored"
	case Dropped:
		return "dropped"
	case NotHandled:
		return "not_handled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one delivery. Err is informational; the dispatcher never
// propagates a failure beyond Deliver.
type Result struct {
	Outcome Outcome
	Sender  model.Identity
	Err     error
}

// MetricsRecorder observes dispatching.
type MetricsRecorder interface {
	ObserveDispatch(class, outcome string, size int)
	PacketDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDispatch(string, string, int) {}
func (noopMetrics) PacketDropped(string)                {}

// Dispatcher authenticates packets for one host and executes them.
type Dispatcher struct {
	node    Node
	auth    auth.Service
	log     logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithDispatchLogger(log logging.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = logging.OrNoop(log) }
}

func WithDispatchMetrics(m MetricsRecorder) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

func NewDispatcher(node Node, svc auth.Service, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		node:    node,
		auth:    svc,
		log:     logging.Noop(),
		metrics: noopMetrics{},
		tracer:  otel.Tracer("github.com/signalsfoundry/gatesim/internal/signaling"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Host returns the name of the host the dispatcher serves.
func (d *Dispatcher) Host() string { return d.node.Name() }

// Deliver authenticates pkt and executes its message on the node.
func (d *Dispatcher) Deliver(ctx context.Context, pkt *Packet) Result {
	ctx = pkt.Context(ctx)
	class := "unknown"
	if pkt.Message != nil {
		class = Class(pkt.Message)
	}
	ctx, span := d.tracer.Start(ctx, "signaling.Deliver", trace.WithAttributes(
		attribute.String("host", d.node.Name()),
		attribute.String("packet.id", pkt.ID),
		attribute.String("packet.src", pkt.Src),
		attribute.String("message.class", class),
	))
	defer span.End()

	res := d.deliver(ctx, pkt, class)

	span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	d.metrics.ObserveDispatch(class, res.Outcome.String(), pkt.Size())
	return res
}

func (d *Dispatcher) drop(ctx context.Context, pkt *Packet, reason string, err error) Result {
	d.metrics.PacketDropped(reason)
	d.log.Warn(ctx, "packet dropped",
		logging.String("host", d.node.Name()),
		logging.String("packet", pkt.ID),
		logging.String("src", pkt.Src),
		logging.String("reason", reason),
		logging.Err(err),
	)
	return Result{Outcome: Dropped, Err: err}
}

func (d *Dispatcher) deliver(ctx context.Context, pkt *Packet, class string) Result {
	if pkt.Message == nil {
		return d.drop(ctx, pkt, "empty", fmt.Errorf("packet %s has no message", pkt.ID))
	}
	if pkt.Dst != d.node.Name() {
		return d.drop(ctx, pkt, "misrouted", fmt.Errorf("packet %s for %s reached %s", pkt.ID, pkt.Dst, d.node.Name()))
	}
	sender, err := d.auth.CheckSignature(pkt.Signature, pkt.Digest())
	if err != nil {
		if model.KindOf(err) != model.KindAuthentication {
			err = fmt.Errorf("%w: %w", model.ErrAuthentication, err)
		}
		return d.drop(ctx, pkt, "authentication", err)
	}

	res := Result{Outcome: Handled, Sender: sender}
	err = d.node.WithLock(func() error {
		outcome, err := d.execute(ctx, pkt, sender)
		res.Outcome = outcome
		return err
	})
	if err != nil {
		res.Outcome = NotHandled
		res.Err = err
		d.log.Error(ctx, "message not handled",
			logging.String("host", d.node.Name()),
			logging.String("node", pkt.Node),
			logging.String("sender", string(sender)),
			logging.String("message", pkt.Message.Name()),
			logging.Int("process", pkt.Message.ProcessNumber()),
			logging.Err(err),
		)
		return res
	}
	d.log.Debug(ctx, "message dispatched",
		logging.String("host", d.node.Name()),
		logging.String("class", class),
		logging.String("message", pkt.Message.Name()),
		logging.String("outcome", res.Outcome.String()),
	)
	return res
}

// execute runs under the host lock, so lookup, the finished check and the
// handler see one consistent registry.
func (d *Dispatcher) execute(ctx context.Context, pkt *Packet, sender model.Identity) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = NotHandled
			err = fmt.Errorf("panic while executing %s: %v", pkt.Message.Name(), r)
		}
	}()

	switch msg := pkt.Message.(type) {
	case Request:
		return Handled, d.node.HandleRequest(ctx, pkt, sender)

	case Answer:
		p, ok := d.node.Processes().Lookup(pkt.Node, sender, msg.ProcessNumber())
		if !ok {
			d.log.Info(ctx, "answer without live process",
				logging.String("host", d.node.Name()),
				logging.String("node", pkt.Node),
				logging.String("sender", string(sender)),
				logging.Int("process", msg.ProcessNumber()),
			)
			return Ignored, nil
		}
		h, ok := p.Handler().(AnswerHandler)
		if !ok {
			return Ignored, nil
		}
		return Handled, h.HandleAnswer(ctx, p, pkt, sender)

	case Notification:
		p, ok := d.node.Processes().Lookup(pkt.Node, sender, msg.ProcessNumber())
		if !ok {
			return Handled, d.node.HandleNotification(ctx, pkt, sender)
		}
		if h, ok := p.Handler().(NotificationHandler); ok {
			return Handled, h.HandleNotification(ctx, p, pkt, sender)
		}
		p.ErrorNotification(ctx, fmt.Errorf("%w from %s: %s", ErrRemote, sender, msg.Reason()))
		return Handled, nil

	default:
		return NotHandled, fmt.Errorf("unsupported message %T", pkt.Message)
	}
}
