package signaling

import (
	"context"
	"fmt"

	"github.com/rs/xid"
	"github.com/signalsfoundry/gatesim/internal/auth"
	"github.com/signalsfoundry/gatesim/internal/logging"
	"github.com/signalsfoundry/gatesim/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Packet carries one message from host Src to the forwarding node Node on
// host Dst.
type Packet struct {
	ID        string
	Src       string
	Dst       string
	Node      string
	Hops      int
	ConnID    string
	Message   Message
	Signature auth.Signature
	// Trace holds the propagated trace context. It is not signed.
	Trace map[string]string
}

// NewPacket returns an unsigned packet with a fresh id.
func NewPacket(src, dst, node string, hops int, msg Message) *Packet {
	return &Packet{
		ID:      xid.New().String(),
		Src:     src,
		Dst:     dst,
		Node:    node,
		Hops:    hops,
		Message: msg,
	}
}

// Digest is the signed content of the packet.
func (p *Packet) Digest() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%d|%s|%#v", p.ID, p.Src, p.Dst, p.Node, p.Hops, p.ConnID, p.Message))
}

// Sign signs the packet as id.
func (p *Packet) Sign(svc auth.Service, id model.Identity) error {
	sig, err := svc.Sign(p.Digest(), id)
	if err != nil {
		return fmt.Errorf("sign packet %s: %w", p.ID, err)
	}
	p.Signature = sig
	return nil
}

// Size is the header plus the message size.
func (p *Packet) Size() int {
	n := headerSize + len(p.ID) + len(p.Src) + len(p.Dst) + len(p.Node) + len(p.ConnID)
	if p.Message != nil {
		n += p.Message.Size()
	}
	return n
}

func (p *Packet) String() string {
	return fmt.Sprintf("packet %s %s->%s/%s %v", p.ID, p.Src, p.Dst, p.Node, p.Message)
}

// InjectTrace stores the span context of ctx in the packet.
func (p *Packet) InjectTrace(ctx context.Context) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		p.Trace = carrier
	}
}

// Context returns ctx extended with the packet's trace and connection id.
func (p *Packet) Context(ctx context.Context) context.Context {
	if len(p.Trace) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(p.Trace))
	}
	if p.ConnID != "" {
		ctx = logging.ContextWithConnectionID(ctx, p.ConnID)
	}
	return ctx
}
