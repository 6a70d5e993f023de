package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/gatesim/core"
	"github.com/signalsfoundry/gatesim/internal/logging"
	"github.com/signalsfoundry/gatesim/internal/process"
	"github.com/signalsfoundry/gatesim/internal/signaling"
	"github.com/signalsfoundry/gatesim/model"
)

// gateConstruction is the handler of a hop's part of a connection. The
// process is owned by the initiator.
type gateConstruction struct {
	e *Entity

	initiatorHost string
	number        int
	seq           int
	replyNode     string
	connID        string

	base   *core.ForwardingNode
	target *core.ForwardingNode
	// endpoint is the application node of the last hop, removed on
	// teardown.
	endpoint *core.ForwardingNode

	forward, reverse []core.GateID
}

// openGateLocked builds the hop chains for msg and answers the initiator.
// Failures are answered as well before they are returned.
func (e *Entity) openGateLocked(ctx context.Context, pkt *signaling.Packet, msg *signaling.OpenGateRequest, sender model.Identity) error {
	p, err := e.buildHopLocked(ctx, pkt, msg, sender)
	resp := &signaling.OpenGateResponse{Number: msg.Number, Seq: msg.Seq}
	if err != nil {
		resp.Err = err.Error()
	} else {
		h := p.Handler().(*gateConstruction)
		resp.PeerNumber = p.Number()
		for _, id := range h.forward {
			resp.Gates = append(resp.Gates, int(id))
		}
	}
	if sendErr := e.send(ctx, pkt.Src, msg.ReplyNode, msg.Seq, pkt.ConnID, resp); sendErr != nil {
		if p != nil {
			p.Terminate(ctx, sendErr)
		}
		return errors.Join(err, sendErr)
	}
	return err
}

func (e *Entity) buildHopLocked(ctx context.Context, pkt *signaling.Packet, msg *signaling.OpenGateRequest, sender model.Identity) (*process.Process, error) {
	if msg.Previous == "" || (msg.Next == "") == (msg.Endpoint == "") {
		return nil, fmt.Errorf("%w: open request #%d needs a previous hop and exactly one of next or endpoint", model.ErrCreation, msg.Number)
	}
	base, err := e.portLocked(msg.Previous)
	if err != nil {
		return nil, err
	}
	h := &gateConstruction{
		e:             e,
		initiatorHost: pkt.Src,
		number:        msg.Number,
		seq:           msg.Seq,
		replyNode:     msg.ReplyNode,
		connID:        pkt.ConnID,
		base:          base,
	}
	if msg.Endpoint != "" {
		if h.endpoint, err = e.host.AddEndpointLocked(appID(msg.Endpoint)); err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrCreation, err)
		}
		h.target = h.endpoint
	} else if h.target, err = e.portLocked(msg.Next); err != nil {
		return nil, err
	}

	fwd, rev, err := e.hopChainsLocked(ctx, sender, h, msg)
	if err != nil {
		e.removeNodeLocked(ctx, h.endpoint)
		return nil, err
	}
	h.forward, h.reverse = fwd.Gates, rev.Gates

	p := process.New(process.Key{Node: base.ID(), Owner: sender, Number: e.host.NextNumberLocked()}, kindGateConstruction, h)
	if err := e.procs.Register(ctx, p); err != nil {
		h.release(ctx, sender)
		return nil, err
	}
	if err := p.Start(); err != nil {
		p.Terminate(ctx, err)
		return nil, err
	}
	if err := p.Operate(); err != nil {
		p.Terminate(ctx, err)
		return nil, err
	}
	e.observePath(p, fwd, rev)
	e.log.Info(ctx, "hop chains built",
		logging.String("process", p.Key().String()),
		logging.Int("initiator_process", msg.Number),
		logging.String("target", h.target.ID()),
		logging.String("result", fwd.String()),
	)
	return p, nil
}

func (e *Entity) hopChainsLocked(ctx context.Context, owner model.Identity, h *gateConstruction, msg *signaling.OpenGateRequest) (fwd, rev *core.PathResult, err error) {
	if e.shareBE && h.endpoint == nil && msg.Obligation.IsBestEffort() {
		if g, rg, ok := e.shareableLocked(h.base, h.target); ok {
			return e.shareChainsLocked(ctx, owner, h.base, h.target, g, rg)
		}
	}
	specs, err := e.mapper.Map(msg.Obligation, msg.Offer)
	if err != nil {
		return nil, nil, fmt.Errorf("map %s: %w", msg.Obligation, err)
	}
	return e.buildChainsLocked(ctx, owner, h.base, h.target, specs)
}

// closeGateLocked terminates the hop process the initiator built under
// its process number.
func (e *Entity) closeGateLocked(ctx context.Context, pkt *signaling.Packet, msg *signaling.CloseGateRequest, sender model.Identity) error {
	for _, p := range e.procs.Processes(pkt.Node) {
		h, ok := p.Handler().(*gateConstruction)
		if !ok || p.Owner() != sender || h.number != msg.Number {
			continue
		}
		p.Terminate(ctx, process.ErrClosed)
		return nil
	}
	e.log.Debug(ctx, "close request without hop process",
		logging.String("node", pkt.Node),
		logging.String("sender", string(sender)),
		logging.Int("initiator_process", msg.Number),
	)
	return nil
}

// Terminated releases the hop chains. Unless the initiator closed the
// connection, it is told that the hop is gone.
func (h *gateConstruction) Terminated(ctx context.Context, p *process.Process, cause error) {
	h.release(ctx, p.Owner())
	if errors.Is(cause, process.ErrClosed) {
		h.e.log.Debug(ctx, "hop chains released", logging.String("process", p.Key().String()))
		return
	}
	h.e.log.Warn(ctx, "hop chains lost",
		logging.String("process", p.Key().String()),
		logging.Err(cause),
	)
	note := &signaling.GateErrorNotification{Number: h.number, Cause: cause.Error()}
	if err := h.e.send(ctx, h.initiatorHost, h.replyNode, h.seq, h.connID, note); err != nil {
		h.e.log.Warn(ctx, "gate error notification not sent",
			logging.String("process", p.Key().String()),
			logging.Err(err),
		)
	}
}

func (h *gateConstruction) release(ctx context.Context, owner model.Identity) {
	h.e.releaseLocked(ctx, owner, h.target, h.reverse)
	h.e.releaseLocked(ctx, owner, h.base, h.forward)
	h.forward, h.reverse = nil, nil
	h.e.removeNodeLocked(ctx, h.endpoint)
}
