// Package signaling carries the connection setup protocol between hosts:
// signed packets, the request, answer and notification messages they
// transport, and the per-host dispatcher that executes them.
package signaling

import (
	"fmt"

	"github.com/signalsfoundry/gatesim/model"
	"golang.org/x/exp/slices"
)

// Message is the payload of a packet. ProcessNumber correlates answers and
// notifications with the process that is waiting for them.
type Message interface {
	ProcessNumber() int
	// Duplicate returns an independent copy with identical fields,
	// sequence numbers included.
	Duplicate() Message
	// Size is the encoded size in bytes. It depends on the fields only.
	Size() int
	Name() string
}

// Request messages execute directly on the addressed host.
type Request interface {
	Message
	isRequest()
}

// Answer messages are routed to the waiting process.
type Answer interface {
	Message
	isAnswer()
}

// Notification messages are routed to a process when one is alive and to
// the host otherwise.
type Notification interface {
	Message
	Reason() string
}

const (
	headerSize = 16
	intSize    = 8
	// propertySize is the wire size of one property: kind plus bounds.
	propertySize = 13
)

func stringSize(s string) int { return 2 + len(s) }

func descriptionSize(d model.Description) int { return 2 + d.Len()*propertySize }

// OpenGateRequest asks a hop to build its part of a connection: a chain
// from the port toward Previous to the port toward Next, or to the
// application binding Endpoint on the last hop, plus the reverse chain.
type OpenGateRequest struct {
	Number int
	Seq    int
	// ReplyNode is the forwarding node of the initiator that owns Number.
	ReplyNode  string
	Previous   string
	Next       string
	Endpoint   string
	Obligation model.Description
	Offer      model.Description
}

func (m *OpenGateRequest) ProcessNumber() int { return m.Number }
func (m *OpenGateRequest) Name() string       { return "open_gate_request" }
func (m *OpenGateRequest) isRequest()         {}

func (m *OpenGateRequest) Duplicate() Message {
	c := *m
	return &c
}

func (m *OpenGateRequest) Size() int {
	return headerSize + 2*intSize +
		stringSize(m.ReplyNode) + stringSize(m.Previous) + stringSize(m.Next) + stringSize(m.Endpoint) +
		descriptionSize(m.Obligation) + descriptionSize(m.Offer)
}

func (m *OpenGateRequest) String() string {
	return fmt.Sprintf("open #%d.%d %s->%s%s %s", m.Number, m.Seq, m.Previous, m.Next, m.Endpoint, m.Obligation)
}

// OpenGateResponse answers an OpenGateRequest. Err is empty on success;
// PeerNumber then names the hop's process.
type OpenGateResponse struct {
	Number     int
	Seq        int
	PeerNumber int
	Gates      []int
	Err        string
}

func (m *OpenGateResponse) ProcessNumber() int { return m.Number }
func (m *OpenGateResponse) Name() string       { return "open_gate_response" }
func (m *OpenGateResponse) isAnswer()          {}

func (m *OpenGateResponse) Duplicate() Message {
	c := *m
	c.Gates = slices.Clone(m.Gates)
	return &c
}

func (m *OpenGateResponse) Size() int {
	return headerSize + 3*intSize + len(m.Gates)*intSize + stringSize(m.Err)
}

func (m *OpenGateResponse) String() string {
	if m.Err != "" {
		return fmt.Sprintf("open response #%d.%d error %q", m.Number, m.Seq, m.Err)
	}
	return fmt.Sprintf("open response #%d.%d peer #%d gates %v", m.Number, m.Seq, m.PeerNumber, m.Gates)
}

// CloseGateRequest tears down the hop chain built for the initiator's
// process Number.
type CloseGateRequest struct {
	Number int
	Seq    int
}

func (m *CloseGateRequest) ProcessNumber() int { return m.Number }
func (m *CloseGateRequest) Name() string       { return "close_gate_request" }
func (m *CloseGateRequest) isRequest()         {}
func (m *CloseGateRequest) Size() int          { return headerSize + 2*intSize }

func (m *CloseGateRequest) Duplicate() Message {
	c := *m
	return &c
}

func (m *CloseGateRequest) String() string {
	return fmt.Sprintf("close #%d.%d", m.Number, m.Seq)
}

// GateErrorNotification reports that a hop lost its chain.
type GateErrorNotification struct {
	Number int
	Cause  string
}

func (m *GateErrorNotification) ProcessNumber() int { return m.Number }
func (m *GateErrorNotification) Name() string       { return "gate_error_notification" }
func (m *GateErrorNotification) Reason() string     { return m.Cause }
func (m *GateErrorNotification) Size() int          { return headerSize + intSize + stringSize(m.Cause) }

func (m *GateErrorNotification) Duplicate() Message {
	c := *m
	return &c
}

func (m *GateErrorNotification) String() string {
	return fmt.Sprintf("gate error #%d: %s", m.Number, m.Cause)
}

// Class names the dispatch class of m.
func Class(m Message) string {
	switch m.(type) {
	case Request:
		return "request"
	case Answer:
		return "answer"
	case Notification:
		return "notification"
	default:
		return "unknown"
	}
}
