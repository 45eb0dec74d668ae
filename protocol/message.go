package protocol

import (
	"fmt"
)

// MessageType is the integer discriminator carried in every message's "type" field.
// The values are part of the wire contract and must never change.
type MessageType int

const (
	MessageTypeRequest          MessageType = 0
	MessageTypeReply            MessageType = 1
	MessageTypeSubscribeEvent   MessageType = 2
	MessageTypeEvent            MessageType = 3
	MessageTypeUnsubscribeEvent MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "Request"
	case MessageTypeReply:
		return "Reply"
	case MessageTypeSubscribeEvent:
		return "SubscribeEvent"
	case MessageTypeEvent:
		return "Event"
	case MessageTypeUnsubscribeEvent:
		return "UnsubscribeEvent"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// UnboundRemoteID is the remote ID of an engine that has not completed the handshake yet.
// An unbound engine accepts messages addressed to any ID.
const UnboundRemoteID = -1

// Message is the single record type exchanged between peers.
// Which fields are set depends on Type:
//
//	Request:          VSWorker, Req, Channel, Method, Args
//	Reply:            VSWorker, Seq, Res or Err
//	SubscribeEvent:   VSWorker, Req, Channel, EventName, Arg
//	Event:            VSWorker, Req, Event
//	UnsubscribeEvent: VSWorker, Req
//
// The JSON and CBOR keys are identical so peers on either codec see the same shape.
type Message struct {
	VSWorker  int         `json:"vsWorker" cbor:"vsWorker"`
	Type      MessageType `json:"type" cbor:"type"`
	Req       string      `json:"req,omitempty" cbor:"req,omitempty"`
	Seq       string      `json:"seq,omitempty" cbor:"seq,omitempty"`
	Channel   string      `json:"channel,omitempty" cbor:"channel,omitempty"`
	Method    string      `json:"method,omitempty" cbor:"method,omitempty"`
	Args      []any       `json:"args,omitempty" cbor:"args,omitempty"`
	Res       any         `json:"res,omitempty" cbor:"res,omitempty"`
	Err       any         `json:"err,omitempty" cbor:"err,omitempty"`
	EventName string      `json:"eventName,omitempty" cbor:"eventName,omitempty"`
	Arg       any         `json:"arg,omitempty" cbor:"arg,omitempty"`
	Event     any         `json:"event,omitempty" cbor:"event,omitempty"`
}

func NewRequest(remoteID int, req, channel, method string, args []any) *Message {
	return &Message{VSWorker: remoteID, Type: MessageTypeRequest, Req: req, Channel: channel, Method: method, Args: args}
}

// NewReply builds a reply to the request with ID seq. errValue is nil on success.
func NewReply(remoteID int, seq string, res any, errValue any) *Message {
	return &Message{VSWorker: remoteID, Type: MessageTypeReply, Seq: seq, Res: res, Err: errValue}
}

func NewSubscribeEvent(remoteID int, req, channel, eventName string, arg any) *Message {
	return &Message{VSWorker: remoteID, Type: MessageTypeSubscribeEvent, Req: req, Channel: channel, EventName: eventName, Arg: arg}
}

func NewEvent(remoteID int, req string, payload any) *Message {
	return &Message{VSWorker: remoteID, Type: MessageTypeEvent, Req: req, Event: payload}
}

func NewUnsubscribeEvent(remoteID int, req string) *Message {
	return &Message{VSWorker: remoteID, Type: MessageTypeUnsubscribeEvent, Req: req}
}

// RequestID returns the correlation ID of the message: Seq for replies, Req for everything else.
func (m *Message) RequestID() string {
	if m.Type == MessageTypeReply {
		return m.Seq
	}
	return m.Req
}

// Validate checks the fields every message of its type needs.
// Errors wrap ErrMalformedMessage.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageTypeRequest:
		if m.Req == "" || m.Method == "" {
			return fmt.Errorf("%w: request without id or method", ErrMalformedMessage)
		}
	case MessageTypeReply:
		if m.Seq == "" {
			return fmt.Errorf("%w: reply without seq", ErrMalformedMessage)
		}
	case MessageTypeSubscribeEvent:
		if m.Req == "" || m.EventName == "" {
			return fmt.Errorf("%w: subscription without id or event name", ErrMalformedMessage)
		}
	case MessageTypeEvent, MessageTypeUnsubscribeEvent:
		if m.Req == "" {
			return fmt.Errorf("%w: %s without id", ErrMalformedMessage, m.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, int(m.Type))
	}
	return nil
}

// Transferables returns the top-level binary buffers of a request's args or a reply's result.
// Transports may move these instead of copying them. The result is never nil.
func Transferables(m *Message) [][]byte {
	transfer := [][]byte{}
	switch m.Type {
	case MessageTypeRequest:
		for _, a := range m.Args {
			if b, ok := a.([]byte); ok {
				transfer = append(transfer, b)
			}
		}
	case MessageTypeReply:
		if b, ok := m.Res.([]byte); ok {
			transfer = append(transfer, b)
		}
	}
	return transfer
}
