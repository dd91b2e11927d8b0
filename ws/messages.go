package ws

import (
	"encoding/json"

	"dotracing/apperr"
)

// EventAck is the event name of acknowledgement frames.
const EventAck = "ack"

// Inbound is a client frame. Ack is zero for fire-and-forget events.
type Inbound struct {
	Event string          `json:"event"`
	Ack   int             `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is a server frame: a push, or the acknowledgement of request Ack.
type Outbound struct {
	Event string    `json:"event"`
	Ack   int       `json:"ack,omitempty"`
	Data  any       `json:"data,omitempty"`
	Error *AckError `json:"error,omitempty"`
}

// Frame is the decoded form of an Outbound, as read by clients.
type Frame struct {
	Event string          `json:"event"`
	Ack   int             `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *AckError       `json:"error,omitempty"`
}

// AckError is the error slot of an acknowledgement.
type AckError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *AckError) Error() string { return e.Message }

// Err turns the wire error back into an apperr value.
func (e *AckError) Err() error {
	return &apperr.Error{Kind: apperr.Kind(e.Kind), Message: e.Message}
}

func toAckError(err error) *AckError {
	return &AckError{Kind: string(apperr.KindOf(err)), Message: apperr.Message(err)}
}

func ack(id int, data any, err error) Outbound {
	out := Outbound{Event: EventAck, Ack: id, Data: data}
	if err != nil {
		out.Data = nil
		out.Error = toAckError(err)
	}
	return out
}
