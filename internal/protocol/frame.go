// Package protocol defines the wire protocol spoken on every gateway
// WebSocket: JSON text frames for requests, responses, and events, plus an
// opaque binary frame carrying file-transfer chunks.
//
// A single socket carries three text frame kinds:
//
//	req: {"type":"req","id":"...","method":"...","params":{...}}
//	res: {"type":"res","id":"...","ok":true,"payload":{...}}
//	     {"type":"res","id":"...","ok":false,"error":{"code":404,"message":"..."}}
//	evt: {"type":"evt","event":"...","payload":{...},"seq":7}
//
// Binary frames are a 4-byte little-endian transfer id followed by raw
// chunk bytes; they are routed without decoding.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol version spoken by the gateway. Clients negotiate a range on
// connect; the handshake fails if this version is outside it.
const Version = 1

// Frame kinds carried as the "type" discriminator.
const (
	FrameReq = "req"
	FrameRes = "res"
	FrameEvt = "evt"
)

// Frame is a decoded text frame. Fields are populated according to Type.
type Frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Event  string          `json:"event,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
	Payload any            `json:"payload,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Seq    *int64          `json:"seq,omitempty"`
}

// DecodeFrame parses and validates a raw text frame.
func DecodeFrame(raw []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch frame.Type {
	case FrameReq:
		if err := validateRequestFrame(raw); err != nil {
			return nil, err
		}
	case FrameRes:
		if frame.ID == "" {
			return nil, fmt.Errorf("res frame missing id")
		}
	case FrameEvt:
		if frame.Event == "" {
			return nil, fmt.Errorf("evt frame missing event")
		}
	default:
		return nil, fmt.Errorf("unknown frame type %q", frame.Type)
	}
	return &frame, nil
}

// Response builds an ok response frame for a request id.
func Response(id string, payload any) *Frame {
	ok := true
	return &Frame{Type: FrameRes, ID: id, OK: &ok, Payload: payload}
}

// ErrorResponse builds a failed response frame for a request id.
func ErrorResponse(id string, err *Error) *Frame {
	ok := false
	return &Frame{Type: FrameRes, ID: id, OK: &ok, Error: err}
}

// Event builds an event frame without a sequence number. Callers that
// promise per-socket ordering attach Seq themselves.
func Event(event string, payload any) *Frame {
	return &Frame{Type: FrameEvt, Event: event, Payload: payload}
}

// Encode serializes a frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// deferred is the sentinel payload a handler returns when it has arranged
// an asynchronous reply elsewhere and the dispatcher must stay silent.
type deferred struct{}

// Deferred suppresses the dispatcher's response for the current request.
var Deferred any = deferred{}

// IsDeferred reports whether a handler payload is the Deferred sentinel.
func IsDeferred(payload any) bool {
	_, ok := payload.(deferred)
	return ok
}
