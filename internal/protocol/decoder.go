package protocol

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Event clasifica un mensaje decodificado.
type Event string

const (
	EventLocation  Event = "location"
	EventHeartbeat Event = "heartbeat"
	EventStatus    Event = "status"
	EventAlarm     Event = "alarm"
	EventLogin     Event = "login"
)

// FixState indica si el protocolo reporta un fix GPS válido.
type FixState int

const (
	FixUnknown FixState = iota // el protocolo no trae bandera de fix
	FixValid
	FixInvalid
)

func (f FixState) String() string {
	switch f {
	case FixValid:
		return "valid"
	case FixInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Message is the protocol-agnostic output of a Decoder.
type Message struct {
	DeviceID string
	Event    Event
	// Alarm/keyword detail when Event is not enough (e.g. "sos", "low_battery").
	Detail string

	HasPosition bool
	Latitude    float64
	Longitude   float64
	Speed       float64 // km/h
	Heading     float64 // degrees
	FixTime     time.Time
	Fix         FixState

	ParseTime  time.Time
	Attributes map[string]any
}

// Decoder is the per-connection protocol state machine. It is not safe for
// concurrent use; a session owns exactly one.
//
// ExpectsResponse and Response describe only the frames consumed by the last
// Parse call and are reset at the start of every Parse.
type Decoder interface {
	Parse(data []byte) error
	ExpectsResponse() bool
	Response() []byte
	Messages() []Message
	ClearMessages()
	DeviceID() string
}

// Factory builds a fresh Decoder for a new connection.
type Factory func() Decoder

// DecodeError reports bytes that do not form a valid frame. The connection
// that produced them stays usable.
type DecodeError struct {
	Protocol string
	Reason   string
	Frame    []byte
}

func (e *DecodeError) Error() string {
	if len(e.Frame) == 0 {
		return fmt.Sprintf("%s: %s", e.Protocol, e.Reason)
	}
	frame := e.Frame
	if len(frame) > 64 {
		frame = frame[:64]
	}
	return fmt.Sprintf("%s: %s (frame=%s)", e.Protocol, e.Reason, hex.EncodeToString(frame))
}

// NewDecodeError copies frame so the caller may reuse its buffer.
func NewDecodeError(proto, reason string, frame []byte) *DecodeError {
	var cp []byte
	if len(frame) > 0 {
		cp = make([]byte, len(frame))
		copy(cp, frame)
	}
	return &DecodeError{Protocol: proto, Reason: reason, Frame: cp}
}
