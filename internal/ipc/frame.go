// Package ipc implements the internal Unix-domain socket request/response
// and signal multiplexer the bus endpoints are built on: an Acceptor
// goroutine that blocks in Accept, and a single Processor goroutine that
// owns every peer socket and pending-reply table with no internal locking.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind is the frame's wire-level message kind.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
	KindSignal
	KindError
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindResponse:
		return "RESPONSE"
	case KindSignal:
		return "SIGNAL"
	case KindError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode is the u16 carried in the payload of a KindError frame.
type ErrorCode uint16

const (
	ErrCodeServiceStopped ErrorCode = iota + 1
	ErrCodePeerDisconnected
	ErrCodeTimedOut
	ErrCodeHandlerError
	ErrCodeFraming
)

// String returns the human-readable name of the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeServiceStopped:
		return "SERVICE_STOPPED"
	case ErrCodePeerDisconnected:
		return "PEER_DISCONNECTED"
	case ErrCodeTimedOut:
		return "TIMED_OUT"
	case ErrCodeHandlerError:
		return "HANDLER_ERROR"
	case ErrCodeFraming:
		return "FRAMING"
	default:
		return "UNKNOWN"
	}
}

// frameHeaderLen is the fixed-size portion of a wire frame:
// message_id(8) + method_id(4) + kind(1) + payload_len(4).
const frameHeaderLen = 8 + 4 + 1 + 4

// ErrFraming indicates a malformed frame was read from a peer socket.
var ErrFraming = errors.New("ipc: framing violation")

// Frame is one message on the wire: little-endian
// message_id(u64) | method_id(u32) | kind(u8) | payload_len(u32) | payload.
type Frame struct {
	MessageID uint64
	MethodID  uint32
	Kind      Kind
	Payload   []byte
}

// MarshalBinary encodes f into its wire representation.
func (f Frame) MarshalBinary() ([]byte, error) {
	buf := make([]byte, frameHeaderLen+len(f.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], f.MessageID)
	binary.LittleEndian.PutUint32(buf[8:12], f.MethodID)
	buf[12] = byte(f.Kind)
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(f.Payload)))
	copy(buf[frameHeaderLen:], f.Payload)
	return buf, nil
}

// UnmarshalBinary decodes a complete wire frame (header + payload) from
// data. Returns ErrFraming if data is shorter than its declared length.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < frameHeaderLen {
		return fmt.Errorf("frame header: %w", ErrFraming)
	}

	messageID := binary.LittleEndian.Uint64(data[0:8])
	methodID := binary.LittleEndian.Uint32(data[8:12])
	kind := Kind(data[12])
	payloadLen := binary.LittleEndian.Uint32(data[13:17])

	if uint32(len(data)-frameHeaderLen) != payloadLen {
		return fmt.Errorf("frame payload length mismatch: %w", ErrFraming)
	}

	payload := make([]byte, payloadLen)
	copy(payload, data[frameHeaderLen:])

	f.MessageID = messageID
	f.MethodID = methodID
	f.Kind = kind
	f.Payload = payload
	return nil
}

// NewErrorPayload encodes an ErrorCode and reason string into the payload
// shape a KindError frame carries: code(u16 LE) followed by UTF-8 reason.
func NewErrorPayload(code ErrorCode, reason string) []byte {
	buf := make([]byte, 2+len(reason))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(code))
	copy(buf[2:], reason)
	return buf
}

// ParseErrorPayload decodes a KindError frame's payload into its code and
// reason string.
func ParseErrorPayload(payload []byte) (ErrorCode, string, error) {
	if len(payload) < 2 {
		return 0, "", fmt.Errorf("error payload too short: %w", ErrFraming)
	}
	code := ErrorCode(binary.LittleEndian.Uint16(payload[0:2]))
	return code, string(payload[2:]), nil
}
