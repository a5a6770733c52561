package linked

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Message types. Each frame starts with a 2-byte big-endian size, which
// counts the type and the payload, followed by the 2-byte big-endian type.
const (
	TypeHello   uint16 = 0x0001
	TypeExecute uint16 = 0x0010
	TypeResult  uint16 = 0x0011
	TypeAbort   uint16 = 0x0012
	TypePing    uint16 = 0x0020
	TypePong    uint16 = 0x0021
)

// maxPayload is the largest payload a frame can carry.
const maxPayload = math.MaxUint16 - 2

// TypeName returns a readable name for logs.
func TypeName(t uint16) string {
	switch t {
	case TypeHello:
		return "Hello"
	case TypeExecute:
		return "Execute"
	case TypeResult:
		return "Result"
	case TypeAbort:
		return "Abort"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	default:
		return fmt.Sprintf("0x%04X", t)
	}
}

// EncodeFrame builds a complete frame.
func EncodeFrame(msgType uint16, payload []byte) ([]byte, error) {
	if len(payload) > maxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], uint16(2+len(payload)))
	binary.BigEndian.PutUint16(frame[2:4], msgType)
	copy(frame[4:], payload)
	return frame, nil
}

// ParseFrame splits a complete frame into type and payload.
func ParseFrame(frame []byte) (uint16, []byte, error) {
	if len(frame) < 4 {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes", ErrProtocolDesync, len(frame))
	}
	size := int(binary.BigEndian.Uint16(frame[0:2]))
	if size < 2 || size != len(frame)-2 {
		return 0, nil, fmt.Errorf("%w: size field %d for %d bytes", ErrProtocolDesync, size, len(frame)-2)
	}
	return binary.BigEndian.Uint16(frame[2:4]), frame[4:], nil
}

// ReadFrame reads one frame from r. A size field below 2 is a desync.
func ReadFrame(r io.Reader) (uint16, []byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("read size: %w", err)
	}
	size := int(binary.BigEndian.Uint16(header[:]))
	if size < 2 {
		return 0, nil, fmt.Errorf("%w: invalid size %d", ErrProtocolDesync, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read frame: %w", err)
	}
	return binary.BigEndian.Uint16(body[:2]), body[2:], nil
}
