package protocol

import (
	"encoding/binary"
	"fmt"
)

// Wire framing: a 16-byte little-endian header followed by the raw payload.
// Bytes 0-1 carry the literal prefix, 2-3 the protocol version, 4-5 the
// command code, 6-7 the payload length; the remaining eight bytes are zero.
const (
	HeaderSize      = 16
	Prefix          = "HL"
	ProtocolVersion = 1
)

// Header is the decoded fixed part of a wire message.
type Header struct {
	Protocol uint16
	Code     uint16
	Length   uint16
}

// Error is a protocol-level failure: malformed framing or an unexpected
// status in a handshake payload. It is fatal for the session that saw it.
type Error struct {
	Reason string
	Code   uint16
	Status uint8
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("protocol: %s (code %d)", e.Reason, e.Code)
	}
	return "protocol: " + e.Reason
}

// Encode frames a command code and payload into wire bytes.
func Encode(code uint16, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	copy(buf[0:2], Prefix)
	binary.LittleEndian.PutUint16(buf[2:4], ProtocolVersion)
	binary.LittleEndian.PutUint16(buf[4:6], code)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode splits wire bytes into header and payload, validating the prefix
// and the declared length.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, &Error{Reason: fmt.Sprintf("short message: %d bytes", len(data))}
	}
	if string(data[0:2]) != Prefix {
		return Header{}, nil, &Error{Reason: fmt.Sprintf("bad prefix %q", data[0:2])}
	}
	h := Header{
		Protocol: binary.LittleEndian.Uint16(data[2:4]),
		Code:     binary.LittleEndian.Uint16(data[4:6]),
		Length:   binary.LittleEndian.Uint16(data[6:8]),
	}
	if int(h.Length)+HeaderSize != len(data) {
		return Header{}, nil, &Error{Reason: fmt.Sprintf("length %d does not match %d payload bytes", h.Length, len(data)-HeaderSize), Code: h.Code}
	}
	return h, data[HeaderSize:], nil
}
