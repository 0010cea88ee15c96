package transport

import (
	"encoding/binary"
	"fmt"
)

// Frame types for the variant-B framed multiplex protocol (spec §3/§6).
const (
	FrameChannelOpen      byte = 0x01
	FrameChannelOpenAck   byte = 0x02
	FrameChannelRequest   byte = 0x03
	FrameChannelRequestAck byte = 0x04
	FrameData             byte = 0x05
	FrameChannelClose     byte = 0x06
	FrameChannelCloseAck  byte = 0x07
	FramePing             byte = 0x08
	FramePong             byte = 0x09
	FrameWindowUpdate     byte = 0x0A
)

// Frame flag bits, honored by FrameChannelClose.
const (
	FlagFIN byte = 0x01
	FlagRST byte = 0x02
)

// FrameHeaderSize is the fixed 8-byte header: 1-byte type, 1-byte flags,
// 2-byte little-endian channel id, 4-byte little-endian payload length.
const FrameHeaderSize = 8

// MaxFramePayload is the wire-mandated cap on a single frame's payload.
const MaxFramePayload = 65536

// Frame is one decoded wire message of the variant-B protocol.
type Frame struct {
	Type      byte
	Flags     byte
	ChannelID uint16
	Payload   []byte
}

// Encode serializes f into its wire form. It is modeled directly on the
// teacher's Packet.Encode in pkg/protocol/protocol.go — a fixed header
// followed by the raw payload — widened to an 8-byte little-endian header
// and the 10 frame types this protocol needs.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxFramePayload {
		return nil, fmt.Errorf("payload length %d exceeds max frame payload %d", len(f.Payload), MaxFramePayload)
	}
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	buf[0] = f.Type
	buf[1] = f.Flags
	binary.LittleEndian.PutUint16(buf[2:4], f.ChannelID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(f.Payload)))
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf, nil
}

// DecodeHeader parses just the fixed header, returning the payload length
// the caller must still read off the wire.
func DecodeHeader(header []byte) (Frame, uint32, error) {
	if len(header) < FrameHeaderSize {
		return Frame{}, 0, fmt.Errorf("short frame header: %d bytes", len(header))
	}
	f := Frame{
		Type:      header[0],
		Flags:     header[1],
		ChannelID: binary.LittleEndian.Uint16(header[2:4]),
	}
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > MaxFramePayload {
		return Frame{}, 0, fmt.Errorf("frame payload length %d exceeds max %d", length, MaxFramePayload)
	}
	return f, length, nil
}

// frameTypeName renders a frame type for log messages.
func frameTypeName(t byte) string {
	switch t {
	case FrameChannelOpen:
		return "ChannelOpen"
	case FrameChannelOpenAck:
		return "ChannelOpenAck"
	case FrameChannelRequest:
		return "ChannelRequest"
	case FrameChannelRequestAck:
		return "ChannelRequestAck"
	case FrameData:
		return "Data"
	case FrameChannelClose:
		return "ChannelClose"
	case FrameChannelCloseAck:
		return "ChannelCloseAck"
	case FramePing:
		return "Ping"
	case FramePong:
		return "Pong"
	case FrameWindowUpdate:
		return "WindowUpdate"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", t)
	}
}
