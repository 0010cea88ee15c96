package transport

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_EncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Type: FrameData, Flags: FlagFIN, ChannelID: 0x1234, Payload: []byte("hello")}

	buf, err := f.Encode()
	require.NoError(t, err)
	require.Len(t, buf, FrameHeaderSize+len("hello"))

	decoded, length, err := DecodeHeader(buf[:FrameHeaderSize])
	require.NoError(t, err)
	assert.Equal(t, FrameData, decoded.Type)
	assert.Equal(t, FlagFIN, decoded.Flags)
	assert.Equal(t, uint16(0x1234), decoded.ChannelID)
	assert.Equal(t, uint32(len("hello")), length)
	assert.Equal(t, []byte("hello"), buf[FrameHeaderSize:])
}

func TestFrame_EncodeRejectsOversizedPayload(t *testing.T) {
	f := Frame{Type: FrameData, Payload: make([]byte, MaxFramePayload+1)}
	_, err := f.Encode()
	assert.Error(t, err)
}

func TestFrame_DecodeHeaderRejectsOversizedLength(t *testing.T) {
	header := make([]byte, FrameHeaderSize)
	header[0] = FrameData
	binary.LittleEndian.PutUint32(header[4:8], MaxFramePayload+1)
	_, _, err := DecodeHeader(header)
	assert.Error(t, err)
}

func TestFrame_DecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, _, err := DecodeHeader([]byte{0x01, 0x02, 0x03})
	assert.Error(t, err)
}

func TestFrame_EncodeEmptyPayload(t *testing.T) {
	f := Frame{Type: FramePing, ChannelID: sessionChannelID}
	buf, err := f.Encode()
	require.NoError(t, err)
	assert.Equal(t, FrameHeaderSize, len(buf))
}
