package socks5

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyhand/tunnel-client/pkg/tunnelerr"
)

func TestParseMethodRequest_NoAuthOffered(t *testing.T) {
	data := []byte{Version5, 0x02, AuthGSSAPI, AuthNone}
	consumed, noAuth := ParseMethodRequest(data)
	assert.Equal(t, 4, consumed)
	assert.True(t, noAuth)
}

func TestParseMethodRequest_NoAuthMissing(t *testing.T) {
	data := []byte{Version5, 0x01, AuthUsernamePass}
	consumed, noAuth := ParseMethodRequest(data)
	assert.Equal(t, 3, consumed)
	assert.False(t, noAuth)
}

func TestParseMethodRequest_Incomplete(t *testing.T) {
	consumed, _ := ParseMethodRequest([]byte{Version5})
	assert.Equal(t, 0, consumed)

	consumed, _ = ParseMethodRequest([]byte{Version5, 0x02, AuthNone})
	assert.Equal(t, 0, consumed, "declares 2 methods but only supplies 1")
}

func TestParseMethodRequest_BadVersion(t *testing.T) {
	consumed, _ := ParseMethodRequest([]byte{0x04, 0x01, AuthNone})
	assert.Equal(t, -1, consumed)
}

func TestParseConnectRequest_IPv4(t *testing.T) {
	data := []byte{0x05, 0x01, 0x00, 0x01, 0xC0, 0xA8, 0x01, 0x01, 0x1F, 0x90}
	consumed, req := ParseConnectRequest(data)
	require.Equal(t, 10, consumed)
	require.NotNil(t, req)
	assert.Equal(t, "192.168.1.1", req.Host)
	assert.Equal(t, uint16(8080), req.Port)
	assert.Equal(t, CmdConnect, req.Command)
	assert.Equal(t, ATYPIPv4, req.AddrType)
}

func TestParseConnectRequest_Domain(t *testing.T) {
	data := []byte{
		0x05, 0x01, 0x00, 0x03,
		0x0B, 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c', 'o', 'm',
		0x00, 0x50,
	}
	consumed, req := ParseConnectRequest(data)
	require.Equal(t, 18, consumed)
	require.NotNil(t, req)
	assert.Equal(t, "example.com", req.Host)
	assert.Equal(t, uint16(80), req.Port)
}

func TestParseConnectRequest_Incomplete(t *testing.T) {
	data := []byte{0x05, 0x01, 0x00, 0x01, 0xC0, 0xA8}
	consumed, req := ParseConnectRequest(data)
	assert.Equal(t, 0, consumed)
	assert.Nil(t, req)
}

func TestParseConnectRequest_BadATYP(t *testing.T) {
	data := []byte{0x05, 0x01, 0x00, 0x05, 0x00}
	consumed, req := ParseConnectRequest(data)
	assert.Equal(t, -1, consumed)
	assert.Nil(t, req)
}

func TestIPv6HostString_NoShortening(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	data := []byte{0x05, 0x01, 0x00, 0x04}
	data = append(data, ip.To16()...)
	data = append(data, 0x00, 0x50)

	_, req := ParseConnectRequest(data)
	require.NotNil(t, req)
	assert.Equal(t, "2001:db8:0:0:0:0:0:1", req.Host)
}

func TestBuildConnectReply_RoundTripsAddress(t *testing.T) {
	reply := BuildConnectReply(RepSucceeded, net.ParseIP("10.0.0.5"), 1080)
	assert.Equal(t, []byte{Version5, RepSucceeded, 0x00, ATYPIPv4, 10, 0, 0, 5, 0x04, 0x38}, reply)
}

func TestBuildConnectReply_NilAddress(t *testing.T) {
	reply := BuildConnectReply(RepGeneralFailure, nil, 0)
	assert.Equal(t, []byte{Version5, RepGeneralFailure, 0x00, ATYPIPv4, 0, 0, 0, 0, 0, 0}, reply)
}

func TestReplyCodeForError(t *testing.T) {
	cases := map[tunnelerr.Kind]byte{
		tunnelerr.Success:             RepSucceeded,
		tunnelerr.NetworkUnreachable:  RepNetworkUnreachable,
		tunnelerr.HostUnreachable:     RepHostUnreachable,
		tunnelerr.DnsResolutionFailed: RepGeneralFailure,
		tunnelerr.ConnectionRefused:   RepConnectionRefused,
		tunnelerr.ConnectionTimeout:   RepTTLExpired,
		tunnelerr.ProtocolError:       RepGeneralFailure,
	}
	for kind, want := range cases {
		assert.Equal(t, want, ReplyCodeForError(kind), "kind %s", kind)
	}
}
