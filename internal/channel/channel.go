// Package channel defines the polymorphic byte-pipe abstraction (C4) that
// represents one accepted inbound stream multiplexed over the tunnel
// session, plus the two concrete transport-backed implementations and a
// scripted test double.
package channel

import "github.com/proxyhand/tunnel-client/pkg/tunnelerr"

// Channel is one inbound logical stream multiplexed over the tunnel
// session. Exactly one SOCKS5 session owns a Channel for its full
// lifetime.
type Channel interface {
	// Read copies available bytes into buf, returning the count. A zero
	// count with a nil error signals end of stream.
	Read(buf []byte) (int, error)

	// Write submits buf in full or returns an error; it never short-writes
	// without an error.
	Write(buf []byte) error

	// SendEof signals local half-close. Idempotent: calls after the first
	// are no-ops.
	SendEof() error

	// Close releases all resources. Idempotent.
	Close() error

	// IsEof reports whether the peer has closed its write half.
	IsEof() bool

	// ID returns the channel's identity, used for logging and, in the
	// framed-mux variant, as the channel registry key.
	ID() uint16
}

// errClosed is returned by Read/Write after Close.
var errClosed = tunnelerr.New(tunnelerr.ChannelClosed, "channel closed")

// ErrClosed is the sentinel error for operations on a closed channel.
func ErrClosed() error { return errClosed }
