// Package transport implements the tunnel transport (C3): dialing and
// authenticating one outbound secured session, requesting a remote
// listener, running the accept loop that hands inbound channels to the
// session manager, and tearing everything down on cancellation or failure.
//
// Two mutually exclusive variants implement the same Session contract:
// ssh.go (variant A, golang.org/x/crypto/ssh) and mux.go (variant B, TLS +
// the 8-byte framed multiplex protocol in frame.go). Both are grounded on
// the teacher's pkg/protocol/base.go dispatch-loop shape, generalized from
// a single fixed wire (Azure Blob polling) to each variant's own transport.
package transport

import (
	"context"
	"time"

	"github.com/proxyhand/tunnel-client/internal/channel"
	"github.com/proxyhand/tunnel-client/internal/logging"
)

// DialConfig carries everything a Dial call needs to establish the tunnel
// session, independent of which variant is selected.
type DialConfig struct {
	Host string
	Port int

	Username string
	Password string

	// ForwardPort is the port requested on the remote server's loopback
	// interface.
	ForwardPort int

	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration

	Logger *logging.Logger

	// InsecureSkipVerify disables certificate validation; variant B only.
	InsecureSkipVerify bool

	// InitialWindow is the per-channel flow-control window in bytes;
	// variant B only. Zero selects DefaultInitialWindow.
	InitialWindow uint32

	// SealPrivateKey and SealPeerPublicKey, when both set, turn on the
	// optional double-encryption layer (seal.go) for variant B Data,
	// ChannelRequest and ChannelRequestAck frame payloads. Both ends must
	// be configured with matching out-of-band
	// X25519 keys; leave either nil to skip sealing entirely.
	SealPrivateKey    []byte
	SealPeerPublicKey []byte
}

// DefaultInitialWindow is the per-channel flow-control window spec §3
// documents as the variant-B default.
const DefaultInitialWindow = 256 * 1024

// Session is one live secured tunnel session, already past dial and
// authentication, ready to run its accept loop. The goroutine that calls Run
// is the only one that accepts inbound channels and reads the session's
// connection; Cancel is called from another goroutine, and each Channel
// handed to onChannel is used by its own SOCKS5 session goroutine.
type Session interface {
	// Run executes the accept loop until Cancel is called or a fatal
	// session error occurs. onChannel is invoked once per accepted
	// inbound channel; onDisconnect is invoked exactly once, when Run
	// returns, with a nil error if Run stopped because it observed
	// Cancel.
	Run(onChannel func(channel.Channel), onDisconnect func(error))

	// Cancel asks the accept loop to stop and tears the session down.
	// Idempotent. Must not be called from the Run goroutine itself.
	Cancel()

	// IsConnected reports the monotone connected latch: true from a
	// successful Dial until the first disconnect or Cancel.
	IsConnected() bool
}

// Dial establishes and authenticates a tunnel session without starting its
// accept loop, matching spec §4.3 phase 1 (blocking dial on the caller's
// goroutine) vs phase 2 (the accept loop, started by a later call to Run).
type Dialer func(ctx context.Context, cfg DialConfig) (Session, error)
