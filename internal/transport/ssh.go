package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/proxyhand/tunnel-client/internal/channel"
	"github.com/proxyhand/tunnel-client/internal/logging"
	"github.com/proxyhand/tunnel-client/pkg/tunnelerr"
)

// acceptPollInterval bounds how long the accept loop's select waits between
// iterations so keepalives still run promptly even with no inbound
// traffic, per spec §4.3 phase 2 step 4 ("wait ... with a short bounded
// timeout ≈100ms").
const acceptPollInterval = 100 * time.Millisecond

// DialSSH performs spec §4.3 phase 1 against golang.org/x/crypto/ssh: dial,
// handshake, log the host-key fingerprint (trust-all — documented
// non-goal), authenticate by password, and request a remote listener on the
// server's loopback. On success it returns a Session whose Run method
// executes phase 2, the accept loop.
func DialSSH(ctx context.Context, cfg DialConfig) (Session, error) {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialErr(err)
	}

	s := &sshSession{
		logger:    cfg.Logger,
		keepalive: cfg.KeepaliveInterval,
		cancelCh:  make(chan struct{}),
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: s.logHostKeyAndAccept,
		Timeout:         cfg.ConnectTimeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(rawConn, addr, clientConfig)
	if err != nil {
		rawConn.Close()
		if isAuthError(err) {
			return nil, tunnelerr.Wrap(tunnelerr.AuthFailed, err)
		}
		return nil, tunnelerr.Wrap(tunnelerr.HandshakeFailed, err)
	}
	s.client = ssh.NewClient(sshConn, chans, reqs)

	listenAddr := fmt.Sprintf("127.0.0.1:%d", cfg.ForwardPort)
	listener, err := s.client.Listen("tcp", listenAddr)
	if err != nil {
		s.client.Close()
		return nil, tunnelerr.Wrap(tunnelerr.ChannelOpenFailed, err)
	}
	s.listener = listener

	s.connected.Store(true)
	return s, nil
}

// isAuthError reports whether err is the client-side authentication failure
// golang.org/x/crypto/ssh returns once every auth method was rejected. The
// package has no exported type for it, only an error whose text begins
// "ssh: unable to authenticate".
func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "ssh: unable to authenticate")
}

func classifyDialErr(err error) error {
	if dnsErr, ok := err.(*net.DNSError); ok {
		return tunnelerr.Wrap(tunnelerr.DnsResolutionFailed, dnsErr)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return tunnelerr.Wrap(tunnelerr.ConnectionTimeout, err)
	}
	return tunnelerr.Wrap(tunnelerr.ConnectionRefused, err)
}

// sshSession implements Session for variant A (golang.org/x/crypto/ssh).
//
// Go-idiomatic adaptation of spec §9's confinement rule: the *ssh.Client
// multiplexer and its Listener are owned exclusively by the goroutine
// running Run, which is the sole caller of Accept and of client-level
// operations (keepalive requests, Close). Once a channel is accepted,
// golang.org/x/crypto/ssh documents its returned net.Conn as safe for
// independent concurrent Read/Write by the channel's own owning
// goroutine(s) — the non-reentrancy the spec warns about is a property of
// the shared multiplexer, not of an already-demultiplexed channel — so
// SSHChannel's Read/Write are not routed back through this goroutine. See
// DESIGN.md's Open Question decisions for the full rationale.
type sshSession struct {
	client   *ssh.Client
	listener net.Listener

	mu     sync.Mutex
	nextID uint16

	connected atomic.Bool
	cancelCh  chan struct{}
	cancelled atomic.Bool

	logger    *logging.Logger
	keepalive time.Duration
}

func (s *sshSession) logHostKeyAndAccept(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if s.logger != nil {
		s.logger.Debugf("tunnel server host key fingerprint: %s", ssh.FingerprintSHA256(key))
	}
	return nil // trust-all; documented non-goal
}

func (s *sshSession) IsConnected() bool { return s.connected.Load() }

// Run executes spec §4.3 phase 2. A dedicated acceptPump goroutine performs
// the (necessarily blocking) listener.Accept() call and delivers results
// over acceptedCh; Run itself remains the sole goroutine driving keepalive
// sends and channel bookkeeping.
func (s *sshSession) Run(onChannel func(channel.Channel), onDisconnect func(error)) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptedCh := make(chan acceptResult, 1)
	go func() {
		for {
			conn, err := s.listener.Accept()
			acceptedCh <- acceptResult{conn, err}
			if err != nil {
				return
			}
		}
	}()

	var keepaliveC <-chan time.Time
	if s.keepalive > 0 {
		ticker := time.NewTicker(s.keepalive)
		defer ticker.Stop()
		keepaliveC = ticker.C
	}

	poll := time.NewTicker(acceptPollInterval)
	defer poll.Stop()

	var disconnectOnce sync.Once
	fireDisconnect := func(err error) {
		disconnectOnce.Do(func() {
			s.connected.Store(false)
			if onDisconnect != nil {
				onDisconnect(err)
			}
		})
	}

	for {
		select {
		case <-s.cancelCh:
			fireDisconnect(nil)
			return

		case <-keepaliveC:
			if _, _, err := s.client.SendRequest("keepalive@tunnel-client", true, nil); err != nil {
				s.logIfPresent("keepalive failed: %v", err)
				fireDisconnect(tunnelerr.Wrap(tunnelerr.Disconnected, err))
				return
			}

		case <-poll.C:
			// Bounded wakeup: nothing to do beyond letting the select
			// loop re-check cancellation and keepalive promptly.

		case res := <-acceptedCh:
			if res.err != nil {
				fireDisconnect(tunnelerr.Wrap(tunnelerr.ProtocolError, res.err))
				return
			}
			id := s.nextChannelID()
			sc := channel.NewSSHChannel(id, &netConnChannel{Conn: res.conn})
			if onChannel != nil {
				onChannel(sc)
			}
		}
	}
}

func (s *sshSession) nextChannelID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

func (s *sshSession) logIfPresent(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warnf(format, args...)
	}
}

// Cancel implements Session.Cancel: sets the cancel flag, closes the
// listener to unblock the accept pump, and closes the underlying client.
// Must not be called from the Run goroutine.
func (s *sshSession) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.connected.Store(false)
	if s.listener != nil {
		s.listener.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	close(s.cancelCh)
}

// netConnChannel adapts the net.Conn returned by ssh.Client.Listen's
// Listener.Accept (itself a forwarded-tcpip channel) to the ssh.Channel
// interface SSHChannel wraps, so the same channel.SSHChannel implementation
// works whether it is handed a raw ssh.Channel or (as here) the
// net.Conn-shaped view the high-level Listen API returns.
type netConnChannel struct {
	net.Conn
}

func (n *netConnChannel) CloseWrite() error {
	if cw, ok := n.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (n *netConnChannel) SendRequest(string, bool, []byte) (bool, error) { return false, nil }
func (n *netConnChannel) Stderr() io.ReadWriter                          { return nopReadWriter{} }

type nopReadWriter struct{}

func (nopReadWriter) Read(p []byte) (int, error)  { return 0, io.EOF }
func (nopReadWriter) Write(p []byte) (int, error) { return len(p), nil }
