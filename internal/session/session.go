// Package session implements the per-channel SOCKS5 relay state machine
// (C5): method negotiation, CONNECT parsing, asynchronous target dialing,
// error-to-reply-code mapping, and bidirectional relay with orderly
// half-close. Grounded on the teacher's pkg/proxy/socks/socks.go
// processConnection flow and connect.go's handleTCPDataTransfer relay,
// generalized from the teacher's 3-phase flow to the 5-state machine this
// system requires, with partial-buffer reassembly the teacher's
// packet-framed design never needed.
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/proxyhand/tunnel-client/internal/channel"
	"github.com/proxyhand/tunnel-client/internal/logging"
	"github.com/proxyhand/tunnel-client/internal/netio"
	"github.com/proxyhand/tunnel-client/internal/socks5"
	"github.com/proxyhand/tunnel-client/pkg/tunnelerr"
)

// state is the ordered set from spec's session state table: monotone
// forward, one sink (stClosed).
type state int32

const (
	stReadingMethods state = iota
	stReadingRequest
	stConnecting
	stRelaying
	stClosed
)

// relayBufSize is the per-Read chunk size used while relaying.
const relayBufSize = 32 * 1024

// Config carries the per-session knobs shared across every channel the
// manager spawns a Session for.
type Config struct {
	ConnectTimeout time.Duration
	// Resolver overrides hostname resolution; nil uses the system resolver.
	Resolver netio.Resolver
	Logger   *logging.Logger
}

// Session drives one accepted channel through method negotiation, CONNECT,
// target dial, and relay. One Session owns exactly one Channel for its full
// lifetime; the manager spawns one Session per accepted channel.
type Session struct {
	id  string
	ch  channel.Channel
	cfg Config

	state state
	buf   []byte
	req   *socks5.ConnectRequest

	target *netio.Conn

	closeOnce sync.Once
}

// New constructs a Session in its initial ReadingMethods state.
func New(ch channel.Channel, cfg Config) *Session {
	return &Session{id: uuid.NewString(), ch: ch, cfg: cfg, state: stReadingMethods}
}

func (s *Session) getState() state  { return state(atomic.LoadInt32((*int32)(&s.state))) }
func (s *Session) setState(v state) { atomic.StoreInt32((*int32)(&s.state), int32(v)) }

// Run drives the state machine to completion on the calling goroutine. It
// returns once the session reaches Closed, whether because of a protocol
// violation, a target failure, or either side ending the stream.
func (s *Session) Run() {
	defer s.teardown()

	readBuf := make([]byte, 4096)
	for s.getState() != stRelaying && s.getState() != stClosed {
		n, err := s.ch.Read(readBuf)
		if err != nil {
			s.logf("channel read error: %v", err)
			s.setState(stClosed)
			return
		}
		if n == 0 {
			s.setState(stClosed)
			return
		}
		s.buf = append(s.buf, readBuf[:n]...)
		if !s.advance() {
			return
		}
	}

	if s.getState() == stRelaying {
		s.relayLoop()
	}
}

// advance re-runs the parser for the current state against the accumulated
// buffer, looping while a message was fully consumed (pipelined requests
// and pipelined post-CONNECT application data both land in the same read).
// It returns false once the session has been driven to Closed.
func (s *Session) advance() bool {
	for {
		switch s.getState() {
		case stReadingMethods:
			consumed, noAuth := socks5.ParseMethodRequest(s.buf)
			if consumed == 0 {
				return true
			}
			if consumed < 0 || !noAuth {
				_ = s.ch.Write(socks5.BuildMethodResponse(socks5.AuthNoAcceptable))
				s.setState(stClosed)
				return false
			}
			s.buf = s.buf[consumed:]
			if err := s.ch.Write(socks5.BuildMethodResponse(socks5.AuthNone)); err != nil {
				s.setState(stClosed)
				return false
			}
			s.setState(stReadingRequest)

		case stReadingRequest:
			consumed, req := socks5.ParseConnectRequest(s.buf)
			if consumed == 0 {
				return true
			}
			if consumed < 0 {
				s.replyAndClose(socks5.RepGeneralFailure)
				return false
			}
			s.buf = s.buf[consumed:]

			if req.Command != socks5.CmdConnect {
				s.replyAndClose(socks5.RepCommandNotSupported)
				return false
			}

			s.req = req
			s.setState(stConnecting)
			if !s.connectTarget() {
				return false
			}
			if len(s.buf) > 0 {
				pending := s.buf
				s.buf = nil
				if err := s.target.Send(pending); err != nil {
					s.setState(stClosed)
					return false
				}
			}
			return true

		default:
			return true
		}
	}
}

// connectTarget dials the CONNECT target, replies with the mapped SOCKS5
// code, and — on success — starts the target's read side forwarding to the
// channel. It leaves the session in Relaying on success, Closed on failure.
func (s *Session) connectTarget() bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := netio.DialTimeoutWithResolver(ctx, s.cfg.Resolver, s.req.Host, s.req.Port, s.cfg.ConnectTimeout)
	if err != nil {
		s.replyAndClose(socks5.ReplyCodeForError(tunnelerr.KindOf(err)))
		return false
	}
	s.target = conn

	var bindIP net.IP
	var bindPort uint16
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		bindIP = tcpAddr.IP
		bindPort = uint16(tcpAddr.Port)
	}
	if err := s.ch.Write(socks5.BuildConnectReply(socks5.RepSucceeded, bindIP, bindPort)); err != nil {
		s.setState(stClosed)
		return false
	}

	if rm, ok := s.ch.(channel.RelayMarker); ok {
		rm.MarkRelaying()
	}

	s.setState(stRelaying)
	conn.StartReading(s.onTargetData, s.onTargetEnd)
	return true
}

// relayLoop runs on the Session's own goroutine, reading the channel and
// forwarding to the target, until the channel errors or half-closes.
// onTargetData/onTargetEnd run concurrently on netio's own reader goroutine
// for the opposite direction; both sides rely on Channel's idempotent
// Close/SendEof to avoid double-teardown races.
func (s *Session) relayLoop() {
	buf := make([]byte, relayBufSize)
	for {
		n, err := s.ch.Read(buf)
		if err != nil {
			s.logf("channel read error during relay: %v", err)
			s.endSession()
			return
		}
		if n == 0 {
			// Channel EOF: half-close the target's write side and let
			// onTargetData keep forwarding until the target itself EOFs
			// (onTargetEnd then ends the session) or the channel is closed.
			if s.target != nil {
				_ = s.target.CloseWrite()
			}
			for s.getState() != stClosed {
				if _, err := s.ch.Read(buf); err != nil {
					s.endSession()
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			return
		}
		if s.target != nil {
			if err := s.target.Send(buf[:n]); err != nil {
				s.logf("target write error: %v", err)
				_ = s.ch.SendEof()
				s.endSession()
				return
			}
		}
	}
}

// onTargetData forwards one chunk read from the target to the channel.
func (s *Session) onTargetData(data []byte) {
	if err := s.ch.Write(data); err != nil {
		s.logf("channel write error: %v", err)
	}
}

// onTargetEnd implements the "target EOF/error" teardown row: send local
// end-of-stream, close the target, and terminate the session.
func (s *Session) onTargetEnd(kind tunnelerr.Kind) {
	_ = s.ch.SendEof()
	s.endSession()
}

func (s *Session) replyAndClose(rep byte) {
	_ = s.ch.Write(socks5.BuildConnectReply(rep, nil, 0))
	s.setState(stClosed)
}

// endSession marks the session Closed and releases the target and channel.
// Idempotent: safe to call from both the relay goroutine and the target's
// reader goroutine.
func (s *Session) endSession() {
	s.setState(stClosed)
	s.teardown()
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		if s.target != nil {
			_ = s.target.Close()
		}
		_ = s.ch.Close()
	})
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Warnf("session %s: "+format, append([]interface{}{s.id}, args...)...)
	}
}
