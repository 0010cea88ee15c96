package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxyhand/tunnel-client/internal/channel"
	"github.com/proxyhand/tunnel-client/internal/logging"
	"github.com/proxyhand/tunnel-client/pkg/tunnelerr"
)

// sessionChannelID is the sentinel channel id carried by frame types that
// are session-scoped rather than per-channel (Ping/Pong).
const sessionChannelID uint16 = 0

// closeDrainTimeout bounds how long a ChannelClose waits for this side's
// own pending writes to finish before replying ChannelCloseAck, per the
// graceful-draining decision recorded in DESIGN.md.
const closeDrainTimeout = 2 * time.Second

// drainPollInterval is how often the drain wait re-checks pendingWrites.
const drainPollInterval = 5 * time.Millisecond

// DialMux performs spec §4.3 variant B phase (a): a blocking TLS handshake
// against the tunnel server, grounded on the teacher's pkg/protocol dispatch
// shape but generalized from Azure Blob polling to a live TLS socket. The
// returned Session's Run starts the frame reader and keepalive ticker.
func DialMux(ctx context.Context, cfg DialConfig) (Session, error) {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	tlsConf := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.Host,
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	rawConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, classifyDialErr(err)
	}

	tlsConn := tls.Client(rawConn, tlsConf)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		rawConn.Close()
		return nil, tunnelerr.Wrap(tunnelerr.HandshakeFailed, err)
	}

	initialWindow := cfg.InitialWindow
	if initialWindow == 0 {
		initialWindow = DefaultInitialWindow
	}

	var sealer *FrameSealer
	if len(cfg.SealPrivateKey) > 0 && len(cfg.SealPeerPublicKey) > 0 {
		sealer, err = NewFrameSealer(cfg.SealPrivateKey, cfg.SealPeerPublicKey)
		if err != nil {
			tlsConn.Close()
			return nil, err
		}
	}

	s := &muxSession{
		conn:          tlsConn,
		channels:      make(map[uint16]*muxChannelEntry),
		initialWindow: initialWindow,
		cancelCh:      make(chan struct{}),
		logger:        cfg.Logger,
		keepalive:     cfg.KeepaliveInterval,
		sealer:        sealer,
	}
	s.connected.Store(true)
	return s, nil
}

// muxChannelEntry is the per-channel flow-control and bookkeeping state kept
// in the session's channel table, grounded on pkg/protocol/connection.go's
// per-connection struct but widened with the send/receive windows spec.md
// §3 requires (the teacher has no flow control).
type muxChannelEntry struct {
	ch *channel.MuxChannel

	mu           sync.Mutex
	cond         *sync.Cond
	sendWindow   uint32
	consumed     uint32
	pendingWrite int32

	localClosed  bool // this side sent ChannelClose
	remoteClosed bool // peer sent ChannelClose
}

// muxSession implements Session for variant B (raw TLS + the framed
// multiplex protocol in frame.go). Grounded on pkg/protocol/base.go's
// BaseHandler: one reader goroutine dispatches frames (the direct
// counterpart of ReceiveLoop/handlePacket) while writes are serialized
// through writeMu the way sendPacket serializes the teacher's outbound
// packets.
type muxSession struct {
	conn *tls.Conn

	writeMu sync.Mutex

	channelsMu sync.RWMutex
	channels   map[uint16]*muxChannelEntry
	nextLocal  uint16

	initialWindow uint32

	connected atomic.Bool
	cancelCh  chan struct{}
	cancelled atomic.Bool

	logger    *logging.Logger
	keepalive time.Duration

	// sealer, when non-nil, double-encrypts every Data, ChannelRequest and
	// ChannelRequestAck frame payload on top of the TLS record layer. Nil
	// skips sealing entirely.
	sealer *FrameSealer
}

func (s *muxSession) IsConnected() bool { return s.connected.Load() }

// Run is the dispatch loop: read a frame, act on its type, repeat until the
// connection errors or Cancel fires. This goroutine is the sole reader of
// s.conn and the only one that records a peer's ChannelClose on an entry;
// SendClose and Cancel mark local closes from other goroutines, and writes
// from any goroutine are serialized through writeMu.
func (s *muxSession) Run(onChannel func(channel.Channel), onDisconnect func(error)) {
	var disconnectOnce sync.Once
	fireDisconnect := func(err error) {
		disconnectOnce.Do(func() {
			s.connected.Store(false)
			if onDisconnect != nil {
				onDisconnect(err)
			}
		})
	}

	if s.keepalive > 0 {
		ticker := time.NewTicker(s.keepalive)
		defer ticker.Stop()
		go s.keepaliveLoop(ticker.C)
	}

	header := make([]byte, FrameHeaderSize)
	for {
		select {
		case <-s.cancelCh:
			fireDisconnect(nil)
			return
		default:
		}

		if _, err := io.ReadFull(s.conn, header); err != nil {
			fireDisconnect(tunnelerr.Wrap(tunnelerr.ProtocolError, err))
			return
		}
		f, length, err := DecodeHeader(header)
		if err != nil {
			fireDisconnect(tunnelerr.Wrap(tunnelerr.ProtocolError, err))
			return
		}
		if length > 0 {
			f.Payload = make([]byte, length)
			if _, err := io.ReadFull(s.conn, f.Payload); err != nil {
				fireDisconnect(tunnelerr.Wrap(tunnelerr.ProtocolError, err))
				return
			}
		}

		if err := s.dispatch(f, onChannel); err != nil {
			fireDisconnect(err)
			return
		}
	}
}

func (s *muxSession) keepaliveLoop(c <-chan time.Time) {
	for {
		select {
		case <-s.cancelCh:
			return
		case <-c:
			if err := s.writeFrame(&Frame{Type: FramePing, ChannelID: sessionChannelID}); err != nil {
				s.logIfPresent("ping failed: %v", err)
				return
			}
		}
	}
}

// dispatch handles one decoded frame per spec §4.3 variant B: channel open
// is peer-initiated, Ping answers immediately with Pong, WindowUpdate
// unblocks writers, ChannelClose drains then acks, unknown types are logged
// and dropped.
func (s *muxSession) dispatch(f Frame, onChannel func(channel.Channel)) error {
	switch f.Type {
	case FrameChannelOpen:
		entry := s.registerChannel(f.ChannelID)
		if err := s.writeFrame(&Frame{Type: FrameChannelOpenAck, ChannelID: f.ChannelID}); err != nil {
			return tunnelerr.Wrap(tunnelerr.ChannelOpenFailed, err)
		}
		if onChannel != nil {
			onChannel(entry.ch)
		}

	case FrameChannelOpenAck:
		// Channel open is exclusively peer-initiated in this protocol
		// (the tunnel client never opens outbound channels itself), so
		// an ack with no matching local open request is unexpected; log
		// and drop.
		s.logIfPresent("unexpected ChannelOpenAck for channel %d", f.ChannelID)

	case FrameData:
		return s.deliverToChannel(f, "data")

	case FrameChannelRequest:
		// Carries SOCKS5 negotiation-phase bytes (method selection, CONNECT
		// request) toward this client, ahead of relaying; delivered the
		// same way as Data, just over the pre-relay frame type.
		return s.deliverToChannel(f, "request")

	case FrameWindowUpdate:
		if len(f.Payload) < 4 {
			s.logIfPresent("short WindowUpdate payload for channel %d", f.ChannelID)
			return nil
		}
		inc := binary.LittleEndian.Uint32(f.Payload[:4])
		entry := s.lookupChannel(f.ChannelID)
		if entry == nil {
			return nil
		}
		entry.mu.Lock()
		entry.sendWindow += inc
		entry.mu.Unlock()
		entry.cond.Broadcast()

	case FrameChannelClose:
		entry := s.lookupChannel(f.ChannelID)
		if entry == nil {
			return nil
		}
		entry.mu.Lock()
		entry.remoteClosed = true
		entry.mu.Unlock()
		entry.ch.DeliverEof()
		go s.ackClose(f.ChannelID, entry)

	case FrameChannelCloseAck:
		s.removeChannel(f.ChannelID)

	case FramePing:
		if err := s.writeFrame(&Frame{Type: FramePong, ChannelID: sessionChannelID}); err != nil {
			return tunnelerr.Wrap(tunnelerr.ProtocolError, err)
		}

	case FramePong:
		// No outstanding-ping tracking; receipt alone confirms liveness.

	case FrameChannelRequestAck:
		// This client only ever emits ChannelRequestAck (via
		// SendRequestAck); it never opens a channel itself, so it never
		// expects to receive one back.
		s.logIfPresent("unexpected %s for channel %d", frameTypeName(f.Type), f.ChannelID)

	default:
		s.logIfPresent("dropping unknown %s for channel %d", frameTypeName(f.Type), f.ChannelID)
	}
	return nil
}

// deliverToChannel looks up the channel for f, opens its payload through
// the optional sealer if one is configured, and hands the plaintext to the
// channel's read side. kind names the frame for log messages.
func (s *muxSession) deliverToChannel(f Frame, kind string) error {
	entry := s.lookupChannel(f.ChannelID)
	if entry == nil {
		s.logIfPresent("%s frame for unknown channel %d", kind, f.ChannelID)
		return nil
	}
	payload := f.Payload
	if s.sealer != nil {
		opened, err := s.sealer.Open(payload)
		if err != nil {
			return tunnelerr.Wrap(tunnelerr.DecryptError, err)
		}
		payload = opened
	}
	entry.ch.Deliver(payload)
	return nil
}

// ackClose waits (bounded) for this side's own in-flight writes on the
// channel to finish before sending ChannelCloseAck, per the graceful-drain
// decision in DESIGN.md's Open Question decisions.
func (s *muxSession) ackClose(id uint16, entry *muxChannelEntry) {
	deadline := time.Now().Add(closeDrainTimeout)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&entry.pendingWrite) == 0 {
			break
		}
		time.Sleep(drainPollInterval)
	}
	if err := s.writeFrame(&Frame{Type: FrameChannelCloseAck, ChannelID: id}); err != nil {
		s.logIfPresent("ChannelCloseAck write failed for channel %d: %v", id, err)
	}
	s.removeChannel(id)
}

func (s *muxSession) registerChannel(id uint16) *muxChannelEntry {
	entry := &muxChannelEntry{sendWindow: s.initialWindow}
	entry.cond = sync.NewCond(&entry.mu)
	entry.ch = channel.NewMuxChannel(id, s)

	s.channelsMu.Lock()
	s.channels[id] = entry
	s.channelsMu.Unlock()
	return entry
}

func (s *muxSession) lookupChannel(id uint16) *muxChannelEntry {
	s.channelsMu.RLock()
	defer s.channelsMu.RUnlock()
	return s.channels[id]
}

func (s *muxSession) removeChannel(id uint16) {
	s.channelsMu.Lock()
	entry := s.channels[id]
	delete(s.channels, id)
	s.channelsMu.Unlock()
	if entry != nil {
		entry.cond.Broadcast()
	}
}

// SendData implements channel.MuxSender: chunk payload to the wire's 64 KiB
// cap and to the available send window, blocking on each chunk until the
// peer's WindowUpdate admits it — the enforcement decision recorded in
// DESIGN.md's Open Question decisions.
func (s *muxSession) SendData(id uint16, payload []byte) error {
	entry := s.lookupChannel(id)
	if entry == nil {
		return channel.ErrClosed()
	}

	maxChunk := MaxFramePayload
	if s.sealer != nil {
		maxChunk -= SealOverhead
	}

	for len(payload) > 0 {
		entry.mu.Lock()
		for entry.sendWindow == 0 && !entry.localClosed && !entry.remoteClosed {
			entry.cond.Wait()
		}
		if entry.localClosed || entry.remoteClosed {
			entry.mu.Unlock()
			return channel.ErrClosed()
		}
		chunk := maxChunk
		if int(entry.sendWindow) < chunk {
			chunk = int(entry.sendWindow)
		}
		if chunk > len(payload) {
			chunk = len(payload)
		}
		entry.sendWindow -= uint32(chunk)
		entry.mu.Unlock()

		out := payload[:chunk]
		if s.sealer != nil {
			out = s.sealer.Seal(out)
		}

		atomic.AddInt32(&entry.pendingWrite, 1)
		err := s.writeFrame(&Frame{Type: FrameData, ChannelID: id, Payload: out})
		atomic.AddInt32(&entry.pendingWrite, -1)
		if err != nil {
			return tunnelerr.Wrap(tunnelerr.ProtocolError, err)
		}
		payload = payload[chunk:]
	}
	return nil
}

// SendRequestAck implements channel.MuxSender: emits one ChannelRequestAck
// frame carrying a SOCKS5 negotiation-phase reply. These payloads are
// always small fixed-shape protocol messages, so unlike SendData this is
// never chunked and never waits on the flow-control window.
func (s *muxSession) SendRequestAck(id uint16, payload []byte) error {
	if s.lookupChannel(id) == nil {
		return channel.ErrClosed()
	}
	out := payload
	if s.sealer != nil {
		out = s.sealer.Seal(out)
	}
	if err := s.writeFrame(&Frame{Type: FrameChannelRequestAck, ChannelID: id, Payload: out}); err != nil {
		return tunnelerr.Wrap(tunnelerr.ProtocolError, err)
	}
	return nil
}

// SendClose implements channel.MuxSender.
func (s *muxSession) SendClose(id uint16, rst bool) error {
	entry := s.lookupChannel(id)
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	entry.localClosed = true
	entry.mu.Unlock()

	flags := FlagFIN
	if rst {
		flags = FlagRST
	}
	return s.writeFrame(&Frame{Type: FrameChannelClose, Flags: flags, ChannelID: id})
}

// ConsumeWindow implements channel.MuxSender: replenish the receive window
// to the peer once half of it has been consumed, per spec §3.
func (s *muxSession) ConsumeWindow(id uint16, n int) {
	entry := s.lookupChannel(id)
	if entry == nil || n <= 0 {
		return
	}
	entry.mu.Lock()
	entry.consumed += uint32(n)
	due := entry.consumed
	half := s.initialWindow / 2
	var send bool
	if due >= half {
		send = true
		entry.consumed = 0
	}
	entry.mu.Unlock()

	if send {
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, due)
		if err := s.writeFrame(&Frame{Type: FrameWindowUpdate, ChannelID: id, Payload: payload}); err != nil {
			s.logIfPresent("WindowUpdate write failed for channel %d: %v", id, err)
		}
	}
}

func (s *muxSession) writeFrame(f *Frame) error {
	buf, err := f.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.conn.Write(buf)
	return err
}

func (s *muxSession) logIfPresent(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warnf(format, args...)
	}
}

// Cancel implements Session.Cancel: closes the underlying TLS connection,
// which unblocks the reader goroutine's io.ReadFull with an error, and
// releases every registered channel so blocked Read/Write calls return
// ChannelClosed instead of hanging.
func (s *muxSession) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.connected.Store(false)
	close(s.cancelCh)
	s.conn.Close()

	s.channelsMu.Lock()
	entries := make([]*muxChannelEntry, 0, len(s.channels))
	for _, e := range s.channels {
		entries = append(entries, e)
	}
	s.channels = make(map[uint16]*muxChannelEntry)
	s.channelsMu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.localClosed = true
		e.remoteClosed = true
		e.mu.Unlock()
		e.cond.Broadcast()
		e.ch.Close()
	}
}
