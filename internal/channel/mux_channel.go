package channel

import (
	"sync"
	"sync/atomic"
)

// MuxSender is the subset of the framed-mux transport a MuxChannel needs:
// submitting a Data frame and a flagged close frame for one channel id, plus
// applying a window-availability wait before emitting. Declared here (rather
// than importing internal/transport) to avoid a package cycle — transport
// constructs MuxChannel values and implements this interface itself.
type MuxSender interface {
	// SendData transmits payload as one or more Data frames for id,
	// chunked to the flow window and to the wire's 64 KiB cap, blocking
	// until the window admits the write or ctx-equivalent shutdown fires.
	SendData(id uint16, payload []byte) error
	// SendRequestAck transmits payload as a single ChannelRequestAck frame
	// for id: the SOCKS5 negotiation-phase reply channel, carrying method
	// responses and CONNECT replies back to the peer before relaying
	// starts. Unlike SendData it is not window-limited or chunked — these
	// payloads are always small, fixed-shape SOCKS5 protocol messages.
	SendRequestAck(id uint16, payload []byte) error
	// SendClose transmits a ChannelClose frame for id with the given
	// RST flag.
	SendClose(id uint16, rst bool) error
	// ConsumeWindow reports n bytes delivered to the session's reader,
	// triggering a WindowUpdate to the peer once half the initial window
	// has been consumed.
	ConsumeWindow(id uint16, n int)
}

// RelayMarker is implemented by Channel values whose wire encoding
// distinguishes the pre-CONNECT SOCKS5 negotiation phase from the
// post-CONNECT relay phase (currently only MuxChannel). session calls
// MarkRelaying once it has written the final CONNECT reply, switching
// subsequent Write calls from the negotiation framing to the relay
// framing. Channels with no such distinction (sshChannel, fakeChannel)
// simply don't implement this interface; callers use a type assertion.
type RelayMarker interface {
	MarkRelaying()
}

// MuxChannel is the framed-multiplex Channel implementation (variant B). Its
// Read side is fed by the transport's single reader goroutine via deliver;
// Write submits Data frames honoring the per-channel send window.
type MuxChannel struct {
	id     uint16
	sender MuxSender

	mu      sync.Mutex
	cond    *sync.Cond
	pending [][]byte
	eofSeen bool
	closed  bool

	eofSent  atomic.Bool
	relaying atomic.Bool
}

// NewMuxChannel creates a channel bound to sender under id.
func NewMuxChannel(id uint16, sender MuxSender) *MuxChannel {
	c := &MuxChannel{id: id, sender: sender}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *MuxChannel) ID() uint16 { return c.id }

// Deliver is called by the transport's reader goroutine when a Data or
// ChannelRequest frame arrives for this channel.
func (c *MuxChannel) Deliver(payload []byte) {
	c.mu.Lock()
	c.pending = append(c.pending, payload)
	c.mu.Unlock()
	c.cond.Signal()
}

// DeliverEof is called by the transport when a ChannelClose frame arrives
// for this channel (the remote half-closed or fully closed its side).
func (c *MuxChannel) DeliverEof() {
	c.mu.Lock()
	c.eofSeen = true
	c.mu.Unlock()
	c.cond.Signal()
}

func (c *MuxChannel) Read(buf []byte) (int, error) {
	c.mu.Lock()
	for len(c.pending) == 0 && !c.eofSeen && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed()
	}
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return 0, nil // EOF
	}
	chunk := c.pending[0]
	n := copy(buf, chunk)
	if n < len(chunk) {
		c.pending[0] = chunk[n:]
	} else {
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()

	c.sender.ConsumeWindow(c.id, n)
	return n, nil
}

func (c *MuxChannel) Write(buf []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed()
	}
	if !c.relaying.Load() {
		return c.sender.SendRequestAck(c.id, buf)
	}
	return c.sender.SendData(c.id, buf)
}

// MarkRelaying switches subsequent Write calls from ChannelRequestAck
// framing (SOCKS5 negotiation replies) to Data framing (relayed bytes).
// Idempotent; safe to call once, right after the final CONNECT reply has
// been written.
func (c *MuxChannel) MarkRelaying() {
	c.relaying.Store(true)
}

func (c *MuxChannel) SendEof() error {
	if !c.eofSent.CompareAndSwap(false, true) {
		return nil
	}
	return c.sender.SendClose(c.id, false)
}

func (c *MuxChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

func (c *MuxChannel) IsEof() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eofSeen
}
