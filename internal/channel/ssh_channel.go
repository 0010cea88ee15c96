package channel

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// retryBackoff is the brief sleep used when the underlying ssh.Channel
// signals a transient would-block condition during Read/Write. Each
// SSHChannel is owned by exactly one SOCKS5 session goroutine for its whole
// lifetime, so a short sleep here only ever stalls that one goroutine, never
// the transport's shared accept loop.
const retryBackoff = time.Millisecond

// SSHChannel wraps an ssh.Channel accepted from the remote listener.
// golang.org/x/crypto/ssh documents a channel's net.Conn-like view as safe
// for independent use once demultiplexed, so unlike the transport's shared
// *ssh.Client, a single SSHChannel's Read/Write may run on its own owning
// goroutine concurrently with every other channel's.
type SSHChannel struct {
	id uint16
	ch ssh.Channel

	eofSent atomic.Bool
	eofSeen atomic.Bool
	closed  atomic.Bool
}

// NewSSHChannel wraps ch under the given logical id (assigned by the
// transport for logging; the SSH protocol itself tracks channel identity
// internally).
func NewSSHChannel(id uint16, ch ssh.Channel) *SSHChannel {
	return &SSHChannel{id: id, ch: ch}
}

func (c *SSHChannel) ID() uint16 { return c.id }

// Read retries on a transient would-block error with a short sleep, per the
// EAGAIN-plus-retry design note; a genuine EOF or hard error is returned
// immediately.
func (c *SSHChannel) Read(buf []byte) (int, error) {
	for {
		if c.closed.Load() {
			return 0, ErrClosed()
		}
		n, err := c.ch.Read(buf)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, io.EOF) {
			c.eofSeen.Store(true)
			return n, nil
		}
		if isTransient(err) {
			time.Sleep(retryBackoff)
			continue
		}
		return n, err
	}
}

func (c *SSHChannel) Write(buf []byte) error {
	for len(buf) > 0 {
		if c.closed.Load() {
			return ErrClosed()
		}
		n, err := c.ch.Write(buf)
		if err != nil {
			if isTransient(err) {
				time.Sleep(retryBackoff)
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func (c *SSHChannel) SendEof() error {
	if !c.eofSent.CompareAndSwap(false, true) {
		return nil
	}
	return c.ch.CloseWrite()
}

func (c *SSHChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.ch.Close()
}

func (c *SSHChannel) IsEof() bool { return c.eofSeen.Load() }

// isTransient reports whether err represents a transient would-block
// condition rather than a hard channel failure. golang.org/x/crypto/ssh
// does not expose a typed EAGAIN; in practice its Channel.Read/Write never
// blocks indefinitely and returns io.EOF or a hard error, so isTransient
// reports false for every error and the retry branches in Read and Write
// never run. It is kept as the single place such a classification would go,
// for parity with spec §4.3/§9.
func isTransient(err error) bool {
	return false
}
