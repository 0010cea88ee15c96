// Package netio implements the async network engine (C2): outbound TCP to
// SOCKS5 targets. Spec §4.2 describes a completion-port model (a fixed
// worker pool waiting on a completion primitive); Go's runtime netpoller
// already gives every goroutine non-blocking, parallel-friendly I/O without
// a hand-rolled completion queue, so this package exposes the same
// operation set — resolve-and-connect with a timeout, callback-style
// reading, ordered per-connection sends, and an idempotent close —
// on top of net.Dialer/net.TCPConn and goroutines instead of a thread pool.
// This mirrors the teacher's own pattern in pkg/proxy/socks/connect.go,
// which already runs one reader goroutine and one writer path per target
// connection, funneled through channels.
package netio

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/proxyhand/tunnel-client/pkg/tunnelerr"
)

// DialTimeout resolves host and dials it over TCP, disabling Nagle's
// algorithm on success (spec §4.2: "disables Nagle"). It returns a
// categorized tunnelerr.Kind on failure so callers can map it straight to a
// SOCKS5 reply code via socks5.ReplyCodeForError.
func DialTimeout(ctx context.Context, host string, port uint16, timeout time.Duration) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	d := net.Dialer{}
	raw, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(err)
	}

	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = setNoDelaySyscall(tcp)
	}

	return &Conn{raw: raw}, nil
}

// Conn wraps a dialed target connection whose sends are serialized by a
// mutex: Send preserves submission order per connection by writing each
// buffer synchronously while holding the lock. There is no queue; a caller
// of Send waits for its own write and for any write already in progress.
type Conn struct {
	raw net.Conn

	sendMu sync.Mutex

	closeOnce sync.Once
}

// LocalAddr returns the conn's local address, used to populate the SOCKS5
// CONNECT success reply's BND.ADDR/BND.PORT.
func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }

// StartReading launches a goroutine that repeatedly reads and invokes
// onData for each chunk, or onEnd once when the connection reaches EOF or a
// hard error. onEnd receives ConnectionTimeout for a read timeout and
// ConnectionReset for EOF (per spec's "on zero-length completion") and for
// every other read error.
func (c *Conn) StartReading(onData func([]byte), onEnd func(tunnelerr.Kind)) {
	go func() {
		buf := make([]byte, 128*1024)
		for {
			n, err := c.raw.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onData(chunk)
			}
			if err != nil {
				onEnd(classifyReadError(err))
				return
			}
		}
	}()
}

// Send writes data to the connection while holding the send mutex, so
// concurrent callers are serialized in lock order. It is safe for concurrent
// use and returns only after the write completes or fails; it does not
// queue data for later transmission.
func (c *Conn) Send(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	_, err := c.raw.Write(data)
	if err != nil {
		return classifyWriteError(err)
	}
	return nil
}

// Close cancels pending I/O by closing the socket. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.raw.Close()
	})
	return nil
}

// CloseWrite half-closes the connection's write side, used by the session
// state machine's teardown rule for "channel EOF: half-close the target's
// write side, continue reading the target until it EOFs."
func (c *Conn) CloseWrite() error {
	if cw, ok := c.raw.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

func classifyDialError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return tunnelerr.Wrap(tunnelerr.DnsResolutionFailed, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return tunnelerr.Wrap(tunnelerr.ConnectionTimeout, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return tunnelerr.Wrap(tunnelerr.ConnectionTimeout, err)
		}
		msg := opErr.Err.Error()
		switch {
		case strings.Contains(msg, "refused"):
			return tunnelerr.Wrap(tunnelerr.ConnectionRefused, err)
		case strings.Contains(msg, "network is unreachable"):
			return tunnelerr.Wrap(tunnelerr.NetworkUnreachable, err)
		case strings.Contains(msg, "no route to host"), strings.Contains(msg, "host is unreachable"):
			return tunnelerr.Wrap(tunnelerr.HostUnreachable, err)
		}
	}
	return tunnelerr.Wrap(tunnelerr.SocketError, err)
}

func classifyReadError(err error) tunnelerr.Kind {
	if err == nil {
		return tunnelerr.Success
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return tunnelerr.ConnectionTimeout
	}
	return tunnelerr.ConnectionReset
}

func classifyWriteError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return tunnelerr.Wrap(tunnelerr.ConnectionTimeout, err)
	}
	return tunnelerr.Wrap(tunnelerr.ConnectionReset, err)
}
