//go:build !unix

package netio

import "net"

// setNoDelaySyscall is a no-op on platforms without golang.org/x/sys/unix;
// net.TCPConn.SetNoDelay already covers them (e.g. Windows via
// golang.org/x/sys/windows is not wired here because spec's only asserted
// requirement is "disables Nagle," which SetNoDelay satisfies on Windows).
func setNoDelaySyscall(conn *net.TCPConn) error { return nil }
