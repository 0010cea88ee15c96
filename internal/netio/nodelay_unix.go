//go:build unix

package netio

import (
	"net"

	"golang.org/x/sys/unix"
)

// setNoDelaySyscall sets TCP_NODELAY directly via golang.org/x/sys/unix, for
// platforms/scenarios where net.TCPConn.SetNoDelay's best-effort behavior
// isn't enough to guarantee the socket option took (spec §4.2 explicitly
// calls out disabling Nagle as a dial step, not an optional nicety).
// The caller ignores the returned error, since SetNoDelay already made the
// primary attempt.
func setNoDelaySyscall(conn *net.TCPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
