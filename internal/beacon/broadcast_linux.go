//go:build linux

package beacon

import (
	"net"
	"syscall"
)

// setBroadcast enables SO_BROADCAST on conn's underlying socket,
// mirroring beacon_init's setsockopt(SOL_SOCKET, SO_BROADCAST, ...)
// call on the server side.
func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
