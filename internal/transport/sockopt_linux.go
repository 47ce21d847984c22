//go:build linux

package transport

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// markTOS returns a dialer control hook setting the IP TOS byte (IPv4) or
// traffic class (IPv6). A zero tos leaves the socket untouched.
func markTOS(tos int) func(network, address string, c syscall.RawConn) error {
	if tos <= 0 {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		controlErr := c.Control(func(fd uintptr) {
			if strings.HasSuffix(network, "6") {
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
				return
			}
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
		})
		if controlErr != nil {
			return controlErr
		}
		return sockErr
	}
}
