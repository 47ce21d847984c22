//go:build !linux

package transport

import "syscall"

func markTOS(tos int) func(network, address string, c syscall.RawConn) error {
	return nil
}
