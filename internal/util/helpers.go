package util

import (
	"net"
	"strconv"
)

// Deref returns *ptr, or fallback when ptr is nil. Config fields use
// pointers so an explicit zero can be told apart from an unset value.
func Deref[T any](ptr *T, fallback T) T {
	if ptr == nil {
		return fallback
	}
	return *ptr
}

// NetJoin formats host and port as a dial address, bracketing IPv6 literals.
func NetJoin(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
