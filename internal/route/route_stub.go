//go:build !linux

package route

import "net"

func Lookup(_ net.IP) (Info, error) {
	return Info{}, ErrUnsupported
}
