//go:build linux

package route

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Lookup asks the kernel which route it would use to reach dst.
func Lookup(dst net.IP) (Info, error) {
	if dst == nil {
		return Info{}, errors.New("nil destination")
	}
	routes, err := netlink.RouteGet(dst)
	if err != nil {
		return Info{}, fmt.Errorf("route get %s: %w", dst, err)
	}
	if len(routes) == 0 {
		return Info{}, fmt.Errorf("no route to %s", dst)
	}
	r := routes[0]
	info := Info{Source: r.Src, Gateway: r.Gw}
	if r.LinkIndex > 0 {
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			return info, fmt.Errorf("link %d: %w", r.LinkIndex, err)
		}
		info.Interface = link.Attrs().Name
	}
	return info, nil
}
