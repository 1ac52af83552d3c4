//go:build linux

package transport

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// interfaceAddr returns the first global address of the named interface in
// the requested family. A missing or down interface is reported as an
// unreachable path, since tunnels and PPP links come and go at runtime.
func interfaceAddr(name string, v6 bool) (net.IP, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, &Error{Reason: ReasonUnreachable, Err: fmt.Errorf("interface %s: %w", name, err)}
	}
	attrs := link.Attrs()
	if attrs != nil && attrs.OperState == netlink.OperDown {
		return nil, &Error{Reason: ReasonUnreachable, Err: fmt.Errorf("interface %s is down", name)}
	}
	family := netlink.FAMILY_V4
	if v6 {
		family = netlink.FAMILY_V6
	}
	addrs, err := netlink.AddrList(link, family)
	if err != nil {
		return nil, &Error{Reason: ReasonUnreachable, Err: fmt.Errorf("interface %s addresses: %w", name, err)}
	}
	for _, addr := range addrs {
		if addr.IPNet == nil || addr.IP == nil || addr.IP.IsLinkLocalUnicast() {
			continue
		}
		return addr.IP, nil
	}
	return nil, &Error{Reason: ReasonUnreachable, Err: fmt.Errorf("interface %s has no usable address", name)}
}
