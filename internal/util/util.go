package util

import (
	"net"
	"strconv"
	"strings"
)

func NetJoin(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// WithDefaultPort returns addr unchanged when it already carries a port,
// otherwise joins it with port. Bare IPv6 literals are handled.
func WithDefaultPort(addr string, port int) string {
	addr = strings.TrimSpace(addr)
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return NetJoin(strings.Trim(addr, "[]"), port)
}

// HostOnly strips an optional port from addr.
func HostOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
