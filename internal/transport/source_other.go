//go:build !linux

package transport

import (
	"fmt"
	"net"
)

func interfaceAddr(name string, v6 bool) (net.IP, error) {
	return nil, Fatal(fmt.Errorf("binding to interface %s requires linux", name))
}
