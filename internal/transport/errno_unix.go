//go:build unix

package transport

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isUnreachable(err error) bool {
	return errors.Is(err, unix.ENETUNREACH) ||
		errors.Is(err, unix.EHOSTUNREACH) ||
		errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.ENETDOWN) ||
		errors.Is(err, unix.EADDRNOTAVAIL)
}

func isPermission(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPROTONOSUPPORT)
}
