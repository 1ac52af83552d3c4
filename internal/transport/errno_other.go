//go:build !unix

package transport

import (
	"errors"
	"os"
)

func isUnreachable(err error) bool {
	return false
}

func isPermission(err error) bool {
	return errors.Is(err, os.ErrPermission)
}
