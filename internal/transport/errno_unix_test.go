//go:build unix

package transport

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestClassifyErrno(t *testing.T) {
	refused := &net.OpError{Op: "read", Net: "udp", Err: os.NewSyscallError("recvfrom", unix.ECONNREFUSED)}
	assert.Equal(t, ReasonUnreachable, ReasonOf(refused))
	assert.Equal(t, ReasonUnreachable, ReasonOf(unix.EHOSTUNREACH))
	assert.Equal(t, ReasonUnreachable, ReasonOf(unix.ENETUNREACH))

	assert.True(t, isPermission(&net.OpError{Op: "listen", Err: os.NewSyscallError("socket", unix.EPERM)}))
	assert.True(t, isPermission(unix.EACCES))
	assert.False(t, isPermission(unix.ECONNREFUSED))
}
