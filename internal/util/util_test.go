package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithDefaultPort(t *testing.T) {
	assert.Equal(t, "1.1.1.1:53", WithDefaultPort("1.1.1.1", 53))
	assert.Equal(t, "1.1.1.1:5353", WithDefaultPort("1.1.1.1:5353", 53))
	assert.Equal(t, "[2606:4700::1111]:53", WithDefaultPort("2606:4700::1111", 53))
	assert.Equal(t, "[::1]:53", WithDefaultPort("[::1]", 53))
}

func TestHostOnly(t *testing.T) {
	assert.Equal(t, "dns.example", HostOnly("dns.example:53"))
	assert.Equal(t, "::1", HostOnly("[::1]:53"))
	assert.Equal(t, "8.8.8.8", HostOnly("8.8.8.8"))
}
