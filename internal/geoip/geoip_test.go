package geoip

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenEmptyPathIsNoop(t *testing.T) {
	a, err := Open("")
	require.NoError(t, err)
	require.Nil(t, a)

	attrs, err := a.Annotate("192.0.2.1", map[string]string{"x": "y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x": "y"}, attrs)
	info, err := a.Lookup(net.ParseIP("192.0.2.1"))
	require.NoError(t, err)
	assert.True(t, info.Empty())
	assert.NoError(t, a.Close())
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.mmdb"))
	require.Error(t, err)
}

func TestOpenInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.mmdb")
	require.NoError(t, os.WriteFile(path, []byte("not a database"), 0o600))
	_, err := Open(path)
	require.Error(t, err)
}

func TestInfoAttributes(t *testing.T) {
	info := Info{Country: "DE", ASN: 3320, ASOrg: "Deutsche Telekom AG"}
	assert.Equal(t, map[string]string{
		AttrCountry: "DE",
		AttrASN:     "AS3320",
		AttrASOrg:   "Deutsche Telekom AG",
	}, info.Attributes())
	assert.Empty(t, Info{}.Attributes())
	assert.True(t, Info{}.Empty())
}

func TestAnnotateWithDatabase(t *testing.T) {
	path := os.Getenv("GEOIP_DB")
	if path == "" {
		t.Skip("GEOIP_DB not set")
	}
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Annotate("dns.google", nil)
	assert.ErrorIs(t, err, ErrNotIP)

	attrs, err := a.Annotate("8.8.8.8:53", map[string]string{AttrCountry: "override"})
	require.NoError(t, err)
	assert.Equal(t, "override", attrs[AttrCountry])
	assert.NotEmpty(t, attrs)
}
