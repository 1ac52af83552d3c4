package util

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoolValue(t *testing.T) {
	assert.True(t, BoolValue(nil, true))
	assert.False(t, BoolValue(nil, false))
	val := true
	assert.True(t, BoolValue(&val, false))
	val = false
	assert.False(t, BoolValue(&val, true))
}

func TestIntValue(t *testing.T) {
	assert.Equal(t, 7, IntValue(nil, 7))
	zero := 0
	assert.Equal(t, 0, IntValue(&zero, 7))
}

func TestMilliseconds(t *testing.T) {
	assert.InDelta(t, 11.26, Milliseconds(11260*time.Microsecond), 1e-9)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":         slog.LevelInfo,
		"debug":    slog.LevelDebug,
		"WARNING":  slog.LevelWarn,
		"critical": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netprobe.log")
	logger, closer, err := NewLoggerWith(LogOptions{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	logger.Info("hello", "probe", "dns/a")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"probe":"dns/a"`)
}

func TestNewLoggerWithRejectsFormat(t *testing.T) {
	_, _, err := NewLoggerWith(LogOptions{Format: "xml"})
	assert.Error(t, err)
}
