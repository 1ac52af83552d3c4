package app

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/netprobe/internal/probe"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestSupervisorRestart(t *testing.T) {
	server := startDNS(t)
	path := filepath.Join(t.TempDir(), "probe.yaml")
	writeConfig(t, path, probeConfig(server, ""))

	sup := NewSupervisor(path, testLogger())
	require.NoError(t, sup.Start())
	defer sup.Stop()
	first := sup.Runtime()
	require.NotNil(t, first)

	writeConfig(t, path, "service: {id: a}\n")
	require.Error(t, sup.Restart())
	assert.Same(t, first, sup.Runtime(), "invalid config keeps the running runtime")

	writeConfig(t, path, probeConfig(server, ""))
	require.NoError(t, sup.Restart())
	second := sup.Runtime()
	require.NotNil(t, second)
	assert.NotSame(t, first, second)

	sup.Stop()
	assert.Nil(t, sup.Runtime())
}

func controlSection(port int) string {
	return `
control:
  enabled: true
  auth_token: secret
  bind_port: ` + strconv.Itoa(port) + "\n"
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestSupervisorRestartKeepsRuntimeOnBuildError(t *testing.T) {
	server := startDNS(t)
	path := filepath.Join(t.TempDir(), "probe.yaml")
	writeConfig(t, path, probeConfig(server, ""))

	sup := NewSupervisor(path, testLogger())
	require.NoError(t, sup.Start())
	defer sup.Stop()
	first := sup.Runtime()

	writeConfig(t, path, probeConfig(server, "geoip: {database: /nonexistent.mmdb}\n"))
	require.Error(t, sup.Restart())
	require.Same(t, first, sup.Runtime())

	// The old generation keeps measuring.
	local, ok := first.Scheduler().Lookup(probe.Identity{Kind: probe.KindDNS, Name: "local"})
	require.True(t, ok)
	before := local.State().Total
	require.Eventually(t, func() bool { return local.State().Total > before+1 }, 5*time.Second, 20*time.Millisecond)
}

func TestSupervisorRestartRestoresPreviousOnStartError(t *testing.T) {
	server := startDNS(t)
	path := filepath.Join(t.TempDir(), "probe.yaml")
	writeConfig(t, path, probeConfig(server, ""))

	sup := NewSupervisor(path, testLogger())
	require.NoError(t, sup.Start())
	defer sup.Stop()
	first := sup.Runtime()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	writeConfig(t, path, probeConfig(server, controlSection(busy.Addr().(*net.TCPAddr).Port)))

	require.Error(t, sup.Restart())
	restored := sup.Runtime()
	require.NotNil(t, restored)
	assert.NotSame(t, first, restored)
	assert.Empty(t, restored.ControlAddr(), "previous configuration had no control server")
	require.Eventually(t, func() bool {
		p, ok := restored.Scheduler().Lookup(probe.Identity{Kind: probe.KindDNS, Name: "local"})
		return ok && p.State().Up
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSupervisorRestartReusesControlPort(t *testing.T) {
	server := startDNS(t)
	port := freePort(t)
	path := filepath.Join(t.TempDir(), "probe.yaml")
	writeConfig(t, path, probeConfig(server, controlSection(port)))

	sup := NewSupervisor(path, testLogger())
	require.NoError(t, sup.Start())
	defer sup.Stop()
	first := sup.Runtime()
	addr := first.ControlAddr()
	require.NotEmpty(t, addr)

	require.NoError(t, sup.Restart())
	second := sup.Runtime()
	assert.NotSame(t, first, second)
	assert.Equal(t, addr, second.ControlAddr())
}

func TestSupervisorStartMissingFile(t *testing.T) {
	sup := NewSupervisor(filepath.Join(t.TempDir(), "missing.yaml"), testLogger())
	require.Error(t, sup.Start())
	assert.Nil(t, sup.Runtime())
	sup.Stop()
}

func TestSupervisorWatchReloads(t *testing.T) {
	server := startDNS(t)
	path := filepath.Join(t.TempDir(), "probe.yaml")
	writeConfig(t, path, probeConfig(server, ""))

	sup := NewSupervisor(path, testLogger())
	require.NoError(t, sup.Start())
	defer sup.Stop()
	first := sup.Runtime()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Watch(ctx, 50*time.Millisecond) }()

	// Give the watcher time to register before touching the file.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, probeConfig(server, "# edited\n"))

	require.Eventually(t, func() bool {
		rt := sup.Runtime()
		return rt != nil && rt != first
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}
