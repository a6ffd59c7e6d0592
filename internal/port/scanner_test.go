package port

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenTCP binds an OS-assigned TCP port and returns it with its listener.
func listenTCP(t *testing.T) (int, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	addr, ok := ln.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port, ln
}

func TestScanner_IsPortAvailable(t *testing.T) {
	scanner := NewScanner()

	t.Run("released tcp port", func(t *testing.T) {
		port, ln := listenTCP(t)
		require.NoError(t, ln.Close())
		assert.True(t, scanner.IsPortAvailable(port, "tcp"))
	})

	t.Run("bound tcp port", func(t *testing.T) {
		used, _ := listenTCP(t)
		assert.False(t, scanner.IsPortAvailable(used, "tcp"))
	})

	t.Run("bound udp port", func(t *testing.T) {
		conn, err := net.ListenPacket("udp", ":0")
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		addr, ok := conn.LocalAddr().(*net.UDPAddr)
		require.True(t, ok)
		assert.False(t, scanner.IsPortAvailable(addr.Port, "udp"))
	})

	t.Run("unknown protocol fails safe", func(t *testing.T) {
		assert.False(t, scanner.IsPortAvailable(50000, "sctp"))
	})
}
