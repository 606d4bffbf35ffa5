// Package testutil holds shared helpers for integration-style tests:
// throwaway listeners, readiness polling and auto-cancelled contexts.
package testutil

import (
	"net"
	"testing"
)

// PipeConn creates a connected net.Conn pair via net.Pipe. Both ends are
// closed when the test finishes.
func PipeConn(t testing.TB) (client, server net.Conn) {
	t.Helper()

	server, client = net.Pipe()

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	return client, server
}

// ListenTCP creates a TCP listener on a random loopback port.
// Returns the listener and its "host:port" address. The listener is closed
// when the test finishes.
func ListenTCP(t testing.TB) (net.Listener, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create TCP listener: %v", err)
	}

	t.Cleanup(func() {
		_ = listener.Close()
	})

	return listener, listener.Addr().String()
}

// ListenUDP creates a UDP socket on a random loopback port.
// Returns the socket and its "host:port" address. The socket is closed when
// the test finishes.
func ListenUDP(t testing.TB) (*net.UDPConn, string) {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to create UDP socket: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn, conn.LocalAddr().String()
}

// FreePort reserves and releases a loopback TCP port, returning its number.
// The port can be re-bound immediately; nothing prevents reuse by another
// process, which is acceptable in tests.
func FreePort(t testing.TB) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to probe for a free port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()
	return port
}
