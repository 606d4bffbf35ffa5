package orchestrator

import (
	"fmt"
	"net"
	"sync"
)

const maxPortAttempts = 10

// PortAllocator hands out free public TCP ports. Candidates come from a
// transient bind to :0, but a mutex-guarded reservation set ensures two
// concurrent deploys never receive the same port. The reservation is held
// until the proxy container has actually bound it.
type PortAllocator struct {
	mu       sync.Mutex
	reserved map[int]struct{}
}

// NewPortAllocator creates an empty allocator.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{reserved: make(map[int]struct{})}
}

// Allocate reserves a free ephemeral port and returns it together with a
// release function. Call release once the port is bound by its container
// (or the deploy failed).
func (a *PortAllocator) Allocate() (int, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for range maxPortAttempts {
		port, err := probeFreePort()
		if err != nil {
			return 0, nil, err
		}
		if _, taken := a.reserved[port]; taken {
			continue
		}
		a.reserved[port] = struct{}{}
		release := func() {
			a.mu.Lock()
			delete(a.reserved, port)
			a.mu.Unlock()
		}
		return port, release, nil
	}
	return 0, nil, fmt.Errorf("no free port found after %d attempts", maxPortAttempts)
}

// Reserved reports whether the port is currently reserved. Test hook.
func (a *PortAllocator) Reserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reserved[port]
	return ok
}

func probeFreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("probing for a free port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port, nil
}
