package proxy

import (
	"context"
	"net"
	"strconv"
	"time"
)

const probeTimeout = 2 * time.Second

// Prober answers whether the target accepts TCP connections right now.
// The same TCP probe is used for UDP targets: the game container exposes
// both, and a completed connect is the authoritative readiness signal.
type Prober interface {
	Reachable(ctx context.Context) bool
}

// DialProber probes by opening and immediately closing a TCP connection.
type DialProber struct {
	addr    string
	timeout time.Duration
}

// NewDialProber creates a prober for host:port with the standard 2 s cap.
func NewDialProber(host string, port int) *DialProber {
	return &DialProber{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		timeout: probeTimeout,
	}
}

// Reachable reports whether a TCP connect to the target completes within
// the probe timeout. Any error counts as unreachable.
func (p *DialProber) Reachable(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
