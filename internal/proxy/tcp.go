package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/wakegate/wakegate/internal/config"
)

const backendDialTimeout = 5 * time.Second

// TCPProxy accepts player connections and bridges each one onto the target,
// waking it first if needed. One goroutine per session plus two copy loops
// once bridged; a session failure never affects the listener.
type TCPProxy struct {
	cfg    config.Proxy
	prober Prober
	waker  Waker
	hook   Hook

	listener net.Listener
	mu       sync.Mutex
}

// NewTCPProxy creates a TCP proxy. Use proxy.New unless wiring tests.
func NewTCPProxy(cfg config.Proxy, prober Prober, waker Waker, hook Hook) *TCPProxy {
	return &TCPProxy{cfg: cfg, prober: prober, waker: waker, hook: hook}
}

// Addr returns the listen address, or nil before Run.
func (p *TCPProxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Run listens on 0.0.0.0:ListenPort and serves until ctx is cancelled.
func (p *TCPProxy) Run(ctx context.Context) error {
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(p.cfg.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	return p.Serve(ctx, ln)
}

// Serve accepts sessions on a ready listener. Split from Run for tests
// that want an ephemeral port.
func (p *TCPProxy) Serve(ctx context.Context, ln net.Listener) error {
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("tcp proxy listening", "address", ln.Addr(), "target", p.cfg.TargetHost)

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Error("accept failed", "error", err)
			continue
		}
		wg.Go(func() {
			p.handleConn(ctx, conn)
		})
	}
	wg.Wait()
	return nil
}

// handleConn drives one session through the ACCEPTED → WAKING → BRIDGING
// machine. The client connection is always closed on return.
func (p *TCPProxy) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr()
	slog.Info("new connection", "remote", remote)

	if p.prober.Reachable(ctx) {
		p.bridge(ctx, conn, nil)
		return
	}

	slog.Info("target unreachable, initiating wake", "remote", remote)
	p.wakeAsync(ctx)

	buffered, ok := p.hold(ctx, conn)
	if !ok {
		return
	}

	slog.Info("target reachable, bridging", "remote", remote, "buffered_bytes", len(buffered))
	p.bridge(ctx, conn, buffered)
}

// wakeAsync fires the webhook without blocking the session. A failure is
// logged; the hold loop retries implicitly via the next new connection.
func (p *TCPProxy) wakeAsync(ctx context.Context) {
	go func() {
		if err := p.waker.Notify(ctx); err != nil {
			slog.Warn("wake webhook failed", "error", err)
		}
	}()
}

// hold keeps the client open while the target cold-starts. It alternates
// deadline-bounded reads (buffering whatever the client sends) with
// reachability probes until the target is up, the hold window expires or
// the buffer overflows. Returns the buffered bytes and whether to bridge.
func (p *TCPProxy) hold(ctx context.Context, conn net.Conn) ([]byte, bool) {
	start := time.Now()
	readBuf := make([]byte, relayBufSize)
	var buffered []byte

	for {
		if ctx.Err() != nil {
			return nil, false
		}
		if time.Since(start) >= p.cfg.HoldTimeout {
			slog.Warn("hold timeout, target did not come online", "remote", conn.RemoteAddr())
			return nil, false
		}

		// Read with a deadline so probes interleave with client data.
		// A timeout here is not an error, it just yields to the probe.
		if err := conn.SetReadDeadline(time.Now().Add(p.cfg.RetryInterval)); err != nil {
			return nil, false
		}
		n, err := conn.Read(readBuf)
		if n > 0 {
			if len(buffered)+n > maxHoldBuffer {
				slog.Warn("hold buffer overflow, closing session",
					"remote", conn.RemoteAddr(), "buffered", len(buffered))
				return nil, false
			}
			buffered = append(buffered, readBuf[:n]...)
		}
		if err != nil {
			var ne net.Error
			if !(errors.As(err, &ne) && ne.Timeout()) {
				slog.Info("client gone during hold", "remote", conn.RemoteAddr(), "error", err)
				return nil, false
			}
		}

		if p.prober.Reachable(ctx) {
			if err := conn.SetReadDeadline(time.Time{}); err != nil {
				return nil, false
			}
			return buffered, true
		}
	}
}

// bridge opens the backend connection, flushes any held bytes and enters
// full-duplex relay. The target already probed reachable, so a connect
// failure here closes the session rather than falling back to waking.
func (p *TCPProxy) bridge(ctx context.Context, conn net.Conn, buffered []byte) {
	d := net.Dialer{Timeout: backendDialTimeout}
	addr := net.JoinHostPort(p.cfg.TargetHost, strconv.Itoa(p.cfg.TargetPort))
	target, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		slog.Error("backend connect failed", "target", addr, "error", err)
		return
	}

	if len(buffered) > 0 {
		if _, err := target.Write(buffered); err != nil {
			slog.Error("flushing hold buffer failed", "target", addr, "error", err)
			target.Close()
			return
		}
	}

	relay(conn, target, p.hook)
}
