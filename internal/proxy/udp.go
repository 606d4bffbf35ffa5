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

const (
	maxDatagramSize  = 64 * 1024
	udpSessionTTL    = 5 * time.Minute
	udpJanitorPeriod = 30 * time.Second
)

// UDPProxy relays datagrams between players and the target. Sessions are
// keyed by client address; each gets its own backend socket so replies can
// be routed back. Datagrams that arrive during a cold start are queued and
// drained FIFO once the target is up.
type UDPProxy struct {
	cfg    config.Proxy
	prober Prober
	waker  Waker
	hook   Hook

	ln *net.UDPConn

	mu       sync.Mutex
	sessions map[string]*udpSession
}

// udpSession tracks one client address. All fields are guarded by mu;
// forwarding and queue draining both happen under it, which is what keeps
// client→target datagram order intact.
type udpSession struct {
	key        string
	clientAddr *net.UDPAddr

	mu         sync.Mutex
	backend    *net.UDPConn
	queue      [][]byte
	waking     bool
	lastActive time.Time
}

// NewUDPProxy creates a UDP proxy. Use proxy.New unless wiring tests.
func NewUDPProxy(cfg config.Proxy, prober Prober, waker Waker, hook Hook) *UDPProxy {
	return &UDPProxy{
		cfg:      cfg,
		prober:   prober,
		waker:    waker,
		hook:     hook,
		sessions: make(map[string]*udpSession),
	}
}

// LocalAddr returns the bound listen address, or nil before Run.
func (p *UDPProxy) LocalAddr() net.Addr {
	if p.ln == nil {
		return nil
	}
	return p.ln.LocalAddr()
}

// Run binds 0.0.0.0:ListenPort and relays until ctx is cancelled.
func (p *UDPProxy) Run(ctx context.Context) error {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: p.cfg.ListenPort})
	if err != nil {
		return fmt.Errorf("listening on udp :%d: %w", p.cfg.ListenPort, err)
	}
	return p.Serve(ctx, ln)
}

// Serve relays on a ready socket. Split from Run for tests that want an
// ephemeral port.
func (p *UDPProxy) Serve(ctx context.Context, ln *net.UDPConn) error {
	p.ln = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go p.janitor(ctx)

	slog.Info("udp proxy listening", "address", ln.LocalAddr(), "target", p.cfg.TargetHost)

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := ln.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Error("udp read failed", "error", err)
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		p.session(addr).handle(ctx, p, datagram)
	}

	p.closeAll()
	return nil
}

func (p *UDPProxy) session(addr *net.UDPAddr) *udpSession {
	key := addr.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[key]
	if !ok {
		s = &udpSession{key: key, clientAddr: addr, lastActive: time.Now()}
		p.sessions[key] = s
		slog.Info("new udp session", "client", key)
	}
	return s
}

func (p *UDPProxy) dropSession(s *udpSession) {
	p.mu.Lock()
	delete(p.sessions, s.key)
	p.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		s.backend.Close()
		s.backend = nil
	}
	s.queue = nil
}

func (p *UDPProxy) closeAll() {
	p.mu.Lock()
	sessions := make([]*udpSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()
	for _, s := range sessions {
		p.dropSession(s)
	}
}

// janitor expires sessions that went quiet so the session map stays bounded.
func (p *UDPProxy) janitor(ctx context.Context) {
	ticker := time.NewTicker(udpJanitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		var stale []*udpSession
		for _, s := range p.sessions {
			s.mu.Lock()
			idle := time.Since(s.lastActive)
			s.mu.Unlock()
			if idle > udpSessionTTL {
				stale = append(stale, s)
			}
		}
		p.mu.Unlock()

		for _, s := range stale {
			slog.Info("expiring idle udp session", "client", s.key)
			p.dropSession(s)
		}
	}
}

// handle routes one inbound datagram. Steady-state forwarding, queueing
// during a wake and kicking off the wake task all happen under the session
// lock, which is what guarantees FIFO delivery to the target.
func (s *udpSession) handle(ctx context.Context, p *UDPProxy, datagram []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()

	switch {
	case s.backend != nil:
		s.forwardLocked(p, datagram)
	case s.waking:
		s.enqueueLocked(datagram)
	default:
		// First datagram from this client while the target is cold (or of
		// unknown state). Queue it and let the wake task decide: if the
		// target turns out to be up the queue is flushed immediately.
		s.waking = true
		s.enqueueLocked(datagram)
		go s.wakeAndHold(ctx, p)
	}
}

func (s *udpSession) forwardLocked(p *UDPProxy, datagram []byte) {
	if p.hook != nil {
		datagram = p.hook(ClientToTarget, datagram)
	}
	if _, err := s.backend.Write(datagram); err != nil {
		slog.Warn("udp forward failed", "client", s.key, "error", err)
	}
}

func (s *udpSession) enqueueLocked(datagram []byte) {
	if len(s.queue) >= maxDatagramQueue {
		slog.Warn("udp queue full, dropping oldest datagram", "client", s.key)
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, datagram)
}

// wakeAndHold probes the target, fires the wake webhook if it is down and
// waits for it to come up, then opens the backend socket and drains the
// queue in order. Gives up after the hold timeout and drops the session.
func (s *udpSession) wakeAndHold(ctx context.Context, p *UDPProxy) {
	if p.prober.Reachable(ctx) {
		s.openBackend(ctx, p)
		return
	}

	slog.Info("udp target unreachable, initiating wake", "client", s.key)
	if err := p.waker.Notify(ctx); err != nil {
		slog.Warn("wake webhook failed", "error", err)
	}

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			p.dropSession(s)
			return
		case <-time.After(p.cfg.RetryInterval):
		}

		if time.Since(start) >= p.cfg.HoldTimeout {
			slog.Warn("udp hold timeout, dropping session", "client", s.key)
			p.dropSession(s)
			return
		}
		if p.prober.Reachable(ctx) {
			s.openBackend(ctx, p)
			return
		}
	}
}

// openBackend dials the per-client target socket, flushes the queue FIFO
// and starts the reply loop.
func (s *udpSession) openBackend(ctx context.Context, p *UDPProxy) {
	addr := net.JoinHostPort(p.cfg.TargetHost, strconv.Itoa(p.cfg.TargetPort))
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		slog.Error("resolving udp target failed", "target", addr, "error", err)
		p.dropSession(s)
		return
	}
	backend, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		slog.Error("udp backend dial failed", "target", addr, "error", err)
		p.dropSession(s)
		return
	}

	s.mu.Lock()
	for _, d := range s.queue {
		if p.hook != nil {
			d = p.hook(ClientToTarget, d)
		}
		if _, err := backend.Write(d); err != nil {
			slog.Warn("flushing udp queue failed", "client", s.key, "error", err)
			break
		}
	}
	s.queue = nil
	s.backend = backend
	s.waking = false
	s.mu.Unlock()

	go s.copyFromBackend(p, backend)
}

// copyFromBackend relays target replies back to the client address.
func (s *udpSession) copyFromBackend(p *UDPProxy, backend *net.UDPConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := backend.Read(buf)
		if err != nil {
			return
		}
		reply := buf[:n]
		if p.hook != nil {
			reply = p.hook(TargetToClient, reply)
		}
		if _, err := p.ln.WriteToUDP(reply, s.clientAddr); err != nil {
			slog.Warn("udp reply failed", "client", s.key, "error", err)
			return
		}
	}
}
