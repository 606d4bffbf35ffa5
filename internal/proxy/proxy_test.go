package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wakegate/wakegate/internal/config"
)

// fakeProber flips reachability on demand.
type fakeProber struct {
	reachable atomic.Bool
}

func (f *fakeProber) Reachable(ctx context.Context) bool { return f.reachable.Load() }

func (f *fakeProber) set(up bool) { f.reachable.Store(up) }

// fakeWaker counts notifications and runs an optional callback, typically
// used to start the backend and flip the prober like a real wake would.
type fakeWaker struct {
	mu       sync.Mutex
	notified int
	onNotify func()
}

func (f *fakeWaker) Notify(ctx context.Context) error {
	f.mu.Lock()
	f.notified++
	cb := f.onNotify
	f.onNotify = nil
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (f *fakeWaker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notified
}

func testProxyConfig(targetPort int) config.Proxy {
	return config.Proxy{
		TargetHost:    "127.0.0.1",
		TargetPort:    targetPort,
		Protocol:      "tcp",
		WebhookURL:    "http://127.0.0.1:1/api/webhook/wake",
		ServerID:      1,
		WebhookToken:  "tok",
		HoldTimeout:   5 * time.Second,
		RetryInterval: 50 * time.Millisecond,
	}
}

func TestNew_DispatchesOnProtocol(t *testing.T) {
	cfg := testProxyConfig(25565)

	cfg.Protocol = "tcp"
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New(tcp): %v", err)
	}
	if _, ok := r.(*TCPProxy); !ok {
		t.Errorf("New(tcp) = %T, want *TCPProxy", r)
	}

	cfg.Protocol = "udp"
	r, err = New(cfg)
	if err != nil {
		t.Fatalf("New(udp): %v", err)
	}
	if _, ok := r.(*UDPProxy); !ok {
		t.Errorf("New(udp) = %T, want *UDPProxy", r)
	}

	cfg.Protocol = "icmp"
	if _, err := New(cfg); err == nil {
		t.Error("expected error for unknown protocol")
	}
}
