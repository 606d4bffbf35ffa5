// Package proxy implements the wake-on-connect sidecar: a protocol-opaque
// relay that fronts a hibernated game container, signals the control plane
// when a player connects, buffers the player's first bytes through the cold
// start and then splices the session onto the live target.
package proxy

import (
	"context"
	"fmt"

	"github.com/wakegate/wakegate/internal/config"
)

// maxHoldBuffer caps the bytes buffered per TCP session during a hold
// window. Overflow closes the session.
const maxHoldBuffer = 64 * 1024

// maxDatagramQueue caps the datagrams queued per UDP session during a hold
// window. Overflow drops the oldest datagram.
const maxDatagramQueue = 32

// Runner is a protocol-specific proxy listener.
type Runner interface {
	Run(ctx context.Context) error
}

// Option customises a proxy, mainly for tests.
type Option func(*options)

type options struct {
	prober Prober
	waker  Waker
	hook   Hook
}

// WithProber replaces the default TCP dial prober.
func WithProber(p Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithWaker replaces the default webhook waker.
func WithWaker(w Waker) Option {
	return func(o *options) { o.waker = w }
}

// WithHook installs a payload-inspection hook on the relay.
func WithHook(h Hook) Option {
	return func(o *options) { o.hook = h }
}

// New builds the proxy for the configured protocol.
func New(cfg config.Proxy, opts ...Option) (Runner, error) {
	o := options{
		prober: NewDialProber(cfg.TargetHost, cfg.TargetPort),
		waker:  NewWebhookWaker(cfg.WebhookURL, cfg.ServerID, cfg.WebhookToken),
	}
	for _, opt := range opts {
		opt(&o)
	}

	switch cfg.Protocol {
	case "tcp":
		return NewTCPProxy(cfg, o.prober, o.waker, o.hook), nil
	case "udp":
		return NewUDPProxy(cfg, o.prober, o.waker, o.hook), nil
	}
	return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
}
