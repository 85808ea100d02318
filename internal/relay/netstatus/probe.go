package netstatus

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// Prober periodically dials a target and drives a Manual monitor from the
// result. It exists so deployments without a host-provided signal can still
// observe offline/online transitions.
type Prober struct {
	monitor  *Manual
	target   string
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	dial     func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewProber wires a dial probe around the given monitor. Target is a host:port
// expected to accept TCP connections while the network is reachable.
func NewProber(monitor *Manual, target string, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	dialer := &net.Dialer{}
	return &Prober{
		monitor:  monitor,
		target:   target,
		interval: interval,
		timeout:  3 * time.Second,
		logger:   logger,
		dial:     dialer.DialContext,
	}
}

// Run probes until the context is cancelled. Intended to run on its own
// goroutine from process wiring.
func (p *Prober) Run(ctx context.Context) {
	if p.monitor == nil || p.target == "" {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(dialCtx, "tcp", p.target)
	online := err == nil
	if conn != nil {
		_ = conn.Close()
	}
	was := p.monitor.Online()
	p.monitor.SetOnline(online)
	if was != online && p.logger != nil {
		p.logger.Info("connectivity changed",
			slog.Bool("online", online),
			slog.String("target", p.target))
	}
}
