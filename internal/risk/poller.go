package risk

import (
	"context"
	"log/slog"
	"time"
)

// Poller runs Sweep on a fixed interval.
type Poller struct {
	engine   *Engine
	interval time.Duration
}

// NewPoller creates a poller. A non-positive interval disables it; sweeps
// then only run through the internal endpoint.
func NewPoller(e *Engine, interval time.Duration) *Poller {
	return &Poller{engine: e, interval: interval}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if p.interval <= 0 {
		slog.Info("tpsl poller disabled")
		return
	}
	slog.Info("tpsl poller started", "interval", p.interval.String())

	p.tick(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("tpsl poller stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if _, err := p.engine.Sweep(ctx); err != nil && ctx.Err() == nil {
		slog.Error("tpsl sweep failed", "err", err)
	}
}
