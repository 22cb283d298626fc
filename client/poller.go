package client

import (
	"context"
	"sync"
	"time"
)

// FallbackPoller periodically pulls notification state while the channel is
// down. It must never run concurrently with a connected channel for the same
// resources, so Stop cancels the in-flight pull as well as the ticker: once
// Stop returns, no further poll fires and the live path has sole authority.
type FallbackPoller struct {
	interval time.Duration
	pull     func(ctx context.Context)

	mu      *sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func NewFallbackPoller(interval time.Duration, pull func(ctx context.Context)) *FallbackPoller {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &FallbackPoller{
		interval: interval,
		pull:     pull,
		mu:       &sync.Mutex{},
	}
}

// Start begins polling: one pull immediately, then one per interval.
// Idempotent while running.
func (p *FallbackPoller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	p.mu.Unlock()
	go p.loop(ctx)
}

// Stop halts polling immediately. Idempotent.
func (p *FallbackPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.cancel()
	p.cancel = nil
}

func (p *FallbackPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *FallbackPoller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		p.pull(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
