package proxypool

import (
	"context"
	"sync"
	"time"

	"github.com/marlonbarreto-git/boom-payment-core/internal/clock"
	"github.com/marlonbarreto-git/boom-payment-core/internal/model"
)

// ProbeResult is the outcome of probing one endpoint.
type ProbeResult struct {
	ProxyID  string        `json:"proxy_id"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RunHealthProbe probes every registered endpoint, healthy or not.
// Probes run concurrently, each bounded by the probe timeout, and each result
// is applied to its endpoint as soon as it arrives. Probe failures are
// recorded on the endpoint and logged, never returned.
func (p *Pool) RunHealthProbe(ctx context.Context) []ProbeResult {
	p.mu.Lock()
	targets := make([]model.ProxyEndpoint, len(p.endpoints))
	for i, ep := range p.endpoints {
		targets[i] = *ep
	}
	probe := p.probe
	p.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}

	start := p.clock.Now()
	results := make(chan ProbeResult, len(targets))
	var wg sync.WaitGroup

	for _, ep := range targets {
		if err := p.pacer.Wait(ctx); err != nil {
			p.logger.Warn("proxy_probe_cycle_interrupted", "error", err)
			break
		}

		wg.Add(1)
		go func(ep model.ProxyEndpoint) {
			defer wg.Done()
			results <- p.probeOne(ctx, probe, ep)
		}(ep)
	}

	wg.Wait()
	close(results)

	out := make([]ProbeResult, 0, len(targets))
	healthy := 0
	for r := range results {
		if r.Healthy {
			healthy++
		}
		out = append(out, r)
	}

	p.logger.Info("proxy_probe_cycle_completed",
		"probed", len(out),
		"healthy", healthy,
		"failed", len(out)-healthy,
		"duration", p.clock.Now().Sub(start).String(),
	)
	return out
}

func (p *Pool) probeOne(ctx context.Context, probe ProbeFunc, ep model.ProxyEndpoint) ProbeResult {
	pctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	started := time.Now()
	err := probe(pctx, ep)
	res := ProbeResult{
		ProxyID:  ep.ID,
		Healthy:  err == nil,
		Duration: time.Since(started),
	}
	if err != nil {
		res.Error = err.Error()
	}

	p.applyProbe(ep.ID, err)
	return res
}

func (p *Pool) applyProbe(id string, probeErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep := p.lookup(id)
	if ep == nil {
		// Removed while the probe was in flight.
		return
	}
	ep.LastProbe = p.clock.Now()

	if probeErr == nil {
		ep.LastProbeError = ""
		p.markSuccess(ep)
		return
	}

	ep.LastProbeError = probeErr.Error()
	p.markFailure(ep)
	p.logger.Warn("proxy_probe_failed",
		"proxy_id", id,
		"error", probeErr,
		"fail_count", ep.FailCount,
	)
}

// Start runs a probe cycle immediately and then every probe interval until
// ctx is cancelled or Stop is called. It blocks. Start after Stop returns
// at once.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	p.logger.Info("proxy_probe_loop_started", "interval", p.probeInterval.String())
	clock.Every(ctx, p.probeInterval, true, "proxy_health_probe", func(ctx context.Context) {
		p.RunHealthProbe(ctx)
	})
}

// Stop cancels the probe loop, waits for it to exit and closes idle proxy
// connections.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.transports.CloseIdle()
	p.logger.Info("proxy_probe_loop_stopped")
}
