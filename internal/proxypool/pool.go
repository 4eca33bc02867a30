// Package proxypool keeps the set of egress proxy endpoints, rotates across
// the healthy ones and probes every endpoint periodically.
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"

	"github.com/marlonbarreto-git/boom-payment-core/internal/clock"
	"github.com/marlonbarreto-git/boom-payment-core/internal/config"
	"github.com/marlonbarreto-git/boom-payment-core/internal/model"
)

var (
	// ErrProxyUnavailable is returned by Select when no endpoint is a candidate.
	ErrProxyUnavailable = errors.New("no proxy endpoint available")
	// ErrUnknownEndpoint is returned for operations on an unregistered ID.
	ErrUnknownEndpoint = errors.New("unknown proxy endpoint")
)

// ProbeFunc checks a single endpoint. A nil error counts as healthy.
type ProbeFunc func(ctx context.Context, ep model.ProxyEndpoint) error

// Options configures a Pool. Zero values fall back to the package defaults.
type Options struct {
	MaxFails      int
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	ProbeURL      string
	ProbeRate     int
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Pool owns the endpoint table and the rotation cursor.
// Every mutation happens under mu so FailCount and IsActive change together.
type Pool struct {
	mu        sync.Mutex
	endpoints []*model.ProxyEndpoint
	cursor    int

	maxFails      int
	probeInterval time.Duration
	probeTimeout  time.Duration
	probeURL      string
	probe         ProbeFunc
	pacer         *rate.Limiter
	transports    *TransportCache
	clock         clock.Clock
	logger        *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewPool creates an empty pool.
func NewPool(opts Options) *Pool {
	if opts.MaxFails <= 0 {
		opts.MaxFails = config.ProxyMaxFails
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = config.ProxyProbeInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = config.ProxyProbeTimeout
	}
	if opts.ProbeURL == "" {
		opts.ProbeURL = config.ProxyProbeURL
	}
	if opts.ProbeRate <= 0 {
		opts.ProbeRate = config.ProxyProbeRate
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		maxFails:      opts.MaxFails,
		probeInterval: opts.ProbeInterval,
		probeTimeout:  opts.ProbeTimeout,
		probeURL:      opts.ProbeURL,
		pacer:         rate.NewLimiter(rate.Limit(opts.ProbeRate), opts.ProbeRate),
		transports:    NewTransportCache(),
		clock:         opts.Clock,
		logger:        opts.Logger,
		ctx:           ctx,
		cancel:        cancel,
	}
	p.probe = p.defaultProbe
	return p
}

// AddEndpoint registers an endpoint. A duplicate ID replaces the existing
// entry in place, keeping its position in the rotation order.
func (p *Pool) AddEndpoint(cfg model.EndpointConfig) error {
	ep, err := p.build(cfg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if i := p.indexOf(ep.ID); i >= 0 {
		p.endpoints[i] = ep
		p.transports.Evict(ep.ID)
		p.logger.Info("proxy_endpoint_replaced", "proxy_id", ep.ID, "addr", ep.Addr())
		return nil
	}
	p.endpoints = append(p.endpoints, ep)
	p.logger.Info("proxy_endpoint_added",
		"proxy_id", ep.ID,
		"addr", ep.Addr(),
		"protocol", string(ep.Protocol),
	)
	return nil
}

// Load registers every record, stopping at the first invalid one.
func (p *Pool) Load(cfgs []model.EndpointConfig) error {
	for _, c := range cfgs {
		if err := p.AddEndpoint(c); err != nil {
			return err
		}
	}
	return nil
}

// RemoveEndpoint deletes an endpoint. Removal only ever happens here.
func (p *Pool) RemoveEndpoint(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	p.endpoints = slices.Delete(p.endpoints, i, i+1)
	p.transports.Evict(id)
	p.logger.Info("proxy_endpoint_removed", "proxy_id", id)
	return nil
}

// Select returns the next candidate endpoint in round-robin order.
// It never makes a network call and never falls back to a direct connection.
func (p *Pool) Select() (model.ProxyEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*model.ProxyEndpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.IsCandidate() {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		return model.ProxyEndpoint{}, ErrProxyUnavailable
	}

	i := p.cursor % len(candidates)
	p.cursor = (i + 1) % len(candidates)
	return *candidates[i], nil
}

// ReportOutcome records the result of a call made through endpoint id.
func (p *Pool) ReportOutcome(id string, success bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep := p.lookup(id)
	if ep == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	if success {
		p.markSuccess(ep)
	} else {
		p.markFailure(ep)
	}
	return nil
}

// SetActive is the operator toggle for an endpoint.
func (p *Pool) SetActive(id string, active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep := p.lookup(id)
	if ep == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	ep.IsActive = active
	if active {
		ep.FailCount = 0
	}
	p.logger.Info("proxy_endpoint_toggled", "proxy_id", id, "active", active)
	return nil
}

// Get returns a copy of the endpoint with the given ID.
func (p *Pool) Get(id string) (model.ProxyEndpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep := p.lookup(id)
	if ep == nil {
		return model.ProxyEndpoint{}, false
	}
	return *ep, true
}

// Endpoints returns a snapshot of every endpoint in configuration order.
func (p *Pool) Endpoints() []model.ProxyEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.ProxyEndpoint, len(p.endpoints))
	for i, ep := range p.endpoints {
		out[i] = *ep
	}
	return out
}

// CandidateCount returns how many endpoints Select can currently return.
func (p *Pool) CandidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, ep := range p.endpoints {
		if ep.IsCandidate() {
			n++
		}
	}
	return n
}

// Client returns an HTTP client routed through ep. Clients for the same
// endpoint share one transport, so idle proxy connections are reused rather
// than accumulated.
func (p *Pool) Client(ep model.ProxyEndpoint) (*http.Client, error) {
	return p.transports.Client(ep)
}

// SetProbeFunc overrides the network probe.
func (p *Pool) SetProbeFunc(fn ProbeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probe = fn
}

func (p *Pool) build(cfg model.EndpointConfig) (*model.ProxyEndpoint, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return nil, config.Invalid("proxy.id", "is required")
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, config.Invalid("proxy."+id+".host", "is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, config.Invalid("proxy."+id+".port", "must be between 1 and 65535")
	}

	protocol := model.Protocol(strings.ToLower(string(cfg.Protocol)))
	if protocol == "" {
		protocol = model.ProtocolHTTP
	}
	if !protocol.Valid() {
		return nil, config.Invalid("proxy."+id+".protocol", fmt.Sprintf("unsupported protocol %q", cfg.Protocol))
	}

	if cfg.TimeoutMs < 0 {
		return nil, config.Invalid("proxy."+id+".timeout_ms", "must not be negative")
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = config.ProxyDefaultTimeout
	}

	maxFails := cfg.MaxFails
	if maxFails < 0 {
		return nil, config.Invalid("proxy."+id+".max_fails", "must not be negative")
	}
	if maxFails == 0 {
		maxFails = p.maxFails
	}

	return &model.ProxyEndpoint{
		ID:       id,
		Host:     strings.TrimSpace(cfg.Host),
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		Protocol: protocol,
		Timeout:  timeout,
		IsActive: true,
		MaxFails: maxFails,
	}, nil
}

// markSuccess and markFailure are called with mu held.
func (p *Pool) markSuccess(ep *model.ProxyEndpoint) {
	if !ep.IsActive || ep.FailCount > 0 {
		p.logger.Info("proxy_endpoint_restored", "proxy_id", ep.ID, "previous_fail_count", ep.FailCount)
	}
	ep.FailCount = 0
	ep.IsActive = true
	ep.LastUsed = p.clock.Now()
}

func (p *Pool) markFailure(ep *model.ProxyEndpoint) {
	ep.FailCount++
	if ep.FailCount >= ep.MaxFails && ep.IsActive {
		ep.IsActive = false
		p.logger.Warn("proxy_endpoint_deactivated",
			"proxy_id", ep.ID,
			"fail_count", ep.FailCount,
			"max_fails", ep.MaxFails,
		)
	}
}

func (p *Pool) indexOf(id string) int {
	return slices.IndexFunc(p.endpoints, func(ep *model.ProxyEndpoint) bool {
		return ep.ID == id
	})
}

func (p *Pool) lookup(id string) *model.ProxyEndpoint {
	if i := p.indexOf(id); i >= 0 {
		return p.endpoints[i]
	}
	return nil
}

func (p *Pool) defaultProbe(ctx context.Context, ep model.ProxyEndpoint) error {
	client, err := p.transports.Client(ep)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}
