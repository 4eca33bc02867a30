package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/marlonbarreto-git/boom-payment-core/internal/clock"
	"github.com/marlonbarreto-git/boom-payment-core/internal/config"
	"github.com/marlonbarreto-git/boom-payment-core/internal/deadletter"
	"github.com/marlonbarreto-git/boom-payment-core/internal/handler"
	"github.com/marlonbarreto-git/boom-payment-core/internal/orchestrator"
	"github.com/marlonbarreto-git/boom-payment-core/internal/proxypool"
	"github.com/marlonbarreto-git/boom-payment-core/internal/ratelimit"
	"github.com/marlonbarreto-git/boom-payment-core/internal/webhook"
)

const shutdownGrace = 30 * time.Second

// app is the fully wired core: one proxy pool, an outbound limiter shared by
// every delivery, an inbound limiter guarding the ops API and the dispatcher
// that ties them together.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pool       *proxypool.Pool
	outbound   *ratelimit.Limiter
	inbound    *ratelimit.Limiter
	deadLetter deadletter.Sink
	orch       *orchestrator.Orchestrator
	mux        *http.ServeMux
}

func newApp(cfg *config.Config, logger *slog.Logger, clk clock.Clock) (*app, error) {
	pool, err := newPool(cfg, logger, clk)
	if err != nil {
		return nil, err
	}

	outbound, err := ratelimit.NewLimiterWithConfig(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window, clk)
	if err != nil {
		return nil, err
	}
	outbound.SetLogger(logger)
	inbound, err := ratelimit.NewLimiterWithConfig(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window, clk)
	if err != nil {
		return nil, err
	}
	inbound.SetLogger(logger)

	sink := deadletter.New(cfg.DeadLetter, logger)

	d, err := webhook.NewDispatcher(webhook.Options{
		Limiter:     outbound,
		Proxies:     pool,
		DeadLetter:  sink,
		Clock:       clk,
		Logger:      logger,
		MaxAttempts: cfg.Webhook.MaxAttempts,
		Timeout:     cfg.Webhook.Timeout,
		BaseDelay:   cfg.Webhook.BaseDelay,
		Routing: webhook.Routing{
			ViaProxy:       cfg.Webhook.ViaProxy,
			DirectFallback: cfg.Webhook.DirectFallback,
		},
	})
	if err != nil {
		return nil, err
	}

	subs := make([]orchestrator.Subscriber, 0, len(cfg.Subscribers))
	for _, s := range cfg.Subscribers {
		subs = append(subs, orchestrator.Subscriber{URL: s.URL, Secret: s.Secret, Events: s.Events})
	}
	orch := orchestrator.New(d, subs)
	orch.SetLogger(logger)

	h := handler.New(orch, pool, inbound, sink)
	h.SetLogger(logger)
	h.SetTrustForwardedFor(cfg.Server.TrustForwardedFor)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	return &app{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		outbound:   outbound,
		inbound:    inbound,
		deadLetter: sink,
		orch:       orch,
		mux:        mux,
	}, nil
}

func newPool(cfg *config.Config, logger *slog.Logger, clk clock.Clock) (*proxypool.Pool, error) {
	pool := proxypool.NewPool(proxypool.Options{
		MaxFails:      cfg.Proxy.MaxFails,
		ProbeInterval: cfg.Proxy.ProbeInterval,
		ProbeTimeout:  cfg.Proxy.ProbeTimeout,
		ProbeURL:      cfg.Proxy.ProbeURL,
		ProbeRate:     cfg.Proxy.ProbeRate,
		Clock:         clk,
		Logger:        logger,
	})
	if cfg.Proxy.File == "" {
		return pool, nil
	}

	endpoints, err := proxypool.LoadFile(cfg.Proxy.File)
	if err != nil {
		return nil, err
	}
	if err := pool.Load(endpoints); err != nil {
		return nil, err
	}
	logger.Info("proxy_pool_loaded", "file", cfg.Proxy.File, "endpoints", len(endpoints))
	return pool, nil
}

// run serves the ops API and the background loops until ctx is done, then
// drains in-flight deliveries.
func (a *app) run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go a.pool.Start(ctx)
	go a.outbound.Start(ctx, a.cfg.RateLimit.SweepInterval)
	go a.inbound.Start(ctx, a.cfg.RateLimit.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server_starting", "addr", a.cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	a.pool.Stop()
	a.drain(shutdownGrace)

	if c, ok := a.deadLetter.(io.Closer); ok {
		_ = c.Close()
	}
	a.logger.Info("server_stopped")
	return runErr
}

// drain waits for in-flight deliveries, giving up after grace.
func (a *app) drain(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		a.orch.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		a.logger.Warn("deliveries_still_in_flight", "grace", grace.String())
		return false
	}
}
