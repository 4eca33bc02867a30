// Package webhook signs event notifications and delivers them to subscribers
// with bounded retries and exponential backoff.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marlonbarreto-git/boom-payment-core/internal/clock"
	"github.com/marlonbarreto-git/boom-payment-core/internal/config"
	"github.com/marlonbarreto-git/boom-payment-core/internal/deadletter"
	"github.com/marlonbarreto-git/boom-payment-core/internal/model"
	"github.com/marlonbarreto-git/boom-payment-core/internal/proxypool"
	"github.com/marlonbarreto-git/boom-payment-core/internal/ratelimit"
)

// Limiter is the admission check consulted before every attempt.
type Limiter interface {
	Acquire(ctx context.Context, key string, policy ratelimit.Policy) error
}

// ProxySelector hands out egress endpoints and takes back attempt outcomes.
type ProxySelector interface {
	Select() (model.ProxyEndpoint, error)
	ReportOutcome(id string, success bool) error
}

// clientSource hands out clients that share one transport per endpoint.
// *proxypool.Pool implements it.
type clientSource interface {
	Client(ep model.ProxyEndpoint) (*http.Client, error)
}

// Routing controls egress for a job.
type Routing struct {
	// ViaProxy sends every attempt through an endpoint from the proxy pool.
	ViaProxy bool
	// DirectFallback sends the attempt directly when the pool has no
	// candidate. Without it an empty pool fails the job immediately.
	DirectFallback bool
}

// Job is one event notification to one subscriber.
type Job struct {
	ID          string
	Event       string
	Data        any
	URL         string
	Secret      string
	MaxAttempts int
	Timeout     time.Duration
	BaseDelay   time.Duration
	// Routing overrides the dispatcher default when set.
	Routing *Routing
}

// Options configures a Dispatcher. Nil collaborators disable the matching
// feature; zero durations and counts fall back to the package defaults.
type Options struct {
	Client     *http.Client
	ClientFor  func(model.ProxyEndpoint) (*http.Client, error)
	Limiter    Limiter
	Proxies    ProxySelector
	DeadLetter deadletter.Sink
	Clock      clock.Clock
	Logger     *slog.Logger

	MaxAttempts int
	Timeout     time.Duration
	BaseDelay   time.Duration
	Routing     Routing
}

// Dispatcher delivers jobs. Attempts of one job run strictly in sequence;
// separate jobs share nothing but the limiter and the proxy pool.
type Dispatcher struct {
	client     *http.Client
	clientFor  func(model.ProxyEndpoint) (*http.Client, error)
	limiter    Limiter
	proxies    ProxySelector
	deadLetter deadletter.Sink
	clock      clock.Clock
	logger     *slog.Logger

	maxAttempts int
	timeout     time.Duration
	baseDelay   time.Duration
	routing     Routing

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Routing.ViaProxy && opts.Proxies == nil {
		return nil, config.Invalid("webhook.via_proxy", "requires a proxy pool")
	}
	if opts.MaxAttempts < 0 {
		return nil, config.Invalid("webhook.max_attempts", "must be positive")
	}
	if opts.BaseDelay < 0 {
		return nil, config.Invalid("webhook.base_delay", "must not be negative")
	}

	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.ClientFor == nil {
		if src, ok := opts.Proxies.(clientSource); ok {
			opts.ClientFor = src.Client
		} else {
			opts.ClientFor = proxypool.NewTransportCache().Client
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = config.WebhookMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.WebhookTimeout
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = config.WebhookBaseDelay
	}

	return &Dispatcher{
		client:      opts.Client,
		clientFor:   opts.ClientFor,
		limiter:     opts.Limiter,
		proxies:     opts.Proxies,
		deadLetter:  opts.DeadLetter,
		clock:       opts.Clock,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		timeout:     opts.Timeout,
		baseDelay:   opts.BaseDelay,
		routing:     opts.Routing,
	}, nil
}

// Backoff returns the wait after failed attempt n (1-based): base * 2^(n-1).
func Backoff(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 31 {
		n = 31
	}
	return base << (n - 1)
}

// Dispatch delivers job and returns once it reaches a terminal state.
//
// The job moves Pending -> Attempting(1) -> ... and ends Succeeded on the
// first 2xx response or Failed once MaxAttempts attempts have failed. An
// exhausted job returns a *DeliveryError holding every attempt. A pool with
// no candidate ends the job at once with proxypool.ErrProxyUnavailable unless
// the job's routing allows a direct fallback.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) (model.DeliveryResult, error) {
	job = d.withDefaults(job)
	result := model.DeliveryResult{
		JobID: job.ID,
		Event: job.Event,
		URL:   job.URL,
		State: model.DeliveryPending,
	}

	err := validate(job)
	if err == nil && d.routingFor(job).ViaProxy && d.proxies == nil {
		err = config.Invalid("webhook.via_proxy", "requires a proxy pool")
	}
	if err != nil {
		result.State = model.DeliveryFailed
		result.LastError = err.Error()
		return result, err
	}

	body, err := Canonical(BuildPayload(job.Event, job.Data, d.clock.Now()))
	if err != nil {
		result.State = model.DeliveryFailed
		result.LastError = err.Error()
		return result, err
	}
	result.Signature = Sign(body, job.Secret)

	var last error
	for n := 1; n <= job.MaxAttempts; n++ {
		result.State = model.DeliveryAttempting

		attempt, err := d.attempt(ctx, job, n, body, result.Signature)
		if errors.Is(err, proxypool.ErrProxyUnavailable) {
			d.logger.Warn("webhook_no_proxy",
				"job_id", job.ID,
				"url", job.URL,
				"attempt", n,
			)
			return d.fail(ctx, result, body, err), err
		}
		result.Attempts = append(result.Attempts, attempt)

		if err == nil {
			result.State = model.DeliverySucceeded
			result.Retried = n > 1
			d.logger.Info("webhook_delivered",
				"job_id", job.ID,
				"event", job.Event,
				"url", job.URL,
				"status", attempt.StatusCode,
				"total_attempts", n,
			)
			return result, nil
		}

		last = err
		d.logger.Warn("webhook_attempt_failed",
			"job_id", job.ID,
			"url", job.URL,
			"attempt", n,
			"max_attempts", job.MaxAttempts,
			"error", err,
		)

		if n == job.MaxAttempts {
			break
		}

		delay := Backoff(job.BaseDelay, n)
		if err := d.clock.Sleep(ctx, delay); err != nil {
			last = err
			break
		}
	}

	result.Retried = len(result.Attempts) > 1
	derr := &DeliveryError{
		JobID:    job.ID,
		URL:      job.URL,
		Attempts: result.Attempts,
		Last:     last,
	}
	d.logger.Error("webhook_exhausted",
		"job_id", job.ID,
		"event", job.Event,
		"url", job.URL,
		"total_attempts", len(result.Attempts),
		"last_status", derr.LastStatus(),
		"error", last,
	)
	return d.fail(ctx, result, body, derr), derr
}

// DispatchAsync runs job in its own goroutine and returns the job ID. done,
// if set, receives the terminal outcome.
func (d *Dispatcher) DispatchAsync(ctx context.Context, job Job, done func(model.DeliveryResult, error)) string {
	job = d.withDefaults(job)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res, err := d.Dispatch(ctx, job)
		if done != nil {
			done(res, err)
		}
	}()
	return job.ID
}

// Wait blocks until every job started with DispatchAsync has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) attempt(ctx context.Context, job Job, n int, body []byte, sig string) (model.DeliveryAttempt, error) {
	a := model.DeliveryAttempt{Number: n, StartedAt: d.clock.Now()}

	client := d.client
	key := job.URL
	var proxyID string

	routing := d.routingFor(job)
	if routing.ViaProxy {
		ep, err := d.proxies.Select()
		switch {
		case err == nil:
			proxyID = ep.ID
			key = ep.ID
			a.ProxyID = ep.ID
			c, cerr := d.clientFor(ep)
			if cerr != nil {
				d.reportProxy(proxyID, false)
				a.Error = cerr.Error()
				return a, &TransportError{Attempt: n, Err: cerr}
			}
			client = c
		case routing.DirectFallback:
			d.logger.Warn("webhook_direct_fallback", "job_id", job.ID, "attempt", n)
		default:
			return a, err
		}
	}

	if d.limiter != nil {
		if err := d.limiter.Acquire(ctx, key, ratelimit.WaitThenProceed); err != nil {
			a.Error = err.Error()
			return a, &TransportError{Attempt: n, Err: err}
		}
	}

	d.logger.Info("webhook_attempt",
		"job_id", job.ID,
		"event", job.Event,
		"url", job.URL,
		"attempt", n,
		"proxy_id", proxyID,
	)

	actx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, job.URL, bytes.NewReader(body))
	if err != nil {
		a.Error = err.Error()
		return a, &TransportError{Attempt: n, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)
	req.Header.Set(IDHeader, job.ID)
	req.Header.Set(EventHeader, job.Event)

	start := time.Now()
	resp, err := client.Do(req)
	a.Duration = time.Since(start)
	if err != nil {
		d.reportProxy(proxyID, false)
		a.Error = err.Error()
		return a, &TransportError{Attempt: n, Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	a.StatusCode = resp.StatusCode
	// Any answer other than a proxy auth challenge means the proxy carried the request.
	d.reportProxy(proxyID, resp.StatusCode != http.StatusProxyAuthRequired)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return a, &TransportError{Attempt: n, StatusCode: resp.StatusCode}
	}
	return a, nil
}

func (d *Dispatcher) routingFor(job Job) Routing {
	if job.Routing != nil {
		return *job.Routing
	}
	return d.routing
}

func (d *Dispatcher) reportProxy(id string, success bool) {
	if id == "" {
		return
	}
	if err := d.proxies.ReportOutcome(id, success); err != nil {
		d.logger.Debug("webhook_proxy_report_skipped", "proxy_id", id, "error", err)
	}
}

// fail marks result as failed and parks it in the dead-letter sink.
func (d *Dispatcher) fail(ctx context.Context, result model.DeliveryResult, body []byte, err error) model.DeliveryResult {
	result.State = model.DeliveryFailed
	result.LastError = err.Error()

	if d.deadLetter != nil {
		entry := deadletter.Entry{Result: result, Body: body, FailedAt: d.clock.Now()}
		if perr := d.deadLetter.Push(context.WithoutCancel(ctx), entry); perr != nil {
			d.logger.Error("webhook_dead_letter_failed", "job_id", result.JobID, "error", perr)
		}
	}
	return result
}

func (d *Dispatcher) withDefaults(job Job) Job {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = d.maxAttempts
	}
	if job.Timeout <= 0 {
		job.Timeout = d.timeout
	}
	if job.BaseDelay <= 0 {
		job.BaseDelay = d.baseDelay
	}
	return job
}

func validate(job Job) error {
	if job.Event == "" {
		return config.Invalid("webhook.event", "is required")
	}
	if job.Secret == "" {
		return config.Invalid("webhook.secret", "is required")
	}
	u, err := url.Parse(job.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return config.Invalid("webhook.url", fmt.Sprintf("%q is not an absolute http(s) URL", job.URL))
	}
	return nil
}
