package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/marlonbarreto-git/boom-payment-core/internal/clock"
	"github.com/marlonbarreto-git/boom-payment-core/internal/config"
)

// ErrRateLimited is matched by every RateLimitError.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitError is returned when a key has no admission slot left.
// Wait is how long until the oldest retained timestamp leaves the window.
type RateLimitError struct {
	Key  string
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: retry in %s", e.Key, e.Wait)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Policy decides what Acquire does when a key is saturated.
type Policy int

const (
	// RejectImmediately hands the rejection and wait hint back to the caller.
	RejectImmediately Policy = iota
	// WaitThenProceed sleeps for the wait hint and retries admission once.
	WaitThenProceed
)

func (p Policy) String() string {
	switch p {
	case RejectImmediately:
		return "reject_immediately"
	case WaitThenProceed:
		return "wait_then_proceed"
	default:
		return "unknown"
	}
}

// Decision is the result of a single admission check.
type Decision struct {
	Allowed bool
	Wait    time.Duration
}

// Limiter admits at most maxRequests events per key within any trailing window.
type Limiter struct {
	mu          sync.Mutex
	windows     map[string][]time.Time
	maxRequests int
	window      time.Duration
	clock       clock.Clock
	logger      *slog.Logger
}

// NewLimiter creates a limiter with the default window and capacity.
func NewLimiter() *Limiter {
	return &Limiter{
		windows:     make(map[string][]time.Time),
		maxRequests: config.RateLimitMaxRequests,
		window:      config.RateLimitWindow,
		clock:       clock.Real{},
		logger:      slog.Default(),
	}
}

// NewLimiterWithConfig creates a limiter with custom settings.
func NewLimiterWithConfig(maxRequests int, window time.Duration, clk clock.Clock) (*Limiter, error) {
	if maxRequests <= 0 {
		return nil, config.Invalid("rate_limit.max_requests", "must be positive")
	}
	if window <= 0 {
		return nil, config.Invalid("rate_limit.window", "must be positive")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		windows:     make(map[string][]time.Time),
		maxRequests: maxRequests,
		window:      window,
		clock:       clk,
		logger:      slog.Default(),
	}, nil
}

// SetLogger replaces the default logger. Call it before the limiter is shared.
func (l *Limiter) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// TryAcquire evicts expired timestamps for key and admits the call if a slot
// is free. Eviction, the capacity check and the append happen under one lock.
func (l *Limiter) TryAcquire(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w := l.evict(key, now)

	if len(w) < l.maxRequests {
		l.windows[key] = append(w, now)
		return Decision{Allowed: true}
	}

	wait := l.window - now.Sub(w[0])
	if wait < 0 {
		wait = 0
	}
	return Decision{Allowed: false, Wait: wait}
}

// Acquire applies policy on top of TryAcquire. With WaitThenProceed only the
// calling goroutine sleeps, and admission is retried exactly once.
func (l *Limiter) Acquire(ctx context.Context, key string, policy Policy) error {
	d := l.TryAcquire(key)
	if d.Allowed {
		return nil
	}
	if policy != WaitThenProceed {
		return &RateLimitError{Key: key, Wait: d.Wait}
	}

	l.logger.Debug("rate_limit_waiting",
		"key", key,
		"wait", d.Wait.String(),
	)
	if err := l.clock.Sleep(ctx, d.Wait); err != nil {
		return err
	}

	d = l.TryAcquire(key)
	if d.Allowed {
		return nil
	}
	return &RateLimitError{Key: key, Wait: d.Wait}
}

// Count returns the number of timestamps currently inside key's window.
func (l *Limiter) Count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.evict(key, l.clock.Now()))
}

// Keys returns every key still holding a window entry, sorted.
func (l *Limiter) Keys() []string {
	l.mu.Lock()
	keys := make([]string, 0, len(l.windows))
	for k := range l.windows {
		keys = append(keys, k)
	}
	l.mu.Unlock()

	slices.Sort(keys)
	return keys
}

// Sweep drops keys whose windows are empty after eviction and returns how
// many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for key := range l.windows {
		if len(l.evict(key, now)) == 0 {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Start runs Sweep every interval until ctx is done. It blocks. A
// non-positive interval falls back to config.RateLimitSweepInterval.
func (l *Limiter) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		l.logger.Warn("rate_limit_sweep_interval_invalid",
			"interval", interval.String(),
			"using", config.RateLimitSweepInterval.String(),
		)
		interval = config.RateLimitSweepInterval
	}
	clock.Every(ctx, interval, false, "rate_limit_sweep", func(context.Context) {
		if n := l.Sweep(); n > 0 {
			l.logger.Debug("rate_limit_swept", "removed_keys", n)
		}
	})
}

// MaxRequests returns the per-window capacity.
func (l *Limiter) MaxRequests() int {
	return l.maxRequests
}

// Window returns the trailing window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// evict removes timestamps at or before now-window, called under lock.
func (l *Limiter) evict(key string, now time.Time) []time.Time {
	w, ok := l.windows[key]
	if !ok {
		return nil
	}

	cutoff := now.Add(-l.window)
	i := 0
	for i < len(w) && !w[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w = append(w[:0:0], w[i:]...)
		l.windows[key] = w
	}
	return w
}
