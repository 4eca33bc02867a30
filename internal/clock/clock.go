// Package clock provides the time source and deferred-work helpers shared by
// the rate limiter, proxy pool and webhook dispatcher.
package clock

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Clock is a source of time that can also suspend the calling goroutine.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep suspends the caller for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the wall clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time {
	return time.Now()
}

// Sleep waits on a timer so only the calling goroutine is suspended.
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fake is a manually driven clock for tests. Sleep does not block; it
// advances the clock by the requested duration and records it.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFake creates a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	if d > 0 {
		f.now = f.now.Add(d)
	}
	return nil
}

// Sleeps returns every duration passed to Sleep, in call order.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}

// Every runs fn immediately when runNow is set and then once per interval
// until ctx is done. It blocks, so callers start it in its own goroutine.
func Every(ctx context.Context, interval time.Duration, runNow bool, name string, fn func(context.Context)) {
	if interval <= 0 {
		slog.Warn("periodic_task_disabled", "task", name, "interval", interval.String())
		if runNow {
			fn(ctx)
		}
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Debug("periodic_task_started", "task", name, "interval", interval.String())

	if runNow {
		fn(ctx)
	}

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			slog.Debug("periodic_task_stopped", "task", name)
			return
		}
	}
}
