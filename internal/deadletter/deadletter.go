// Package deadletter parks webhook jobs that exhausted their attempts so an
// operator or a higher level can re-queue them.
package deadletter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/marlonbarreto-git/boom-payment-core/internal/model"
)

// Entry is one terminally failed delivery.
type Entry struct {
	Result   model.DeliveryResult `json:"result"`
	Body     json.RawMessage      `json:"body"`
	FailedAt time.Time            `json:"failed_at"`
}

// Sink stores dead-lettered jobs. Implementations must be safe for
// concurrent use.
type Sink interface {
	Push(ctx context.Context, e Entry) error
	// List returns up to limit entries, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Entry, error)
	Len(ctx context.Context) (int, error)
}

// MemorySink keeps entries in process memory.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Push(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemorySink) List(_ context.Context, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := len(s.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *MemorySink) Len(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}
