package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/marlonbarreto-git/boom-payment-core/internal/model"
	"github.com/marlonbarreto-git/boom-payment-core/internal/risk"
	"github.com/marlonbarreto-git/boom-payment-core/internal/webhook"
)

// ErrInvalidEvent is returned for an event without a name or kind.
var ErrInvalidEvent = errors.New("invalid lifecycle event")

// Subscriber is a webhook target and the events it receives. An empty Events
// list or "*" matches everything; "transaction.*" matches by prefix.
type Subscriber struct {
	URL    string
	Secret string
	Events []string
}

// Matches reports whether the subscriber wants event.
func (s Subscriber) Matches(event string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		switch {
		case e == "*" || e == event:
			return true
		case strings.HasSuffix(e, ".*") && strings.HasPrefix(event, strings.TrimSuffix(e, "*")):
			return true
		}
	}
	return false
}

// Outcome is what the orchestrator decided for one lifecycle event.
type Outcome struct {
	EventID                string                `json:"event_id"`
	Event                  string                `json:"event"`
	Assessment             *model.RiskAssessment `json:"assessment,omitempty"`
	Decision               risk.Decision         `json:"decision,omitempty"`
	RefundRequiresApproval bool                  `json:"refund_requires_approval,omitempty"`
	Deliveries             []string              `json:"deliveries"`
}

// Orchestrator scores transactions and fans every lifecycle event out to the
// matching subscribers.
type Orchestrator struct {
	dispatcher  *webhook.Dispatcher
	subscribers []Subscriber
	store       *DeliveryStore
	logger      *slog.Logger
}

// New creates an Orchestrator delivering through d.
func New(d *webhook.Dispatcher, subscribers []Subscriber) *Orchestrator {
	return &Orchestrator{
		dispatcher:  d,
		subscribers: subscribers,
		store:       NewDeliveryStore(),
		logger:      slog.Default(),
	}
}

// SetLogger replaces the default logger.
func (o *Orchestrator) SetLogger(l *slog.Logger) {
	if l != nil {
		o.logger = l
	}
}

// HandleEvent scores the event when it carries a transaction, then starts one
// delivery per matching subscriber. Deliveries run in the background and
// outlive ctx; their results land in the delivery store.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev model.LifecycleEvent) (Outcome, error) {
	if ev.Name == "" {
		return Outcome{}, errors.Join(ErrInvalidEvent, errors.New("name is required"))
	}
	if ev.Kind != model.EventTransaction && ev.Kind != model.EventRefund {
		return Outcome{}, errors.Join(ErrInvalidEvent, errors.New("kind must be transaction or refund"))
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	out := Outcome{
		EventID:    ev.ID,
		Event:      ev.Name,
		Deliveries: make([]string, 0),
	}

	data := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		data[k] = v
	}
	data["event_id"] = ev.ID

	switch ev.Kind {
	case model.EventTransaction:
		if ev.Risk != nil {
			a := risk.Score(*ev.Risk)
			out.Assessment = &a
			out.Decision = risk.Policy(a.Level)
			data["risk"] = map[string]any{
				"score":    a.Score,
				"level":    a.Level,
				"decision": out.Decision,
			}
			o.logger.Info("transaction_scored",
				"event_id", ev.ID,
				"score", a.Score,
				"level", a.Level,
				"decision", out.Decision,
			)
		}
	case model.EventRefund:
		if ev.Level != "" {
			out.RefundRequiresApproval = risk.RefundRequiresApproval(ev.Level)
			data["requires_approval"] = out.RefundRequiresApproval
			if out.RefundRequiresApproval {
				o.logger.Warn("refund_requires_approval", "event_id", ev.ID, "level", ev.Level)
			}
		}
	}

	bg := context.WithoutCancel(ctx)
	for _, sub := range o.subscribers {
		if !sub.Matches(ev.Name) {
			continue
		}
		job := webhook.Job{
			ID:     uuid.NewString(),
			Event:  ev.Name,
			Data:   data,
			URL:    sub.URL,
			Secret: sub.Secret,
		}
		o.store.Save(ev.ID, model.DeliveryResult{
			JobID: job.ID,
			Event: job.Event,
			URL:   job.URL,
			State: model.DeliveryPending,
		})

		o.dispatcher.DispatchAsync(bg, job, func(r model.DeliveryResult, err error) {
			o.store.Save(ev.ID, r)
		})
		out.Deliveries = append(out.Deliveries, job.ID)
	}

	o.logger.Info("event_fanned_out",
		"event_id", ev.ID,
		"event", ev.Name,
		"deliveries", len(out.Deliveries),
	)
	return out, nil
}

// Delivery returns the latest known result for a delivery job.
func (o *Orchestrator) Delivery(jobID string) (model.DeliveryResult, bool) {
	return o.store.Get(jobID)
}

// EventDeliveries returns every delivery started for an event.
func (o *Orchestrator) EventDeliveries(eventID string) []model.DeliveryResult {
	return o.store.ForEvent(eventID)
}

// Subscribers returns the configured subscribers.
func (o *Orchestrator) Subscribers() []Subscriber {
	return o.subscribers
}

// Wait blocks until all started deliveries are terminal.
func (o *Orchestrator) Wait() {
	o.dispatcher.Wait()
}

// DeliveryStore provides thread-safe storage for delivery results.
type DeliveryStore struct {
	mu      sync.RWMutex
	results map[string]model.DeliveryResult
	byEvent map[string][]string
}

// NewDeliveryStore creates an empty store.
func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{
		results: make(map[string]model.DeliveryResult),
		byEvent: make(map[string][]string),
	}
}

// Save stores a result. A terminal result is never replaced by a
// non-terminal one.
func (s *DeliveryStore) Save(eventID string, result model.DeliveryResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.results[result.JobID]
	if exists && prev.State.IsTerminal() && !result.State.IsTerminal() {
		return
	}
	if !exists {
		s.byEvent[eventID] = append(s.byEvent[eventID], result.JobID)
	}
	s.results[result.JobID] = result
}

// Get retrieves a result by job ID.
func (s *DeliveryStore) Get(jobID string) (model.DeliveryResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[jobID]
	return r, ok
}

// ForEvent returns the results for an event ordered by job ID.
func (s *DeliveryStore) ForEvent(eventID string) []model.DeliveryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byEvent[eventID]
	out := make([]model.DeliveryResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.results[id])
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].JobID < out[j].JobID
	})
	return out
}
