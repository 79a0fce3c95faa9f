package events

import (
	"time"

	"github.com/young1lin/searchmux/internal/models"
)

// DispatchCompletedEvent is published after every dispatch batch settles
type DispatchCompletedEvent struct {
	DispatchID     string                          `json:"dispatch_id"`
	Kind           string                          `json:"kind"` // "search", "discover", "control"
	UserID         string                          `json:"user_id,omitempty"`
	TotalLatencyMs float64                         `json:"total_latency_ms"`
	MergedCount    int                             `json:"merged_count"`
	Statuses       map[string]models.OutcomeStatus `json:"statuses"`
	Timestamp      time.Time                       `json:"timestamp"`
}

// ProviderStateEvent is published when a provider is enabled or disabled
type ProviderStateEvent struct {
	Provider  string    `json:"provider"`
	Enabled   bool      `json:"enabled"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher receives orchestrator lifecycle events. Publish failures are
// the publisher's problem to log; callers never couple dispatch results
// to event delivery.
type Publisher interface {
	PublishDispatchCompleted(event DispatchCompletedEvent)
	PublishProviderState(event ProviderStateEvent)
}

// NoOpPublisher drops every event
type NoOpPublisher struct{}

func (NoOpPublisher) PublishDispatchCompleted(DispatchCompletedEvent) {}
func (NoOpPublisher) PublishProviderState(ProviderStateEvent)         {}

// CallbackPublisher forwards events to plain functions (tests)
type CallbackPublisher struct {
	OnDispatchCompleted func(DispatchCompletedEvent)
	OnProviderState     func(ProviderStateEvent)
}

func (p *CallbackPublisher) PublishDispatchCompleted(event DispatchCompletedEvent) {
	if p.OnDispatchCompleted != nil {
		p.OnDispatchCompleted(event)
	}
}

func (p *CallbackPublisher) PublishProviderState(event ProviderStateEvent) {
	if p.OnProviderState != nil {
		p.OnProviderState(event)
	}
}
