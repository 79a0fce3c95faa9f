package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/young1lin/searchmux/pkg/logger"
)

// NATSPublisher publishes orchestrator events as JSON onto NATS
// subjects. Delivery is fire-and-forget; a broker outage degrades to log
// noise, never to dispatch failures.
type NATSPublisher struct {
	nc            *nats.Conn
	subjectPrefix string
}

// NewNATSPublisher connects to the broker and returns a publisher
func NewNATSPublisher(url, subjectPrefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("searchmux"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if subjectPrefix == "" {
		subjectPrefix = "searchmux"
	}
	logger.Info("event publisher connected", zap.String("nats_url", url))
	return &NATSPublisher{nc: nc, subjectPrefix: subjectPrefix}, nil
}

// PublishDispatchCompleted publishes to {prefix}.dispatch.completed
func (p *NATSPublisher) PublishDispatchCompleted(event DispatchCompletedEvent) {
	p.publish(p.subjectPrefix+".dispatch.completed", event)
}

// PublishProviderState publishes to {prefix}.provider.state
func (p *NATSPublisher) PublishProviderState(event ProviderStateEvent) {
	p.publish(p.subjectPrefix+".provider.state", event)
}

func (p *NATSPublisher) publish(subject string, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to encode event",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Close drains the connection so queued events flush before shutdown
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		logger.Warn("NATS drain failed", zap.Error(err))
	}
}
