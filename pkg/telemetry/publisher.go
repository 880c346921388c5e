package telemetry

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Sender publishes a payload on a topic of the active session.
type Sender interface {
	Publish(topic string, payload []byte) error
}

// Publisher sends each message once to a fixed topic. There is no retry
// and no queue: a failed publish is lost.
type Publisher struct {
	sender Sender
	topic  string
	format Format
	limit  int
}

func NewPublisher(s Sender, topic string, format Format, limit int) *Publisher {
	if limit <= 0 {
		limit = DefaultMaxPayload
	}
	return &Publisher{sender: s, topic: topic, format: format, limit: limit}
}

func (p *Publisher) Publish(msg Message) error {
	payload, truncated, err := Encode(msg, p.format, p.limit)
	if err != nil {
		return err
	}
	if truncated {
		log.WithField("limit", p.limit).Warn("telemetry payload truncated")
	}
	if err := p.sender.Publish(p.topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	log.WithField("topic", p.topic).Debug("Data published to MQTT")
	return nil
}
