// Package command decodes inbound configuration messages and acts on them.
package command

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"
)

// Command is one decoded inbound message. The set is closed: Calibrate and
// Unknown are the only variants.
type Command interface {
	isCommand()
}

type Calibrate struct{}

// Unknown covers anything that is not a recognised command, including
// malformed payloads and messages on other topics.
type Unknown struct {
	Topic  string
	Reason string
}

func (Calibrate) isCommand() {}
func (Unknown) isCommand()   {}

type configMessage struct {
	Calibrate json.RawMessage `json:"calibrate"`
}

// Decode maps a message received on topic to a Command. Only a payload on
// configTopic whose "calibrate" key is the JSON boolean true is a
// Calibrate; everything else is Unknown.
func Decode(configTopic, topic string, payload []byte) Command {
	if topic != configTopic {
		return Unknown{Topic: topic, Reason: "unhandled topic"}
	}
	var m configMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return Unknown{Topic: topic, Reason: "malformed: " + err.Error()}
	}
	if m.Calibrate == nil {
		return Unknown{Topic: topic, Reason: "no calibrate key"}
	}
	// Only the JSON boolean counts; 1 and "true" are not coerced.
	var flag bool
	if err := json.Unmarshal(m.Calibrate, &flag); err != nil {
		return Unknown{Topic: topic, Reason: "calibrate is not a boolean"}
	}
	if !flag {
		return Unknown{Topic: topic, Reason: "calibrate is false"}
	}
	return Calibrate{}
}

// Calibrator runs the calibration procedure and blocks until it is done.
type Calibrator interface {
	Calibrate(ctx context.Context) error
}

type Handler struct {
	configTopic string
	calibrator  Calibrator
}

func NewHandler(configTopic string, c Calibrator) *Handler {
	return &Handler{configTopic: configTopic, calibrator: c}
}

// Handle logs the raw message and executes the command it decodes to.
// Unknown commands are dropped.
func (h *Handler) Handle(ctx context.Context, topic string, payload []byte) error {
	log.Infof("Message arrived [%s] %s", topic, payload)

	switch cmd := Decode(h.configTopic, topic, payload).(type) {
	case Calibrate:
		return h.calibrator.Calibrate(ctx)
	case Unknown:
		log.WithFields(log.Fields{"topic": cmd.Topic, "reason": cmd.Reason}).Debug("ignoring message")
	}
	return nil
}
