// Package telemetry builds and publishes the outbound reading message.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ericogr/energy-monitor/pkg/power"
	"github.com/fxamacker/cbor/v2"
)

// DefaultMaxPayload is the size of the serialization buffer.
const DefaultMaxPayload = 256

type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("unknown payload format %q", s)
	}
}

// Message is the flat outbound document. Timestamp is milliseconds since
// the agent started.
type Message struct {
	DeviceID    string  `json:"device_id" cbor:"device_id"`
	Voltage     float64 `json:"voltage" cbor:"voltage"`
	Current1    float64 `json:"current1" cbor:"current1"`
	Current2    float64 `json:"current2" cbor:"current2"`
	Current3    float64 `json:"current3" cbor:"current3"`
	Power1      float64 `json:"power1" cbor:"power1"`
	Power2      float64 `json:"power2" cbor:"power2"`
	Power3      float64 `json:"power3" cbor:"power3"`
	TotalPower  float64 `json:"total_power" cbor:"total_power"`
	EnergyToday float64 `json:"energy_today" cbor:"energy_today"`
	Timestamp   int64   `json:"timestamp" cbor:"timestamp"`
}

func NewMessage(deviceID string, r power.Reading, energyToday float64, timestampMs int64) Message {
	return Message{
		DeviceID:    deviceID,
		Voltage:     r.Voltage,
		Current1:    r.Current1,
		Current2:    r.Current2,
		Current3:    r.Current3,
		Power1:      r.Power1,
		Power2:      r.Power2,
		Power3:      r.Power3,
		TotalPower:  r.TotalPower,
		EnergyToday: energyToday,
		Timestamp:   timestampMs,
	}
}

// Encode serializes msg. When the encoding is longer than limit bytes it is
// cut to limit bytes and truncated is true; the message is never rejected
// for its size.
func Encode(msg Message, format Format, limit int) (payload []byte, truncated bool, err error) {
	switch format {
	case FormatCBOR:
		payload, err = cbor.Marshal(msg)
	default:
		payload, err = json.Marshal(msg)
	}
	if err != nil {
		return nil, false, fmt.Errorf("encode telemetry: %w", err)
	}
	if limit > 0 && len(payload) > limit {
		return payload[:limit], true, nil
	}
	return payload, false, nil
}

func Decode(payload []byte, format Format) (Message, error) {
	var m Message
	var err error
	switch format {
	case FormatCBOR:
		err = cbor.Unmarshal(payload, &m)
	default:
		err = json.Unmarshal(payload, &m)
	}
	if err != nil {
		return Message{}, fmt.Errorf("decode telemetry: %w", err)
	}
	return m, nil
}
