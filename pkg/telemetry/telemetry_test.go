package telemetry

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ericogr/energy-monitor/pkg/power"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage() Message {
	r := power.Compute(230.0, 2.0, 0.0, 1.0)
	return NewMessage("energy-01", r, 0.19166666666666668, 123456)
}

func TestEncodeJSONFieldsAndOrder(t *testing.T) {
	payload, truncated, err := Encode(sampleMessage(), FormatJSON, DefaultMaxPayload)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t,
		`{"device_id":"energy-01","voltage":230,"current1":2,"current2":0,"current3":1,"power1":460,"power2":0,"power3":230,"total_power":690,"energy_today":0.19166666666666668,"timestamp":123456}`,
		string(payload))

	var flat map[string]any
	require.NoError(t, json.Unmarshal(payload, &flat))
	for _, v := range flat {
		switch v.(type) {
		case map[string]any, []any:
			t.Fatalf("message must be flat, found %T", v)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatCBOR} {
		t.Run(string(f), func(t *testing.T) {
			in := sampleMessage()
			payload, truncated, err := Encode(in, f, DefaultMaxPayload)
			require.NoError(t, err)
			require.False(t, truncated)
			out, err := Decode(payload, f)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestEncodeTruncatesLongDeviceID(t *testing.T) {
	msg := sampleMessage()
	msg.DeviceID = strings.Repeat("x", 1024)

	full, _, err := Encode(msg, FormatJSON, 0)
	require.NoError(t, err)
	payload, truncated, err := Encode(msg, FormatJSON, DefaultMaxPayload)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, payload, DefaultMaxPayload)
	assert.Equal(t, full[:DefaultMaxPayload], payload)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("CBOR")
	require.NoError(t, err)
	assert.Equal(t, FormatCBOR, f)
	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

type captureSender struct {
	topic   string
	payload []byte
	err     error
}

func (c *captureSender) Publish(topic string, payload []byte) error {
	c.topic, c.payload = topic, payload
	return c.err
}

func TestPublisherSendsToFixedTopic(t *testing.T) {
	s := &captureSender{}
	p := NewPublisher(s, "energy/power", FormatJSON, 0)

	msg := sampleMessage()
	msg.DeviceID = strings.Repeat("d", 300)
	require.NoError(t, p.Publish(msg))
	assert.Equal(t, "energy/power", s.topic)
	assert.Len(t, s.payload, DefaultMaxPayload)
}

func TestPublisherReturnsSendError(t *testing.T) {
	boom := errors.New("not connected")
	p := NewPublisher(&captureSender{err: boom}, "energy/power", FormatJSON, 0)
	err := p.Publish(sampleMessage())
	assert.ErrorIs(t, err, boom)
}
