package main

import (
	"errors"
	"testing"

	"github.com/ericogr/energy-monitor/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		kind    actionKind
		payload string
		watch   bool
	}{
		{"", actNone, "", false},
		{"   ", actNone, "", false},
		{"calibrate", actPublish, `{"calibrate":true}`, false},
		{"CAL", actPublish, `{"calibrate":true}`, false},
		{`send '{"calibrate": false}'`, actPublish, `{"calibrate": false}`, false},
		{"watch on", actWatch, "", true},
		{"watch off", actWatch, "", false},
		{"help", actHelp, "", false},
		{"quit", actQuit, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.line, func(t *testing.T) {
			act, err := parseCommand(tc.line)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, act.kind)
			assert.Equal(t, tc.payload, string(act.payload))
			assert.Equal(t, tc.watch, act.watch)
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	_, err := parseCommand("send")
	assert.True(t, errors.Is(err, errUsage))

	_, err = parseCommand("watch maybe")
	assert.True(t, errors.Is(err, errUsage))

	_, err = parseCommand(`send '{"calibrate":'`)
	assert.ErrorContains(t, err, "not valid JSON")

	_, err = parseCommand(`send "unterminated`)
	assert.Error(t, err)

	_, err = parseCommand("reboot")
	assert.ErrorContains(t, err, "unknown command")
}

func TestFormatTelemetry(t *testing.T) {
	msg := telemetry.Message{DeviceID: "dev1", Voltage: 230, Current1: 2, Current3: 1, TotalPower: 690, EnergyToday: 0.1917, Timestamp: 42}
	payload, _, err := telemetry.Encode(msg, telemetry.FormatCBOR, 0)
	require.NoError(t, err)

	assert.Equal(t, "[dev1 t=42ms] 230.0 V  2.000/0.000/1.000 A  690.0 W  0.1917 kWh",
		formatTelemetry(payload, telemetry.FormatCBOR))
	assert.Contains(t, formatTelemetry([]byte("{"), telemetry.FormatJSON), "undecodable")
}
