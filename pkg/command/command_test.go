package command

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configTopic = "energy/config"

type countingCalibrator struct {
	calls int
	err   error
}

func (c *countingCalibrator) Calibrate(context.Context) error {
	c.calls++
	return c.err
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		want    Command
	}{
		{"calibrate true", configTopic, `{"calibrate":true}`, Calibrate{}},
		{"extra keys", configTopic, `{"calibrate":true,"other":1}`, Calibrate{}},
		{"calibrate false", configTopic, `{"calibrate":false}`, nil},
		{"missing key", configTopic, `{"other":1}`, nil},
		{"string true", configTopic, `{"calibrate":"true"}`, nil},
		{"number", configTopic, `{"calibrate":1}`, nil},
		{"malformed", configTopic, `{"calibrate":tru`, nil},
		{"empty", configTopic, ``, nil},
		{"other topic", "energy/other", `{"calibrate":true}`, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Decode(configTopic, tc.topic, []byte(tc.payload))
			if tc.want != nil {
				assert.Equal(t, tc.want, got)
				return
			}
			_, ok := got.(Unknown)
			assert.True(t, ok, "expected Unknown, got %#v", got)
		})
	}
}

func TestHandlerCalibratesOnlyOnTrue(t *testing.T) {
	cal := &countingCalibrator{}
	h := NewHandler(configTopic, cal)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, configTopic, []byte(`{"calibrate":true}`)))
	assert.Equal(t, 1, cal.calls)

	for _, p := range []string{`{"calibrate":false}`, `{}`, `not json`} {
		require.NoError(t, h.Handle(ctx, configTopic, []byte(p)))
	}
	require.NoError(t, h.Handle(ctx, "energy/power", []byte(`{"calibrate":true}`)))
	assert.Equal(t, 1, cal.calls)
}

func TestHandlerReturnsCalibrationError(t *testing.T) {
	boom := errors.New("canceled")
	h := NewHandler(configTopic, &countingCalibrator{err: boom})
	err := h.Handle(context.Background(), configTopic, []byte(`{"calibrate":true}`))
	assert.ErrorIs(t, err, boom)
}
