package sensor

import (
	"errors"
	"time"
)

var ErrInvalidChannel = errors.New("invalid channel")

// Reading holds one RMS value per channel role, in line units (volts and
// amperes after calibration).
type Reading struct {
	Voltage   float64   `json:"voltage"`
	Current1  float64   `json:"current1"`
	Current2  float64   `json:"current2"`
	Current3  float64   `json:"current3"`
	Timestamp time.Time `json:"timestamp"`
}

// Sampler returns the instantaneous voltage present on an ADC input.
type Sampler interface {
	Sample(channel int) (float64, error)
	Close() error
}
