package sensor

import (
	"fmt"
	"time"

	"github.com/ericogr/energy-monitor/pkg/config"
)

// Reader samples the voltage input and the three current inputs in turn
// and returns their RMS values. A disabled or missing role reads zero.
type Reader struct {
	sampler    Sampler
	meters     map[string]*meter
	halfCycles int
	timeout    time.Duration
}

func NewReader(s Sampler, cfg config.Config) *Reader {
	byRole, _, _ := buildChannelSettings(cfg)
	meters := make(map[string]*meter, len(byRole))
	for role, c := range byRole {
		scale := c.CalibrationScale
		if scale == 0 {
			scale = 1
		}
		meters[role] = &meter{channel: c.Channel, scale: scale, offset: c.CalibrationOffset, bias: cfg.BiasVolts}
	}
	return &Reader{
		sampler:    s,
		meters:     meters,
		halfCycles: cfg.HalfCycles,
		timeout:    time.Duration(cfg.SampleTimeoutMs) * time.Millisecond,
	}
}

func (r *Reader) Read() (Reading, error) {
	var vals [4]float64
	for i, role := range config.Roles {
		m, ok := r.meters[role]
		if !ok {
			continue
		}
		v, err := m.measure(r.sampler, r.halfCycles, r.timeout)
		if err != nil {
			return Reading{}, fmt.Errorf("sample %s: %w", role, err)
		}
		vals[i] = v
	}
	return Reading{
		Voltage:   vals[0],
		Current1:  vals[1],
		Current2:  vals[2],
		Current3:  vals[3],
		Timestamp: time.Now(),
	}, nil
}

func (r *Reader) Close() error { return r.sampler.Close() }

// NewSampler returns the sampler selected by cfg.SensorType.
func NewSampler(cfg config.Config) (Sampler, error) {
	switch cfg.SensorType {
	case "simulation", "fake":
		return NewFakeSensor(cfg)
	case "real", "":
		return NewADS1115Sensor(cfg)
	default:
		return nil, fmt.Errorf("unknown sensor type %q", cfg.SensorType)
	}
}
