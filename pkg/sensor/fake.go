package sensor

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/ericogr/energy-monitor/pkg/config"
)

// FakeSensor synthesises mains waveforms around the configured bias so the
// agent can run without an ADC attached.
type FakeSensor struct {
	mu         sync.Mutex
	bias       float64
	step       float64
	amplitudes map[int]float64
	phases     map[int]float64
	noise      float64
	rnd        *rand.Rand
}

func NewFakeSensor(cfg config.Config) (Sampler, error) {
	byRole, _, _ := buildChannelSettings(cfg)
	amps := make(map[int]float64, len(byRole))
	for _, c := range byRole {
		scale := c.CalibrationScale
		if scale == 0 {
			scale = 1
		}
		// peak pin voltage that reads back as SimulatedRMS after calibration
		amps[c.Channel] = (c.SimulatedRMS - c.CalibrationOffset) / scale * math.Sqrt2
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 860
	}
	return &FakeSensor{
		bias:       cfg.BiasVolts,
		step:       2 * math.Pi * cfg.LineFrequency / float64(rate),
		amplitudes: amps,
		phases:     make(map[int]float64),
		noise:      0.0005,
		rnd:        rand.New(rand.NewSource(1)),
	}, nil
}

func (f *FakeSensor) Sample(channel int) (float64, error) {
	if channel < 0 || channel > 3 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	phase := f.phases[channel]
	f.phases[channel] = math.Mod(phase+f.step, 2*math.Pi)
	v := f.bias + f.amplitudes[channel]*math.Sin(phase)
	return v + (f.rnd.Float64()*2-1)*f.noise, nil
}

func (f *FakeSensor) Close() error { return nil }
