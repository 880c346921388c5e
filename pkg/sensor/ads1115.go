package sensor

import (
	"fmt"
	"time"

	"github.com/ericogr/energy-monitor/pkg/config"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	pointerConv   = 0x00
	pointerConfig = 0x01
)

// ADS1115Sensor performs single-shot conversions on the four inputs of an
// ADS1115 with the ±4.096V range.
type ADS1115Sensor struct {
	dev         *i2c.Dev
	bus         i2c.BusCloser
	sampleRate  int
	sampleRates map[int]int
	pgaFS       float64
	readBuf     []byte
}

func NewADS1115Sensor(cfg config.Config) (Sampler, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(cfg.I2C.Bus)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	_, _, rates := buildChannelSettings(cfg)
	dev := &i2c.Dev{Addr: uint16(cfg.I2C.Address), Bus: bus}
	return &ADS1115Sensor{
		dev:         dev,
		bus:         bus,
		sampleRate:  cfg.SampleRate,
		sampleRates: rates,
		pgaFS:       4.096,
		readBuf:     make([]byte, 2),
	}, nil
}

func (s *ADS1115Sensor) Close() error {
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

func (s *ADS1115Sensor) Sample(channel int) (float64, error) {
	rate := s.sampleRate
	if v, ok := s.sampleRates[channel]; ok {
		rate = v
	}
	msb, lsb, err := s.configForChannel(channel, rate)
	if err != nil {
		return 0, err
	}
	if err := s.dev.Tx([]byte{pointerConfig, msb, lsb}, nil); err != nil {
		return 0, fmt.Errorf("write config: %w", err)
	}
	time.Sleep(conversionDelay(rate))
	if err := s.dev.Tx([]byte{pointerConv}, s.readBuf); err != nil {
		return 0, fmt.Errorf("read conv: %w", err)
	}
	raw := int16(s.readBuf[0])<<8 | int16(s.readBuf[1])
	return float64(raw) * s.pgaFS / 32768.0, nil
}

// conversionDelay is one conversion period plus a small margin.
func conversionDelay(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = 128
	}
	return time.Second/time.Duration(sampleRate) + 100*time.Microsecond
}

func (s *ADS1115Sensor) configForChannel(channel, sampleRate int) (byte, byte, error) {
	var mux byte
	switch channel {
	case 0:
		mux = 0x4
	case 1:
		mux = 0x5
	case 2:
		mux = 0x6
	case 3:
		mux = 0x7
	default:
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	// PGA: use ±4.096V -> bits 001
	pga := byte(0x1)
	var dr byte
	switch sampleRate {
	case 8:
		dr = 0x0
	case 16:
		dr = 0x1
	case 32:
		dr = 0x2
	case 64:
		dr = 0x3
	case 128:
		dr = 0x4
	case 250:
		dr = 0x5
	case 475:
		dr = 0x6
	case 860:
		dr = 0x7
	default:
		dr = 0x4
	}
	var config uint16 = 0x8000 // OS = 1 (start single conversion)
	config |= uint16(mux) << 12
	config |= uint16(pga) << 9
	config |= 1 << 8 // single-shot mode
	config |= uint16(dr) << 5
	// comparator disabled (bits 1:0 = 11)
	config |= 0x3
	return byte(config >> 8), byte(config & 0xFF), nil
}
