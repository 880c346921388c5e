package sensor

import (
	"errors"
	"testing"
	"time"
)

func TestConfigForChannelBytes(t *testing.T) {
	s := &ADS1115Sensor{}

	// channel 0, sample rate 128 -> expect msb 0xC3 lsb 0x83
	msb, lsb, err := s.configForChannel(0, 128)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msb != 0xC3 || lsb != 0x83 {
		t.Fatalf("channel0@128 => got %02X %02X; want C3 83", msb, lsb)
	}

	// channel 1, sample rate 128 -> D3 83
	msb, lsb, err = s.configForChannel(1, 128)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msb != 0xD3 || lsb != 0x83 {
		t.Fatalf("channel1@128 => got %02X %02X; want D3 83", msb, lsb)
	}

	// channel 3 at 860 SPS -> F3 E3 (dr=7)
	msb, lsb, err = s.configForChannel(3, 860)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msb != 0xF3 || lsb != 0xE3 {
		t.Fatalf("channel3@860 => got %02X %02X; want F3 E3", msb, lsb)
	}

	// sample rate 8 for channel 0 -> msb C3 lsb 03 (dr=0)
	msb, lsb, err = s.configForChannel(0, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msb != 0xC3 || lsb != 0x03 {
		t.Fatalf("channel0@8 => got %02X %02X; want C3 03", msb, lsb)
	}

	// invalid channel
	_, _, err = s.configForChannel(9, 128)
	if !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
}

func TestConversionDelay(t *testing.T) {
	if got := conversionDelay(860); got < time.Second/860 || got > 2*time.Millisecond {
		t.Fatalf("delay@860: %v", got)
	}
	if got := conversionDelay(0); got != conversionDelay(128) {
		t.Fatalf("fallback delay: %v", got)
	}
}
