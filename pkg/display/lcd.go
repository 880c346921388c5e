package display

import (
	"fmt"
	"io"

	"github.com/ericogr/energy-monitor/pkg/config"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/hd44780i2c"
)

// LCD drives an HD44780 character display behind a PCF8574 I2C backpack.
// The periph.io bus satisfies the TinyGo drivers.I2C interface directly.
type LCD struct {
	dev    hd44780i2c.Device
	closer io.Closer
	width  int
}

func NewLCD(cfg config.DisplayConfig) (*LCD, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	lcd, err := newLCD(bus, bus, cfg)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	return lcd, nil
}

func newLCD(bus drivers.I2C, closer io.Closer, cfg config.DisplayConfig) (*LCD, error) {
	width, height := cfg.Width, cfg.Height
	if width <= 0 {
		width = 16
	}
	if height <= 0 {
		height = 2
	}
	dev := hd44780i2c.New(bus, uint8(cfg.Address))
	if err := dev.Configure(hd44780i2c.Config{Width: uint8(width), Height: uint8(height)}); err != nil {
		return nil, fmt.Errorf("configure lcd: %w", err)
	}
	return &LCD{dev: dev, closer: closer, width: width}, nil
}

func (l *LCD) Show(line1, line2 string) error {
	l.dev.ClearDisplay()
	l.dev.SetCursor(0, 0)
	l.dev.Print([]byte(fit(line1, l.width)))
	if line2 != "" {
		l.dev.SetCursor(0, 1)
		l.dev.Print([]byte(fit(line2, l.width)))
	}
	return nil
}

func (l *LCD) Close() error {
	l.dev.ClearDisplay()
	l.dev.BacklightOn(false)
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
