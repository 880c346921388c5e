// Package display renders the two-line status panel.
package display

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/ericogr/energy-monitor/pkg/config"
)

var ErrUnknownType = errors.New("unknown display type")

// Panel is a two-line text surface. Show clears it and writes both lines.
type Panel interface {
	Show(line1, line2 string) error
	Close() error
}

// New returns the panel selected by cfg.Type.
func New(cfg config.DisplayConfig) (Panel, error) {
	switch cfg.Type {
	case "lcd":
		return NewLCD(cfg)
	case "console", "":
		return NewConsole(os.Stdout), nil
	case "none":
		return None{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
}

// ShowReading renders total power and accumulated energy.
func ShowReading(p Panel, totalPower, energy float64) error {
	return p.Show("Power: "+formatNumber(totalPower)+" W", "Energy: "+formatNumber(energy)+" kWh")
}

// Banner renders a state banner such as "Connecting network" / "Waiting...".
func Banner(p Panel, line1, line2 string) error {
	return p.Show(line1, line2)
}

// formatNumber prints two decimals, the way character LCD libraries print
// floats by default.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// fit clips s to width columns.
func fit(s string, width int) string {
	if width > 0 && len(s) > width {
		return s[:width]
	}
	return s
}

// Console writes panel updates as log-style lines.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console { return &Console{w: w} }

func (c *Console) Show(line1, line2 string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "[display] %s | %s\n", line1, line2)
	return err
}

func (c *Console) Close() error { return nil }

// None discards everything.
type None struct{}

func (None) Show(string, string) error { return nil }
func (None) Close() error              { return nil }
