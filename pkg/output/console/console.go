package console

import (
	"fmt"

	"github.com/ericogr/energy-monitor/pkg/output"
	"github.com/ericogr/energy-monitor/pkg/telemetry"
)

type ConsoleOutput struct{}

func NewConsole() output.Output { return &ConsoleOutput{} }

func (c *ConsoleOutput) Publish(m telemetry.Message) error {
	fmt.Printf("t=%dms device=%s voltage=%.2f current=%.3f/%.3f/%.3f power=%.2f/%.2f/%.2f total=%.2f energy=%.4f\n",
		m.Timestamp, m.DeviceID, m.Voltage, m.Current1, m.Current2, m.Current3,
		m.Power1, m.Power2, m.Power3, m.TotalPower, m.EnergyToday)
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }
