// Package power derives per-phase and total power from RMS readings and
// integrates total power into an energy counter.
package power

import "time"

// millisPerHour converts a sample interval in milliseconds into hours.
const millisPerHour = 3_600_000.0

// Reading is the latest derived sample. Each sample overwrites the previous one.
type Reading struct {
	Voltage    float64
	Current1   float64
	Current2   float64
	Current3   float64
	Power1     float64
	Power2     float64
	Power3     float64
	TotalPower float64
}

// Compute multiplies the voltage by each current and sums the three powers.
func Compute(voltage, current1, current2, current3 float64) Reading {
	r := Reading{
		Voltage:  voltage,
		Current1: current1,
		Current2: current2,
		Current3: current3,
		Power1:   voltage * current1,
		Power2:   voltage * current2,
		Power3:   voltage * current3,
	}
	r.TotalPower = r.Power1 + r.Power2 + r.Power3
	return r
}

// Accumulator integrates total power over fixed sample intervals. It starts
// at zero and is never reset.
type Accumulator struct {
	EnergyToday float64
}

// Add integrates totalPower over interval and returns the new total.
func (a *Accumulator) Add(totalPower float64, interval time.Duration) float64 {
	a.EnergyToday += totalPower * (float64(interval.Milliseconds()) / millisPerHour)
	return a.EnergyToday
}
