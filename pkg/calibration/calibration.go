// Package calibration holds the sensor calibration procedure.
package calibration

import (
	"context"
	"time"

	"github.com/ericogr/energy-monitor/pkg/display"
	log "github.com/sirupsen/logrus"
)

// Stub shows the calibration banners around a fixed wait. It does not
// change any calibration constant.
type Stub struct {
	panel    display.Panel
	duration time.Duration
}

func NewStub(p display.Panel, d time.Duration) *Stub {
	return &Stub{panel: p, duration: d}
}

// Calibrate blocks for the configured duration. The main loop is stalled
// for that time. Cancelling ctx ends the wait early and returns ctx.Err().
func (s *Stub) Calibrate(ctx context.Context) error {
	log.Info("Starting sensor calibration...")
	display.Banner(s.panel, "Calibrating...", "")

	timer := time.NewTimer(s.duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	display.Banner(s.panel, "Calibration", "Complete!")
	log.Info("Calibration complete")
	return nil
}
