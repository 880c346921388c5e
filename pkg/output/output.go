package output

import "github.com/ericogr/energy-monitor/pkg/telemetry"

// Output is a secondary telemetry sink driven at its own interval.
type Output interface {
	Publish(telemetry.Message) error
	Close() error
}

// helper constructors are in subpackages
