// Package influx writes telemetry points to InfluxDB 2.x.
package influx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ericogr/energy-monitor/pkg/config"
	"github.com/ericogr/energy-monitor/pkg/output"
	"github.com/ericogr/energy-monitor/pkg/telemetry"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

const (
	DefaultMeasurement = "energy"
	writeTimeout       = 5 * time.Second
)

type InfluxOutput struct {
	client      influxdb2.Client
	writer      api.WriteAPIBlocking
	measurement string
	now         func() time.Time
}

func NewInflux(cfg *config.InfluxConfig) (output.Output, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, errors.New("influx output requires a url")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("influx output requires a bucket")
	}
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxOutput{
		client:      client,
		writer:      client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: measurement,
		now:         time.Now,
	}, nil
}

func (o *InfluxOutput) Publish(m telemetry.Message) error {
	p := influxdb2.NewPoint(o.measurement,
		map[string]string{"device_id": m.DeviceID},
		map[string]interface{}{
			"voltage":      m.Voltage,
			"current1":     m.Current1,
			"current2":     m.Current2,
			"current3":     m.Current3,
			"power1":       m.Power1,
			"power2":       m.Power2,
			"power3":       m.Power3,
			"total_power":  m.TotalPower,
			"energy_today": m.EnergyToday,
		},
		o.now())

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := o.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (o *InfluxOutput) Close() error {
	o.client.Close()
	return nil
}
