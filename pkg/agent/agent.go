// Package agent runs the sample, display and publish loop.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/ericogr/energy-monitor/pkg/display"
	"github.com/ericogr/energy-monitor/pkg/output"
	"github.com/ericogr/energy-monitor/pkg/power"
	"github.com/ericogr/energy-monitor/pkg/sensor"
	"github.com/ericogr/energy-monitor/pkg/telemetry"
	log "github.com/sirupsen/logrus"
)

// Reader returns one RMS reading of every channel.
type Reader interface {
	Read() (sensor.Reading, error)
}

// Connection is the link and broker session owner.
type Connection interface {
	EnsureLink(ctx context.Context) error
	EnsureConnected(ctx context.Context) error
	Connected() bool
	Service(ctx context.Context, dispatch func(ctx context.Context, topic string, payload []byte) error) int
}

type Publisher interface {
	Publish(telemetry.Message) error
}

// Handler acts on one inbound message.
type Handler interface {
	Handle(ctx context.Context, topic string, payload []byte) error
}

// Sink is a secondary output with its own cadence.
type Sink struct {
	Name       string
	Output     output.Output
	IntervalMs int

	last time.Time
	sent bool
}

type Options struct {
	DeviceID        string
	SampleInterval  time.Duration
	PublishInterval time.Duration
	LoopTick        time.Duration
	ReadyHold       time.Duration
}

// Agent owns everything the loop touches. It is not safe for concurrent use.
type Agent struct {
	opts      Options
	reader    Reader
	panel     display.Panel
	conn      Connection
	publisher Publisher
	handler   Handler
	sinks     []*Sink

	reading power.Reading
	energy  power.Accumulator

	now         func() time.Time
	start       time.Time
	lastSample  time.Time
	lastPublish time.Time
	sampled     bool
	published   bool
}

func New(opts Options, r Reader, p display.Panel, c Connection, pub Publisher, h Handler, sinks []*Sink) *Agent {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Second
	}
	if opts.PublishInterval <= 0 {
		opts.PublishInterval = 10 * time.Second
	}
	if opts.LoopTick <= 0 {
		opts.LoopTick = 10 * time.Millisecond
	}
	a := &Agent{
		opts:      opts,
		reader:    r,
		panel:     p,
		conn:      c,
		publisher: pub,
		handler:   h,
		sinks:     sinks,
		now:       time.Now,
	}
	a.start = a.now()
	return a
}

// Boot shows the startup banners and waits for the network link.
func (a *Agent) Boot(ctx context.Context) error {
	log.Info("Energy monitor starting...")
	display.Banner(a.panel, "Energy Monitor", "Initializing...")

	if err := a.conn.EnsureLink(ctx); err != nil {
		return err
	}

	log.Info("Setup complete")
	display.Banner(a.panel, "System Ready", "")
	if a.opts.ReadyHold > 0 {
		t := time.NewTimer(a.opts.ReadyHold)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	a.start = a.now()
	return nil
}

// Step runs one loop iteration: keep the session up, handle inbound
// messages, then sample and publish when their intervals have elapsed.
// The first Step samples and publishes immediately.
func (a *Agent) Step(ctx context.Context) error {
	if err := a.conn.EnsureConnected(ctx); err != nil {
		return err
	}
	a.conn.Service(ctx, a.handler.Handle)

	now := a.now()
	if !a.sampled || now.Sub(a.lastSample) >= a.opts.SampleInterval {
		a.lastSample, a.sampled = now, true
		a.sample()
	}

	if !a.published || now.Sub(a.lastPublish) >= a.opts.PublishInterval {
		a.lastPublish, a.published = now, true
		a.publish(now)
	}

	for _, s := range a.sinks {
		if s.sent && now.Sub(s.last) < time.Duration(s.IntervalMs)*time.Millisecond {
			continue
		}
		s.last, s.sent = now, true
		if err := s.Output.Publish(a.message(now)); err != nil {
			log.WithError(err).WithField("output", s.Name).Warn("output publish failed")
		}
	}
	return nil
}

func (a *Agent) sample() {
	r, err := a.reader.Read()
	if err != nil {
		log.WithError(err).Warn("sensor read failed")
		return
	}
	a.reading = power.Compute(r.Voltage, r.Current1, r.Current2, r.Current3)
	a.energy.Add(a.reading.TotalPower, a.opts.SampleInterval)

	log.WithFields(log.Fields{
		"voltage":      a.reading.Voltage,
		"total_power":  a.reading.TotalPower,
		"energy_today": a.energy.EnergyToday,
	}).Debug("sample")
	if err := display.ShowReading(a.panel, a.reading.TotalPower, a.energy.EnergyToday); err != nil {
		log.WithError(err).Debug("display update failed")
	}
}

func (a *Agent) publish(now time.Time) {
	if !a.conn.Connected() {
		log.Warn("session down, skipping publish")
		return
	}
	if err := a.publisher.Publish(a.message(now)); err != nil {
		log.WithError(err).Warn("publish failed")
	}
}

func (a *Agent) message(now time.Time) telemetry.Message {
	return telemetry.NewMessage(a.opts.DeviceID, a.reading, a.energy.EnergyToday, now.Sub(a.start).Milliseconds())
}

// Reading returns the last computed reading.
func (a *Agent) Reading() power.Reading { return a.reading }

// EnergyToday returns the accumulated energy.
func (a *Agent) EnergyToday() float64 { return a.energy.EnergyToday }

// Run boots and then steps every LoopTick until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Boot(ctx); err != nil {
		return ignoreCanceled(err)
	}
	ticker := time.NewTicker(a.opts.LoopTick)
	defer ticker.Stop()
	for {
		if err := a.Step(ctx); err != nil {
			return ignoreCanceled(err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close closes every sink.
func (a *Agent) Close() error {
	var errs []error
	for _, s := range a.sinks {
		if err := s.Output.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
