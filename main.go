package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericogr/energy-monitor/pkg/agent"
	"github.com/ericogr/energy-monitor/pkg/calibration"
	"github.com/ericogr/energy-monitor/pkg/command"
	"github.com/ericogr/energy-monitor/pkg/config"
	"github.com/ericogr/energy-monitor/pkg/connectivity"
	"github.com/ericogr/energy-monitor/pkg/discovery"
	"github.com/ericogr/energy-monitor/pkg/display"
	"github.com/ericogr/energy-monitor/pkg/link"
	"github.com/ericogr/energy-monitor/pkg/output/console"
	"github.com/ericogr/energy-monitor/pkg/output/influx"
	mqttout "github.com/ericogr/energy-monitor/pkg/output/mqtt"
	"github.com/ericogr/energy-monitor/pkg/output/websocket"
	"github.com/ericogr/energy-monitor/pkg/sensor"
	"github.com/ericogr/energy-monitor/pkg/telemetry"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	readyHold      = time.Second
	linkBannerHold = 2 * time.Second
)

func main() {
	cfg, err := config.LoadFromFlags()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	setupLogging(cfg.LogLevel)
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		log.WithField("device_id", cfg.DeviceID).Info("no device id configured, generated one")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
	log.Info("shutdown complete")
}

func setupLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("invalid log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

func run(ctx context.Context, cfg config.Config) error {
	sampler, err := sensor.NewSampler(cfg)
	if err != nil {
		return fmt.Errorf("sensor: %w", err)
	}
	reader := sensor.NewReader(sampler, cfg)
	defer reader.Close()

	if need := computeSensorInterval(cfg); need > cfg.SampleIntervalMs {
		log.Warnf("sampling all channels takes about %dms, longer than the %dms sample interval", need, cfg.SampleIntervalMs)
	}

	panel, err := display.New(cfg.Display)
	if err != nil {
		return fmt.Errorf("display: %w", err)
	}
	defer panel.Close()

	sinks, err := initOutputs(&cfg, cfg.PublishIntervalMs)
	if err != nil {
		return err
	}

	format, err := telemetry.ParseFormat(cfg.MQTT.PayloadFormat)
	if err != nil {
		return err
	}

	var resolver mqttout.BrokerResolver
	if cfg.MQTT.Discover {
		resolver = &discovery.Resolver{Interface: cfg.MQTT.DiscoverInterface}
	}
	mqttout.RouteClientLogs()
	session := mqttout.NewSession(cfg.MQTT, cfg.DeviceID, resolver)
	conn := connectivity.NewManager(link.NewInterface(cfg.Network.Interface), session, panel, connectivity.Options{
		ClientIDPrefix: cfg.MQTT.ClientIDPrefix,
		ConfigTopic:    cfg.MQTT.ConfigTopic,
		ReconnectDelay: millis(cfg.ReconnectDelayMs),
		LinkPoll:       millis(cfg.Network.PollMs),
		LinkBannerHold: linkBannerHold,
	})
	defer conn.Close()

	publisher := telemetry.NewPublisher(conn, cfg.MQTT.StateTopic, format, cfg.MQTT.MaxPayload)
	handler := command.NewHandler(cfg.MQTT.ConfigTopic, calibration.NewStub(panel, millis(cfg.CalibrationMs)))

	a := agent.New(agent.Options{
		DeviceID:        cfg.DeviceID,
		SampleInterval:  millis(cfg.SampleIntervalMs),
		PublishInterval: millis(cfg.PublishIntervalMs),
		LoopTick:        millis(cfg.LoopTickMs),
		ReadyHold:       readyHold,
	}, reader, panel, conn, publisher, handler, sinks)
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sinks {
		if hub, ok := s.Output.(*websocket.Hub); ok {
			g.Go(func() error { return hub.Serve(gctx) })
		}
	}
	g.Go(func() error { return a.Run(gctx) })
	return g.Wait()
}

// computeSensorInterval returns how long one pass over the enabled channels
// takes in ms: each channel is measured over HalfCycles half periods of the
// line frequency.
func computeSensorInterval(cfg config.Config) int {
	if cfg.LineFrequency <= 0 || cfg.HalfCycles <= 0 {
		return 0
	}
	perChannel := int(math.Ceil(float64(cfg.HalfCycles) * 1000.0 / (2.0 * cfg.LineFrequency)))
	total := 0
	for _, ch := range cfg.Channels {
		if ch.Enabled {
			total += perChannel
		}
	}
	return total
}

// initOutputs builds the extra sinks, giving each a default interval when
// it has none.
func initOutputs(cfg *config.Config, defaultInterval int) ([]*agent.Sink, error) {
	var sinks []*agent.Sink
	for i := range cfg.Outputs {
		oc := &cfg.Outputs[i]
		if oc.IntervalMs <= 0 {
			oc.IntervalMs = defaultInterval
		}
		s := &agent.Sink{Name: oc.Type, IntervalMs: oc.IntervalMs}
		switch oc.Type {
		case "console":
			s.Output = console.NewConsole()
		case "influx":
			out, err := influx.NewInflux(oc.Influx)
			if err != nil {
				return nil, err
			}
			s.Output = out
		case "websocket":
			s.Output = websocket.NewHub(oc.Websocket)
		default:
			return nil, fmt.Errorf("unknown output type %q", oc.Type)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
