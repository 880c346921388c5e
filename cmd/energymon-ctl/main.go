// Command energymon-ctl is an operator console for a running energy monitor.
// It sends configuration commands and can follow the telemetry stream.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/energy-monitor/pkg/telemetry"
	"github.com/google/shlex"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type actionKind int

const (
	actNone actionKind = iota
	actPublish
	actWatch
	actHelp
	actQuit
)

type action struct {
	kind    actionKind
	payload []byte
	watch   bool
}

var errUsage = errors.New("usage")

// parseCommand turns one console line into an action. Arguments are split
// with shell quoting rules so JSON can be passed in quotes.
func parseCommand(line string) (action, error) {
	parts, err := shlex.Split(line)
	if err != nil {
		return action{}, fmt.Errorf("parse %q: %w", line, err)
	}
	if len(parts) == 0 {
		return action{kind: actNone}, nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]
	switch cmd {
	case "calibrate", "cal":
		return action{kind: actPublish, payload: []byte(`{"calibrate":true}`)}, nil
	case "send":
		if len(args) == 0 {
			return action{}, fmt.Errorf("%w: send <json>", errUsage)
		}
		doc := strings.Join(args, " ")
		if !json.Valid([]byte(doc)) {
			return action{}, fmt.Errorf("send: payload is not valid JSON: %s", doc)
		}
		return action{kind: actPublish, payload: []byte(doc)}, nil
	case "watch":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return action{}, fmt.Errorf("%w: watch on|off", errUsage)
		}
		return action{kind: actWatch, watch: args[0] == "on"}, nil
	case "help", "?":
		return action{kind: actHelp}, nil
	case "quit", "exit", "q":
		return action{kind: actQuit}, nil
	default:
		return action{}, fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

// formatTelemetry renders one state message for the console.
func formatTelemetry(payload []byte, format telemetry.Format) string {
	m, err := telemetry.Decode(payload, format)
	if err != nil {
		return fmt.Sprintf("undecodable telemetry (%d bytes): %v", len(payload), err)
	}
	return fmt.Sprintf("[%s t=%dms] %.1f V  %.3f/%.3f/%.3f A  %.1f W  %.4f kWh",
		m.DeviceID, m.Timestamp, m.Voltage, m.Current1, m.Current2, m.Current3, m.TotalPower, m.EnergyToday)
}

type console struct {
	client      mqtt.Client
	rl          *readline.Instance
	configTopic string
	stateTopic  string
	format      telemetry.Format
}

func (c *console) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
Energy monitor commands:
  calibrate          - Run sensor calibration on the device
  send <json>        - Publish a raw configuration document
  watch on|off       - Follow the telemetry topic
  help               - Show this help
  quit               - Exit`)
}

func (c *console) publish(payload []byte) error {
	token := c.client.Publish(c.configTopic, 0, false, payload)
	token.Wait()
	return token.Error()
}

func (c *console) watch(on bool) error {
	if !on {
		token := c.client.Unsubscribe(c.stateTopic)
		token.Wait()
		return token.Error()
	}
	token := c.client.Subscribe(c.stateTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		fmt.Fprintln(c.rl.Stdout(), formatTelemetry(msg.Payload(), c.format))
	})
	token.Wait()
	return token.Error()
}

func (c *console) run() {
	c.printHelp()
	for {
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Warn("readline")
			}
			return
		}
		act, err := parseCommand(line)
		if err != nil {
			fmt.Fprintln(c.rl.Stdout(), err)
			continue
		}
		switch act.kind {
		case actPublish:
			if err := c.publish(act.payload); err != nil {
				log.WithError(err).Warn("publish failed")
				continue
			}
			fmt.Fprintf(c.rl.Stdout(), "sent to %s: %s\n", c.configTopic, act.payload)
		case actWatch:
			if err := c.watch(act.watch); err != nil {
				log.WithError(err).Warn("watch failed")
			}
		case actHelp:
			c.printHelp()
		case actQuit:
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			return
		}
	}
}

func main() {
	server := flag.String("mqtt-server", "tcp://localhost:1883", "MQTT broker URL")
	user := flag.String("mqtt-user", "", "MQTT username")
	pass := flag.String("mqtt-pass", "", "MQTT password")
	configTopic := flag.String("mqtt-config-topic", "energy/config", "Device configuration topic")
	stateTopic := flag.String("mqtt-topic", "energy/power", "Telemetry topic")
	payloadFormat := flag.String("payload-format", "json", "Telemetry payload format (json|cbor)")
	flag.Parse()

	format, err := telemetry.ParseFormat(*payloadFormat)
	if err != nil {
		log.Fatal(err)
	}

	opts := mqtt.NewClientOptions().AddBroker(*server).SetClientID("energymon-ctl-" + uuid.NewString()[:8])
	if *user != "" {
		opts.SetUsername(*user)
	}
	if *pass != "" {
		opts.SetPassword(*pass)
	}
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("mqtt connect: %v", token.Error())
	}
	defer client.Disconnect(250)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "energymon> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		log.Fatalf("failed to create readline: %v", err)
	}
	defer rl.Close()
	log.SetOutput(rl.Stderr())

	c := &console{client: client, rl: rl, configTopic: *configTopic, stateTopic: *stateTopic, format: format}
	c.run()
}
