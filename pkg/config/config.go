package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Channel roles. The ADS1115 has four inputs: one voltage transformer and
// three current clamps.
const (
	RoleVoltage  = "voltage"
	RoleCurrent1 = "current1"
	RoleCurrent2 = "current2"
	RoleCurrent3 = "current3"
)

// Roles lists the channel roles in sampling order.
var Roles = []string{RoleVoltage, RoleCurrent1, RoleCurrent2, RoleCurrent3}

var (
	ErrInvalidRole    = errors.New("invalid channel role")
	ErrDuplicateInput = errors.New("adc input used by more than one channel")
)

type I2CConfig struct {
	Bus     string `json:"bus" yaml:"bus" toml:"bus"`
	Address int    `json:"address" yaml:"address" toml:"address"`
}

type ChannelConfig struct {
	// Role is one of RoleVoltage, RoleCurrent1..3. Empty means the default
	// role for the ADC input (A0 voltage, A1..A3 currents).
	Role              string  `json:"role,omitempty" yaml:"role,omitempty" toml:"role,omitempty"`
	Channel           int     `json:"channel" yaml:"channel" toml:"channel"`
	Enabled           bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	CalibrationScale  float64 `json:"calibration_scale" yaml:"calibration_scale" toml:"calibration_scale"`
	CalibrationOffset float64 `json:"calibration_offset" yaml:"calibration_offset" toml:"calibration_offset"`
	SampleRate        int     `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty" toml:"sample_rate,omitempty"`
	// SimulatedRMS is the RMS value, in line units, produced by the
	// simulation sensor for this channel.
	SimulatedRMS float64 `json:"simulated_rms,omitempty" yaml:"simulated_rms,omitempty" toml:"simulated_rms,omitempty"`
}

type MQTTConfig struct {
	Server            string `json:"server" yaml:"server" toml:"server"`
	Username          string `json:"username" yaml:"username" toml:"username"`
	Password          string `json:"password" yaml:"password" toml:"password"`
	ClientIDPrefix    string `json:"client_id_prefix" yaml:"client_id_prefix" toml:"client_id_prefix"`
	StateTopic        string `json:"state_topic" yaml:"state_topic" toml:"state_topic"`
	ConfigTopic       string `json:"config_topic" yaml:"config_topic" toml:"config_topic"`
	DiscoveryTopic    string `json:"discovery_topic,omitempty" yaml:"discovery_topic,omitempty" toml:"discovery_topic,omitempty"`
	DiscoveryName     string `json:"discovery_name,omitempty" yaml:"discovery_name,omitempty" toml:"discovery_name,omitempty"`
	DiscoveryUniqueID string `json:"discovery_unique_id,omitempty" yaml:"discovery_unique_id,omitempty" toml:"discovery_unique_id,omitempty"`
	// Discover resolves the broker over mDNS (_mqtt._tcp) before each
	// handshake instead of using Server.
	Discover          bool   `json:"discover,omitempty" yaml:"discover,omitempty" toml:"discover,omitempty"`
	DiscoverInterface string `json:"discover_interface,omitempty" yaml:"discover_interface,omitempty" toml:"discover_interface,omitempty"`
	PayloadFormat     string `json:"payload_format" yaml:"payload_format" toml:"payload_format"`
	MaxPayload        int    `json:"max_payload" yaml:"max_payload" toml:"max_payload"`
	ConnectTimeoutMs  int    `json:"connect_timeout_ms" yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
	InboundQueue      int    `json:"inbound_queue" yaml:"inbound_queue" toml:"inbound_queue"`
}

type InfluxConfig struct {
	URL         string `json:"url" yaml:"url" toml:"url"`
	Token       string `json:"token" yaml:"token" toml:"token"`
	Org         string `json:"org" yaml:"org" toml:"org"`
	Bucket      string `json:"bucket" yaml:"bucket" toml:"bucket"`
	Measurement string `json:"measurement,omitempty" yaml:"measurement,omitempty" toml:"measurement,omitempty"`
}

type WebsocketConfig struct {
	Listen string `json:"listen" yaml:"listen" toml:"listen"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
}

type OutputConfig struct {
	Type       string           `json:"type" yaml:"type" toml:"type"`
	IntervalMs int              `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty" toml:"interval_ms,omitempty"`
	Influx     *InfluxConfig    `json:"influx,omitempty" yaml:"influx,omitempty" toml:"influx,omitempty"`
	Websocket  *WebsocketConfig `json:"websocket,omitempty" yaml:"websocket,omitempty" toml:"websocket,omitempty"`
}

type DisplayConfig struct {
	Type    string `json:"type" yaml:"type" toml:"type"`
	Bus     string `json:"bus,omitempty" yaml:"bus,omitempty" toml:"bus,omitempty"`
	Address int    `json:"address,omitempty" yaml:"address,omitempty" toml:"address,omitempty"`
	Width   int    `json:"width,omitempty" yaml:"width,omitempty" toml:"width,omitempty"`
	Height  int    `json:"height,omitempty" yaml:"height,omitempty" toml:"height,omitempty"`
}

type NetworkConfig struct {
	// Interface restricts the link check to one interface; empty accepts
	// any non-loopback interface.
	Interface string `json:"interface,omitempty" yaml:"interface,omitempty" toml:"interface,omitempty"`
	PollMs    int    `json:"poll_ms" yaml:"poll_ms" toml:"poll_ms"`
}

type Config struct {
	DeviceID          string          `json:"device_id" yaml:"device_id" toml:"device_id"`
	LogLevel          string          `json:"log_level" yaml:"log_level" toml:"log_level"`
	I2C               I2CConfig       `json:"i2c" yaml:"i2c" toml:"i2c"`
	SampleRate        int             `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`
	SensorType        string          `json:"sensor_type" yaml:"sensor_type" toml:"sensor_type"`
	BiasVolts         float64         `json:"bias_volts" yaml:"bias_volts" toml:"bias_volts"`
	HalfCycles        int             `json:"half_cycles" yaml:"half_cycles" toml:"half_cycles"`
	LineFrequency     float64         `json:"line_frequency" yaml:"line_frequency" toml:"line_frequency"`
	SampleTimeoutMs   int             `json:"sample_timeout_ms" yaml:"sample_timeout_ms" toml:"sample_timeout_ms"`
	Channels          []ChannelConfig `json:"channels" yaml:"channels" toml:"channels"`
	Network           NetworkConfig   `json:"network" yaml:"network" toml:"network"`
	MQTT              MQTTConfig      `json:"mqtt" yaml:"mqtt" toml:"mqtt"`
	Display           DisplayConfig   `json:"display" yaml:"display" toml:"display"`
	Outputs           []OutputConfig  `json:"outputs" yaml:"outputs" toml:"outputs"`
	SampleIntervalMs  int             `json:"sample_interval_ms" yaml:"sample_interval_ms" toml:"sample_interval_ms"`
	PublishIntervalMs int             `json:"publish_interval_ms" yaml:"publish_interval_ms" toml:"publish_interval_ms"`
	ReconnectDelayMs  int             `json:"reconnect_delay_ms" yaml:"reconnect_delay_ms" toml:"reconnect_delay_ms"`
	CalibrationMs     int             `json:"calibration_ms" yaml:"calibration_ms" toml:"calibration_ms"`
	LoopTickMs        int             `json:"loop_tick_ms" yaml:"loop_tick_ms" toml:"loop_tick_ms"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel:        "info",
		I2C:             I2CConfig{Bus: "1", Address: 0x48},
		SampleRate:      860,
		SensorType:      "real",
		BiasVolts:       1.65,
		HalfCycles:      20,
		LineFrequency:   50,
		SampleTimeoutMs: 2000,
		Channels: []ChannelConfig{
			{Role: RoleVoltage, Channel: 0, Enabled: true, CalibrationScale: 500.0, SimulatedRMS: 230.0},
			{Role: RoleCurrent1, Channel: 1, Enabled: true, CalibrationScale: 30.0, SimulatedRMS: 2.0},
			{Role: RoleCurrent2, Channel: 2, Enabled: true, CalibrationScale: 30.0, SimulatedRMS: 0.0},
			{Role: RoleCurrent3, Channel: 3, Enabled: true, CalibrationScale: 30.0, SimulatedRMS: 1.0},
		},
		Network: NetworkConfig{PollMs: 500},
		MQTT: MQTTConfig{
			Server:           "tcp://localhost:1883",
			ClientIDPrefix:   "EnergyMonitor-",
			StateTopic:       "energy/power",
			ConfigTopic:      "energy/config",
			PayloadFormat:    "json",
			MaxPayload:       256,
			ConnectTimeoutMs: 10000,
			InboundQueue:     16,
		},
		Display:           DisplayConfig{Type: "console", Bus: "1", Address: 0x27, Width: 16, Height: 2},
		Outputs:           []OutputConfig{},
		SampleIntervalMs:  1000,
		PublishIntervalMs: 10000,
		ReconnectDelayMs:  5000,
		CalibrationMs:     3000,
		LoopTickMs:        10,
	}
}

// RoleOf returns the channel role, falling back to the default role of its
// ADC input.
func (c ChannelConfig) RoleOf() string {
	if c.Role != "" {
		return c.Role
	}
	if c.Channel >= 0 && c.Channel < len(Roles) {
		return Roles[c.Channel]
	}
	return ""
}

// LoadFromFlags loads configuration from the command line of the process.
func LoadFromFlags() (Config, error) {
	return Load(os.Args[1:], os.Getenv)
}

// Load builds the configuration from defaults, an optional config file
// (JSON, YAML or TOML by extension), environment variables and flags, in
// that order of precedence.
func Load(args []string, getenv func(string) string) (Config, error) {
	fs := flag.NewFlagSet("energy-monitor", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to config file (.json, .yaml, .yml, .toml)")
	flagDeviceID := fs.String("device-id", "", "Device identifier reported in telemetry")
	flagLogLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	flagI2CBus := fs.String("i2c-bus", "", "I2C bus of the ADC (e.g., '1' -> /dev/i2c-1)")
	flagI2CAddStr := fs.String("i2c-address", "", "ADC I2C address (decimal or 0x hex)")
	flagSampleRate := fs.Int("sample-rate", -1, "ADS1115 sample rate (SPS)")
	flagSensorType := fs.String("sensor-type", "", "sensor type: real|simulation")
	flagScales := fs.String("channel-scales", "", "Per-input calibration scale e.g. 0=500,1=30")
	flagOffsets := fs.String("channel-offsets", "", "Per-input calibration offset e.g. 1=-0.02")
	flagEnabled := fs.String("channel-enabled", "", "Per-input enable e.g. 3=false")
	flagRates := fs.String("channel-sample-rates", "", "Per-input sample rate e.g. 0=860")
	flagOutputs := fs.String("outputs", "", "Comma-separated extra outputs (console,influx,websocket)")
	flagOutputIntervals := fs.String("output-intervals", "", "Comma-separated output intervals e.g. console=1000,influx=60000")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientPrefix := fs.String("mqtt-client-prefix", "", "MQTT client id prefix")
	flagTopic := fs.String("mqtt-topic", "", "MQTT telemetry topic")
	flagConfigTopic := fs.String("mqtt-config-topic", "", "MQTT configuration topic")
	flagDiscover := fs.String("mqtt-discover", "", "Resolve the broker over mDNS (true|false)")
	flagSampleInterval := fs.Int("sample-interval-ms", -1, "Sample interval in ms")
	flagPublishInterval := fs.Int("publish-interval-ms", -1, "Publish interval in ms")
	flagReconnectDelay := fs.Int("reconnect-delay-ms", -1, "MQTT reconnect delay in ms")
	flagDisplay := fs.String("display", "", "display type: lcd|console|none")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()

	if *cfgPath != "" {
		if err := loadFile(*cfgPath, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg, getenv)

	if *flagDeviceID != "" {
		cfg.DeviceID = *flagDeviceID
	}
	if *flagLogLevel != "" {
		cfg.LogLevel = *flagLogLevel
	}
	if *flagI2CBus != "" {
		cfg.I2C.Bus = *flagI2CBus
	}
	if *flagI2CAddStr != "" {
		v, err := parseIntOrHex(*flagI2CAddStr)
		if err != nil {
			return cfg, fmt.Errorf("i2c-address: %w", err)
		}
		cfg.I2C.Address = v
	}
	if *flagSampleRate != -1 {
		cfg.SampleRate = *flagSampleRate
	}
	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if err := applyChannelFlags(&cfg, *flagScales, *flagOffsets, *flagEnabled, *flagRates); err != nil {
		return cfg, err
	}
	if *flagOutputs != "" {
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p})
		}
		cfg.Outputs = outs
	}
	if *flagOutputIntervals != "" {
		outIntervals := map[string]int{}
		for _, p := range parseCSV(*flagOutputIntervals) {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			if v, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil {
				outIntervals[strings.TrimSpace(kv[0])] = v
			}
		}
		for i := range cfg.Outputs {
			if v, ok := outIntervals[cfg.Outputs[i].Type]; ok {
				cfg.Outputs[i].IntervalMs = v
			}
		}
	}
	if *flagMQTTServer != "" {
		cfg.MQTT.Server = *flagMQTTServer
	}
	if *flagMQTTUser != "" {
		cfg.MQTT.Username = *flagMQTTUser
	}
	if *flagMQTTPass != "" {
		cfg.MQTT.Password = *flagMQTTPass
	}
	if *flagClientPrefix != "" {
		cfg.MQTT.ClientIDPrefix = *flagClientPrefix
	}
	if *flagTopic != "" {
		cfg.MQTT.StateTopic = *flagTopic
	}
	if *flagConfigTopic != "" {
		cfg.MQTT.ConfigTopic = *flagConfigTopic
	}
	if *flagDiscover != "" {
		v, err := strconv.ParseBool(*flagDiscover)
		if err != nil {
			return cfg, fmt.Errorf("mqtt-discover: %w", err)
		}
		cfg.MQTT.Discover = v
	}
	if *flagSampleInterval != -1 {
		cfg.SampleIntervalMs = *flagSampleInterval
	}
	if *flagPublishInterval != -1 {
		cfg.PublishIntervalMs = *flagPublishInterval
	}
	if *flagReconnectDelay != -1 {
		cfg.ReconnectDelayMs = *flagReconnectDelay
	}
	if *flagDisplay != "" {
		cfg.Display.Type = *flagDisplay
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the values the agent cannot run without.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return errors.New("sample-rate must be > 0")
	}
	if c.SampleIntervalMs <= 0 || c.PublishIntervalMs <= 0 {
		return errors.New("sample and publish intervals must be > 0")
	}
	if c.ReconnectDelayMs <= 0 || c.Network.PollMs <= 0 {
		return errors.New("reconnect delay and network poll interval must be > 0")
	}
	if c.HalfCycles <= 0 || c.LineFrequency <= 0 {
		return errors.New("half-cycles and line frequency must be > 0")
	}
	if c.MQTT.MaxPayload <= 0 {
		return errors.New("mqtt max_payload must be > 0")
	}
	seenRole := map[string]bool{}
	seenInput := map[int]bool{}
	for _, ch := range c.Channels {
		role := ch.RoleOf()
		valid := false
		for _, r := range Roles {
			if r == role {
				valid = true
			}
		}
		if !valid || seenRole[role] {
			return fmt.Errorf("%w: %q on input %d", ErrInvalidRole, role, ch.Channel)
		}
		if seenInput[ch.Channel] {
			return fmt.Errorf("%w: %d", ErrDuplicateInput, ch.Channel)
		}
		seenRole[role] = true
		seenInput[ch.Channel] = true
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	// lists in the file replace the defaults instead of merging into them
	channels, outputs := cfg.Channels, cfg.Outputs
	cfg.Channels, cfg.Outputs = nil, nil
	defer func() {
		if cfg.Channels == nil {
			cfg.Channels = channels
		}
		if cfg.Outputs == nil {
			cfg.Outputs = outputs
		}
	}()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, cfg)
	case ".toml":
		err = toml.Unmarshal(b, cfg)
	default:
		err = json.Unmarshal(b, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		return
	}
	if v := getenv("DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := getenv("MQTT_SERVER"); v != "" {
		cfg.MQTT.Server = v
	}
	if v := getenv("MQTT_USER"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := getenv("MQTT_PASS"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("SENSOR_TYPE"); v != "" {
		cfg.SensorType = v
	}
}

func applyChannelFlags(cfg *Config, scales, offsets, enabled, rates string) error {
	sc, err := parseKeyFloatMap(scales)
	if err != nil {
		return fmt.Errorf("channel-scales: %w", err)
	}
	off, err := parseKeyFloatMap(offsets)
	if err != nil {
		return fmt.Errorf("channel-offsets: %w", err)
	}
	en, err := parseKeyBoolMap(enabled)
	if err != nil {
		return fmt.Errorf("channel-enabled: %w", err)
	}
	sr, err := parseKeyIntMap(rates)
	if err != nil {
		return fmt.Errorf("channel-sample-rates: %w", err)
	}
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		if v, ok := sc[ch.Channel]; ok {
			ch.CalibrationScale = v
		}
		if v, ok := off[ch.Channel]; ok {
			ch.CalibrationOffset = v
		}
		if v, ok := en[ch.Channel]; ok {
			ch.Enabled = v
		}
		if v, ok := sr[ch.Channel]; ok {
			ch.SampleRate = v
		}
	}
	return nil
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseKeyValues splits "k=v,k=v" into trimmed pairs keyed by ADC input.
func parseKeyValues(s string) (map[int]string, error) {
	out := map[int]string{}
	for _, p := range parseCSV(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid pair '%s'", p)
		}
		k, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid channel '%s': %w", kv[0], err)
		}
		out[k] = strings.TrimSpace(kv[1])
	}
	return out, nil
}

func parseKeyFloatMap(s string) (map[int]float64, error) {
	kv, err := parseKeyValues(s)
	if err != nil {
		return nil, err
	}
	out := make(map[int]float64, len(kv))
	for k, v := range kv {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) {
			return nil, fmt.Errorf("invalid value for channel %d: %q", k, v)
		}
		out[k] = f
	}
	return out, nil
}

func parseKeyIntMap(s string) (map[int]int, error) {
	kv, err := parseKeyValues(s)
	if err != nil {
		return nil, err
	}
	out := make(map[int]int, len(kv))
	for k, v := range kv {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid value for channel %d: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

func parseKeyBoolMap(s string) (map[int]bool, error) {
	kv, err := parseKeyValues(s)
	if err != nil {
		return nil, err
	}
	out := make(map[int]bool, len(kv))
	for k, v := range kv {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid value for channel %d: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}
