package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/energy-monitor/pkg/config"
	"github.com/ericogr/energy-monitor/pkg/connectivity"
	log "github.com/sirupsen/logrus"
)

const (
	// defaults
	DefaultServer       = "tcp://localhost:1883"
	DefaultStateTopic   = "energy/power"
	DefaultConfigTopic  = "energy/config"
	disconnectQuiesceMs = 250
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	stateClassMeasurement  = "measurement"
	stateClassTotal        = "total_increasing"
)

// metric is one Home Assistant sensor derived from the state message.
type metric struct {
	Key         string
	Label       string
	Unit        string
	DeviceClass string
	StateClass  string
}

var discoveryMetrics = []metric{
	{Key: "voltage", Label: "Voltage", Unit: "V", DeviceClass: "voltage", StateClass: stateClassMeasurement},
	{Key: "total_power", Label: "Power", Unit: "W", DeviceClass: "power", StateClass: stateClassMeasurement},
	{Key: "energy_today", Label: "Energy", Unit: "kWh", DeviceClass: "energy", StateClass: stateClassTotal},
}

// BrokerResolver looks up a broker URL, typically over mDNS.
type BrokerResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Session is a paho client that is rebuilt on every handshake so each
// attempt carries its own client id. Inbound publishes are queued and
// drained by the caller through Inbound.
type Session struct {
	cfg      config.MQTTConfig
	deviceID string
	resolver BrokerResolver

	mu      sync.Mutex
	client  mqtt.Client
	inbound chan connectivity.Message
}

func NewSession(cfg config.MQTTConfig, deviceID string, resolver BrokerResolver) *Session {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.StateTopic == "" {
		cfg.StateTopic = DefaultStateTopic
	}
	if cfg.ConfigTopic == "" {
		cfg.ConfigTopic = DefaultConfigTopic
	}
	queue := cfg.InboundQueue
	if queue <= 0 {
		queue = 16
	}
	return &Session{
		cfg:      cfg,
		deviceID: deviceID,
		resolver: resolver,
		inbound:  make(chan connectivity.Message, queue),
	}
}

// RouteClientLogs sends paho's error output through logrus.
func RouteClientLogs() {
	entry := log.WithField("component", "paho")
	mqtt.ERROR = entry
	mqtt.CRITICAL = entry
}

func (s *Session) server(ctx context.Context) string {
	if s.resolver == nil {
		return s.cfg.Server
	}
	url, err := s.resolver.Resolve(ctx)
	if err != nil {
		log.WithError(err).Warnf("broker discovery failed, using %s", s.cfg.Server)
		return s.cfg.Server
	}
	return url
}

func (s *Session) options(server, clientID string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().AddBroker(server).SetClientID(clientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	if s.cfg.ConnectTimeoutMs > 0 {
		opts.SetConnectTimeout(time.Duration(s.cfg.ConnectTimeoutMs) * time.Millisecond)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetDefaultPublishHandler(s.onMessage)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("mqtt connection lost")
	})
	opts.SetOnConnectHandler(s.publishDiscovery)
	return opts
}

// Connect performs one handshake. A refused handshake is returned as a
// *connectivity.ConnectError with the broker's return code.
func (s *Session) Connect(ctx context.Context, clientID string) error {
	server := s.server(ctx)
	client := mqtt.NewClient(s.options(server, clientID))
	token := client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		var rc byte
		if ct, ok := token.(*mqtt.ConnectToken); ok {
			rc = ct.ReturnCode()
		}
		return &connectivity.ConnectError{ReturnCode: rc, Err: fmt.Errorf("mqtt connect %s: %w", server, err)}
	}

	s.mu.Lock()
	old := s.client
	s.client = client
	s.mu.Unlock()
	if old != nil && old != client {
		old.Disconnect(0)
	}
	return nil
}

func (s *Session) current() mqtt.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Session) Connected() bool {
	c := s.current()
	return c != nil && c.IsConnectionOpen()
}

func (s *Session) Subscribe(topic string) error {
	c := s.current()
	if c == nil {
		return connectivity.ErrNotConnected
	}
	token := c.Subscribe(topic, 0, s.onMessage)
	token.Wait()
	return token.Error()
}

func (s *Session) Publish(topic string, payload []byte) error {
	return s.PublishRaw(topic, payload, false)
}

// PublishRaw publishes a raw payload to the given topic. The caller can set the
// retain flag which is useful for discovery messages.
func (s *Session) PublishRaw(topic string, payload []byte, retained bool) error {
	c := s.current()
	if c == nil {
		return fmt.Errorf("mqtt client not connected")
	}
	token := c.Publish(topic, 0, retained, payload)
	token.Wait()
	return token.Error()
}

func (s *Session) Inbound() <-chan connectivity.Message { return s.inbound }

func (s *Session) Disconnect() {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c != nil {
		c.Disconnect(disconnectQuiesceMs)
	}
}

// onMessage runs on paho's goroutine; it only queues.
func (s *Session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m := connectivity.Message{Topic: msg.Topic(), Payload: append([]byte(nil), msg.Payload()...)}
	select {
	case s.inbound <- m:
	default:
		log.WithField("topic", m.Topic).Warn("inbound queue full, dropping message")
	}
}

func (s *Session) publishDiscovery(client mqtt.Client) {
	for topic, payload := range discoveryPayloads(s.cfg, s.deviceID) {
		if err := publishJSON(client, topic, true, payload); err != nil {
			log.WithError(err).Warn("mqtt discovery publish error")
		}
	}
}

// discoveryPayloads maps discovery topics to their payloads. A discovery
// topic containing %s gets one entry per metric; otherwise only total power
// is announced.
func discoveryPayloads(cfg config.MQTTConfig, deviceID string) map[string]map[string]interface{} {
	out := map[string]map[string]interface{}{}
	if cfg.DiscoveryTopic == "" {
		return out
	}
	if strings.Contains(cfg.DiscoveryTopic, "%s") {
		for i := range discoveryMetrics {
			m := &discoveryMetrics[i]
			topic := fmt.Sprintf(cfg.DiscoveryTopic, m.Key)
			out[topic] = baseDiscoveryPayload(discoveryName(cfg, deviceID, m), cfg.StateTopic, discoveryUniqueID(cfg, deviceID, m), m)
		}
		return out
	}
	m := &discoveryMetrics[1]
	out[cfg.DiscoveryTopic] = baseDiscoveryPayload(discoveryName(cfg, deviceID, nil), cfg.StateTopic, discoveryUniqueID(cfg, deviceID, nil), m)
	return out
}

// helper: build a human-friendly discovery name; if m != nil append the metric label
func discoveryName(cfg config.MQTTConfig, deviceID string, m *metric) string {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("Energy Monitor %s", deviceID)
	}
	if m != nil {
		name = fmt.Sprintf("%s %s", name, m.Label)
	}
	return name
}

// helper: build a unique id for discovery; if m != nil append the metric key
func discoveryUniqueID(cfg config.MQTTConfig, deviceID string, m *metric) string {
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = deviceID
	}
	if uid != "" && m != nil {
		uid = fmt.Sprintf("%s_%s", uid, m.Key)
	}
	return uid
}

// helper: base discovery payload map common to all entries
func baseDiscoveryPayload(name, stateTopic, uniqueID string, m *metric) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          stateTopic,
		keyUnitOfMeasurement:   m.Unit,
		keyDeviceClass:         m.DeviceClass,
		keyStateClass:          m.StateClass,
		keyValueTemplate:       fmt.Sprintf("{{ value_json.%s }}", m.Key),
		keyJSONAttributesTopic: stateTopic,
	}
	if uniqueID != "" {
		payload[keyUniqueID] = uniqueID
	}
	return payload
}

// helper: marshal and publish JSON payload
func publishJSON(client mqtt.Client, topic string, retained bool, payload map[string]interface{}) error {
	if client == nil {
		return errors.New("mqtt client not connected")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}
