// Package connectivity keeps the network link and the broker session up.
//
// The manager is driven from the main loop: EnsureConnected blocks until a
// session is established (or ctx ends) and Service drains inbound messages
// on the caller's goroutine.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ericogr/energy-monitor/pkg/display"
	"github.com/ericogr/energy-monitor/pkg/link"
	log "github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("session not connected")

type State int

const (
	LinkDown State = iota
	SessionDown
	SessionUp
)

func (s State) String() string {
	switch s {
	case LinkDown:
		return "link-down"
	case SessionDown:
		return "session-down"
	case SessionUp:
		return "session-up"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Message is one inbound publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Session is a broker session. Connect performs a single handshake.
type Session interface {
	Connect(ctx context.Context, clientID string) error
	Connected() bool
	Subscribe(topic string) error
	Publish(topic string, payload []byte) error
	Inbound() <-chan Message
	Disconnect()
}

// ConnectError carries the broker's handshake return code.
type ConnectError struct {
	ReturnCode byte
	Err        error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect failed, rc=%d: %v", e.ReturnCode, e.Err)
	}
	return fmt.Sprintf("connect failed, rc=%d", e.ReturnCode)
}

func (e *ConnectError) Unwrap() error { return e.Err }

type Options struct {
	ClientIDPrefix string
	ConfigTopic    string
	ReconnectDelay time.Duration
	LinkPoll       time.Duration
	// LinkBannerHold keeps the "Network Up" banner on screen after the link
	// comes up. Zero skips the pause.
	LinkBannerHold time.Duration
}

type Manager struct {
	link    link.Link
	session Session
	panel   display.Panel
	opts    Options

	linked  bool
	address string
	rnd     *rand.Rand
}

func NewManager(l link.Link, s Session, p display.Panel, opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.LinkPoll <= 0 {
		opts.LinkPoll = 500 * time.Millisecond
	}
	return &Manager{
		link:    l,
		session: s,
		panel:   p,
		opts:    opts,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *Manager) State() State {
	switch {
	case !m.linked:
		return LinkDown
	case m.session.Connected():
		return SessionUp
	default:
		return SessionDown
	}
}

// Address is the local address reported when the link came up.
func (m *Manager) Address() string { return m.address }

func (m *Manager) Connected() bool { return m.session.Connected() }

// EnsureConnected returns at once when the session is up. Otherwise it waits
// for the link and then retries the handshake every ReconnectDelay until one
// succeeds. It only gives up when ctx is done.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if m.session.Connected() {
		return nil
	}
	if err := m.EnsureLink(ctx); err != nil {
		return err
	}
	return m.connect(ctx)
}

// EnsureLink waits for the network link, polling every LinkPoll.
func (m *Manager) EnsureLink(ctx context.Context) error {
	if m.linked && m.link.Up() {
		return nil
	}
	m.linked = false
	return m.associate(ctx)
}

func (m *Manager) associate(ctx context.Context) error {
	log.Info("Connecting to network...")
	display.Banner(m.panel, "Connecting network", "")

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		addr, err := m.link.Associate()
		if err != nil {
			return err
		}
		m.address = addr
		return nil
	}
	notify := func(err error, _ time.Duration) {
		log.WithError(err).Debug("waiting for network link")
		display.Banner(m.panel, "Connecting network", "Waiting...")
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(m.opts.LinkPoll), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return err
	}

	m.linked = true
	log.WithField("address", m.address).Info("Network connected")
	display.Banner(m.panel, "Network Up", m.address)
	if m.opts.LinkBannerHold > 0 {
		t := time.NewTimer(m.opts.LinkBannerHold)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (m *Manager) connect(ctx context.Context) error {
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if !m.link.Up() {
			m.linked = false
			return backoff.Permanent(link.ErrNoLink)
		}
		clientID := m.clientID()
		log.WithField("client_id", clientID).Info("Attempting MQTT connection...")
		if err := m.session.Connect(ctx, clientID); err != nil {
			return err
		}
		if err := m.session.Subscribe(m.opts.ConfigTopic); err != nil {
			m.session.Disconnect()
			return fmt.Errorf("subscribe %s: %w", m.opts.ConfigTopic, err)
		}
		log.WithField("topic", m.opts.ConfigTopic).Info("connected")
		return nil
	}
	notify := func(err error, d time.Duration) {
		var ce *ConnectError
		if errors.As(err, &ce) {
			log.Warnf("failed, rc=%d try again in %s", ce.ReturnCode, d)
			return
		}
		log.WithError(err).Warnf("failed, try again in %s", d)
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(m.opts.ReconnectDelay), ctx)
	err := backoff.RetryNotify(op, b, notify)
	if errors.Is(err, link.ErrNoLink) {
		return m.EnsureConnected(ctx)
	}
	return err
}

// clientID is the prefix plus a random hex suffix in [0, 0xffff).
func (m *Manager) clientID() string {
	return fmt.Sprintf("%s%x", m.opts.ClientIDPrefix, m.rnd.Intn(0xffff))
}

// Publish forwards to the session when it is up.
func (m *Manager) Publish(topic string, payload []byte) error {
	if !m.session.Connected() {
		return ErrNotConnected
	}
	return m.session.Publish(topic, payload)
}

// Service hands the messages queued at call time to dispatch and returns
// how many were handled. Messages arriving while it runs wait for the next
// call; it never blocks waiting for new ones.
func (m *Manager) Service(ctx context.Context, dispatch func(ctx context.Context, topic string, payload []byte) error) int {
	in := m.session.Inbound()
	pending := len(in)
	n := 0
	for n < pending {
		msg, ok := <-in
		if !ok {
			break
		}
		n++
		if err := dispatch(ctx, msg.Topic, msg.Payload); err != nil {
			log.WithError(err).WithField("topic", msg.Topic).Warn("inbound message handling failed")
		}
	}
	return n
}

func (m *Manager) Close() {
	if m.session.Connected() {
		m.session.Disconnect()
	}
}
