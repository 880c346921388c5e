package connectivity

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/ericogr/energy-monitor/pkg/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubSession struct{ mock.Mock }

func (s *stubSession) Connect(ctx context.Context, clientID string) error {
	return s.Called(ctx, clientID).Error(0)
}
func (s *stubSession) Connected() bool              { return s.Called().Bool(0) }
func (s *stubSession) Subscribe(topic string) error { return s.Called(topic).Error(0) }
func (s *stubSession) Publish(topic string, payload []byte) error {
	return s.Called(topic, payload).Error(0)
}
func (s *stubSession) Inbound() <-chan Message { return s.Called().Get(0).(<-chan Message) }
func (s *stubSession) Disconnect()             { s.Called() }

// stubLink fails Associate until failures reaches zero.
type stubLink struct {
	failures int
	address  string
	calls    int
}

func (l *stubLink) Associate() (string, error) {
	l.calls++
	if l.failures > 0 {
		l.failures--
		return "", link.ErrNoLink
	}
	return l.address, nil
}

func (l *stubLink) Up() bool { return l.failures == 0 }

type recordPanel struct{ frames [][2]string }

func (r *recordPanel) Show(l1, l2 string) error {
	r.frames = append(r.frames, [2]string{l1, l2})
	return nil
}
func (r *recordPanel) Close() error { return nil }

func testOptions() Options {
	return Options{
		ClientIDPrefix: "EnergyMonitor-",
		ConfigTopic:    "energy/config",
		ReconnectDelay: time.Millisecond,
		LinkPoll:       time.Millisecond,
	}
}

func TestEnsureConnectedNoopWhenUp(t *testing.T) {
	s := &stubSession{}
	s.On("Connected").Return(true)
	l := &stubLink{address: "10.0.0.7"}

	m := NewManager(l, s, &recordPanel{}, testOptions())
	require.NoError(t, m.EnsureConnected(context.Background()))

	s.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything)
	assert.Zero(t, l.calls)
}

func TestEnsureConnectedRetriesHandshake(t *testing.T) {
	clientIDs := regexp.MustCompile(`^EnergyMonitor-[0-9a-f]{1,4}$`)
	s := &stubSession{}
	s.On("Connected").Return(false)
	s.On("Connect", mock.Anything, mock.MatchedBy(clientIDs.MatchString)).
		Return(&ConnectError{ReturnCode: 5}).Twice()
	s.On("Connect", mock.Anything, mock.MatchedBy(clientIDs.MatchString)).Return(nil).Once()
	s.On("Subscribe", "energy/config").Return(nil).Once()
	p := &recordPanel{}

	m := NewManager(&stubLink{address: "10.0.0.7"}, s, p, testOptions())
	require.NoError(t, m.EnsureConnected(context.Background()))

	s.AssertNumberOfCalls(t, "Connect", 3)
	s.AssertExpectations(t)
	assert.Equal(t, "10.0.0.7", m.Address())
	assert.Contains(t, p.frames, [2]string{"Network Up", "10.0.0.7"})
}

func TestEnsureConnectedWaitsForLink(t *testing.T) {
	s := &stubSession{}
	s.On("Connected").Return(false)
	s.On("Connect", mock.Anything, mock.Anything).Return(nil)
	s.On("Subscribe", "energy/config").Return(nil)
	l := &stubLink{failures: 2, address: "192.168.1.20"}
	p := &recordPanel{}

	m := NewManager(l, s, p, testOptions())
	assert.Equal(t, LinkDown, m.State())
	require.NoError(t, m.EnsureConnected(context.Background()))

	assert.Equal(t, 3, l.calls)
	assert.Equal(t, SessionDown, m.State())
	assert.Equal(t, [2]string{"Connecting network", ""}, p.frames[0])
	assert.Contains(t, p.frames, [2]string{"Connecting network", "Waiting..."})
	assert.Equal(t, [2]string{"Network Up", "192.168.1.20"}, p.frames[len(p.frames)-1])
}

func TestEnsureConnectedSubscribeFailureRetries(t *testing.T) {
	s := &stubSession{}
	s.On("Connected").Return(false)
	s.On("Connect", mock.Anything, mock.Anything).Return(nil)
	s.On("Subscribe", "energy/config").Return(errors.New("not authorized")).Once()
	s.On("Subscribe", "energy/config").Return(nil).Once()
	s.On("Disconnect").Return().Once()

	m := NewManager(&stubLink{address: "10.0.0.7"}, s, &recordPanel{}, testOptions())
	require.NoError(t, m.EnsureConnected(context.Background()))
	s.AssertNumberOfCalls(t, "Connect", 2)
	s.AssertExpectations(t)
}

func TestEnsureConnectedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &stubSession{}
	s.On("Connected").Return(false)
	s.On("Connect", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&ConnectError{ReturnCode: 2})

	opts := testOptions()
	opts.ReconnectDelay = time.Hour
	m := NewManager(&stubLink{address: "10.0.0.7"}, s, &recordPanel{}, opts)

	done := make(chan error, 1)
	go func() { done <- m.EnsureConnected(ctx) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("EnsureConnected did not return after cancel")
	}
	s.AssertNumberOfCalls(t, "Connect", 1)
}

func TestServiceDrainsInbound(t *testing.T) {
	ch := make(chan Message, 4)
	ch <- Message{Topic: "energy/config", Payload: []byte(`{"calibrate":true}`)}
	ch <- Message{Topic: "energy/config", Payload: []byte(`{}`)}

	s := &stubSession{}
	s.On("Inbound").Return((<-chan Message)(ch))
	m := NewManager(&stubLink{}, s, &recordPanel{}, testOptions())

	var got []string
	dispatch := func(_ context.Context, topic string, payload []byte) error {
		got = append(got, string(payload))
		return errors.New("ignored")
	}
	assert.Equal(t, 2, m.Service(context.Background(), dispatch))
	assert.Equal(t, []string{`{"calibrate":true}`, `{}`}, got)
	assert.Equal(t, 0, m.Service(context.Background(), dispatch))
}

func TestServiceHandlesOnlyPendingMessages(t *testing.T) {
	ch := make(chan Message, 8)
	ch <- Message{Topic: "energy/config", Payload: []byte(`{"calibrate":true}`)}

	s := &stubSession{}
	s.On("Inbound").Return((<-chan Message)(ch))
	m := NewManager(&stubLink{}, s, &recordPanel{}, testOptions())

	calls := 0
	dispatch := func(context.Context, string, []byte) error {
		calls++
		// more commands arrive while the first one is handled
		for i := 0; i < 3; i++ {
			ch <- Message{Topic: "energy/config", Payload: []byte(`{"calibrate":true}`)}
		}
		return nil
	}
	assert.Equal(t, 1, m.Service(context.Background(), dispatch))
	assert.Equal(t, 1, calls)
	assert.Len(t, ch, 3)

	noop := func(context.Context, string, []byte) error { return nil }
	assert.Equal(t, 3, m.Service(context.Background(), noop))
	assert.Equal(t, 0, m.Service(context.Background(), noop))
}

func TestPublishRequiresSession(t *testing.T) {
	s := &stubSession{}
	s.On("Connected").Return(false).Once()
	s.On("Connected").Return(true).Once()
	s.On("Publish", "energy/power", []byte("{}")).Return(nil).Once()
	m := NewManager(&stubLink{}, s, &recordPanel{}, testOptions())

	assert.ErrorIs(t, m.Publish("energy/power", []byte("{}")), ErrNotConnected)
	assert.NoError(t, m.Publish("energy/power", []byte("{}")))
	s.AssertExpectations(t)
}

func TestConnectErrorMessage(t *testing.T) {
	err := error(&ConnectError{ReturnCode: 5})
	assert.Equal(t, "connect failed, rc=5", err.Error())

	var ce *ConnectError
	wrapped := errors.Join(errors.New("ctx"), err)
	require.True(t, errors.As(wrapped, &ce))
	assert.Equal(t, byte(5), ce.ReturnCode)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "link-down", LinkDown.String())
	assert.Equal(t, "session-down", SessionDown.String())
	assert.Equal(t, "session-up", SessionUp.String())
}

func TestEnsureLinkOnlyAssociatesOnce(t *testing.T) {
	l := &stubLink{address: "10.0.0.7"}
	m := NewManager(l, &stubSession{}, &recordPanel{}, testOptions())

	require.NoError(t, m.EnsureLink(context.Background()))
	require.NoError(t, m.EnsureLink(context.Background()))
	assert.Equal(t, 1, l.calls)
}

func TestEnsureLinkHoldsNetworkBanner(t *testing.T) {
	opts := testOptions()
	opts.LinkBannerHold = 30 * time.Millisecond
	p := &recordPanel{}
	m := NewManager(&stubLink{address: "10.0.0.7"}, &stubSession{}, p, opts)

	start := time.Now()
	require.NoError(t, m.EnsureLink(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, [2]string{"Network Up", "10.0.0.7"}, p.frames[len(p.frames)-1])

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	opts.LinkBannerHold = time.Hour
	m = NewManager(&stubLink{address: "10.0.0.7"}, &stubSession{}, &recordPanel{}, opts)
	assert.ErrorIs(t, m.EnsureLink(ctx), context.DeadlineExceeded)
}
