package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insecureTestTLS() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

type staticTokens string

func (s staticTokens) Token() (string, error) { return string(s), nil }

type failingTokens struct{}

func (failingTokens) Token() (string, error) { return "", fmt.Errorf("signer unavailable") }

type fakePub struct {
	topic   string
	payload []byte
}

// fakeConn is an in-memory Conn. Deliveries are matched to sinks by filter
// prefix, which covers every filter the channels use.
type fakeConn struct {
	mu           sync.Mutex
	signal       func(error)
	subs         map[string]func(Inbound)
	subscribes   []string
	unsubscribes []string
	published    []fakePub
	acked        []uint16
	subscribeErr error
	publishErr   error
	ackOK        bool
	closed       int
}

func newFakeConn() *fakeConn {
	return &fakeConn{subs: make(map[string]func(Inbound)), ackOK: true}
}

func (c *fakeConn) Subscribe(filter string, sink func(Inbound)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.subs[filter] = sink
	c.subscribes = append(c.subscribes, filter)
	return nil
}

func (c *fakeConn) Unsubscribe(filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, filter)
	c.unsubscribes = append(c.unsubscribes, filter)
	return nil
}

func (c *fakeConn) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, fakePub{topic: topic, payload: payload})
	return nil
}

func (c *fakeConn) Ack(id uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ackOK {
		return false
	}
	c.acked = append(c.acked, id)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

// enqueue routes a delivery to the matching sink without signalling.
func (c *fakeConn) enqueue(t *testing.T, topic string, payload []byte, id uint16) {
	t.Helper()
	c.mu.Lock()
	var sink func(Inbound)
	for filter, s := range c.subs {
		prefix := strings.TrimSuffix(filter, "#")
		if strings.HasPrefix(topic, prefix) {
			sink = s
			break
		}
	}
	c.mu.Unlock()
	require.NotNil(t, sink, "no subscription matches %s", topic)
	sink(Inbound{Topic: topic, Payload: payload, PacketID: id})
}

// deliver routes a delivery and fires the arrival signal, like the real
// connection does.
func (c *fakeConn) deliver(t *testing.T, topic string, payload []byte, id uint16) {
	t.Helper()
	c.enqueue(t, topic, payload, id)
	c.signal(nil)
}

type fakeDialer struct {
	conn  *fakeConn
	err   error
	calls int
}

func (d *fakeDialer) dial(cc ConnConfig) (Conn, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	d.conn.signal = cc.Signal
	return d.conn, nil
}

type recListener struct {
	mu   sync.Mutex
	msgs []*Message
	errs []error
}

func (l *recListener) OnMessageReceived(m *Message, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.errs = append(l.errs, err)
		return
	}
	l.msgs = append(l.msgs, m)
}

func (l *recListener) snapshot() ([]*Message, []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Message(nil), l.msgs...), append([]error(nil), l.errs...)
}

func testConfig() *SessionConfig {
	return &SessionConfig{
		Hostname: "hub.example.com",
		DeviceID: "device-1",
		HubName:  "hub",
		Auth:     AuthSAS,
		Tokens:   staticTokens("SharedAccessSignature sr=test"),
	}
}

func newTestSession(t *testing.T) (*ConnectionSession, *fakeConn, *fakeDialer) {
	t.Helper()
	s, err := NewSession(testConfig())
	require.NoError(t, err)
	fd := &fakeDialer{conn: newFakeConn()}
	s.dialer = fd.dial
	return s, fd.conn, fd
}

func openTestSession(t *testing.T) (*ConnectionSession, *fakeConn, *recListener) {
	t.Helper()
	s, fc, _ := newTestSession(t)
	l := &recListener{}
	require.NoError(t, s.SetListener(l))
	require.NoError(t, s.Open(nil))
	return s, fc, l
}

func TestNewSessionValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SessionConfig)
	}{
		{"empty hostname", func(c *SessionConfig) { c.Hostname = "" }},
		{"empty device id", func(c *SessionConfig) { c.DeviceID = "" }},
		{"empty hub name", func(c *SessionConfig) { c.HubName = "" }},
		{"sas without tokens", func(c *SessionConfig) { c.Tokens = nil }},
		{"x509 without tls", func(c *SessionConfig) { c.Auth = AuthX509; c.Tokens = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(cfg)
			_, err := NewSession(cfg)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestOpenConnectsAndStartsTelemetryOnly(t *testing.T) {
	s, fc, fd := newTestSession(t)
	require.NoError(t, s.Open(nil))

	assert.Equal(t, Connected, s.State())
	assert.Equal(t, 1, fd.calls)
	// Only the telemetry filter is subscribed eagerly.
	assert.Equal(t, []string{telemetrySubscribeFilter("device-1")}, fc.subscribes)
	assert.False(t, s.twin.Started())
	assert.False(t, s.methods.Started())
}

func TestOpenIdempotent(t *testing.T) {
	s, _, fd := newTestSession(t)
	require.NoError(t, s.Open(nil))
	require.NoError(t, s.Open(nil))

	assert.Equal(t, 1, fd.calls, "second Open must not reconnect")
	assert.Equal(t, Connected, s.State())
}

func TestOpenRejectsMultiplexing(t *testing.T) {
	s, _, fd := newTestSession(t)
	err := s.Open([]*SessionConfig{testConfig(), testConfig()})

	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, 0, fd.calls, "no connect may happen")
	assert.Equal(t, Disconnected, s.State())
}

func TestOpenRejectsX509OverWebSocket(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = AuthX509
	cfg.Tokens = nil
	cfg.TLS = insecureTestTLS()
	cfg.UseWebSocket = true

	s, err := NewSession(cfg)
	require.NoError(t, err)
	fd := &fakeDialer{conn: newFakeConn()}
	s.dialer = fd.dial

	err = s.Open(nil)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, 0, fd.calls, "rejected before any channel is created")
	assert.Equal(t, Disconnected, s.State())
}

func TestOpenDialFailure(t *testing.T) {
	s, _, fd := newTestSession(t)
	fd.err = fmt.Errorf("broker unreachable")

	err := s.Open(nil)
	assert.True(t, IsTransportError(err))
	assert.ErrorContains(t, err, "broker unreachable")
	assert.Equal(t, Disconnected, s.State())
}

func TestOpenRollsBackOnChannelStartFailure(t *testing.T) {
	s, fc, _ := newTestSession(t)
	fc.subscribeErr = fmt.Errorf("subscribe refused")

	err := s.Open(nil)
	assert.True(t, IsTransportError(err))
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 1, fc.closed, "partially opened connection must be torn down")
}

func TestOpenTokenProviderFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Tokens = failingTokens{}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	fd := &fakeDialer{conn: newFakeConn()}
	s.dialer = fd.dial

	err = s.Open(nil)
	assert.True(t, IsTransportError(err))
	assert.Equal(t, 0, fd.calls)
}

func TestCloseIdempotent(t *testing.T) {
	s, _, _ := newTestSession(t)
	assert.NoError(t, s.Close(), "closing a disconnected session is a no-op")

	require.NoError(t, s.Open(nil))
	assert.NoError(t, s.Close())
	assert.Equal(t, Disconnected, s.State())
	assert.NoError(t, s.Close())
}

func TestCloseStopsChannelsAndConnection(t *testing.T) {
	s, fc, _ := newTestSession(t)
	require.NoError(t, s.Open(nil))
	require.NoError(t, s.Close())

	assert.Equal(t, 1, fc.closed)
	assert.Contains(t, fc.unsubscribes, telemetrySubscribeFilter("device-1"))
}

func TestSendMessageWhileDisconnected(t *testing.T) {
	s, _, _ := newTestSession(t)

	// Disconnected beats format checks, even for invalid messages.
	_, err := s.SendMessage(nil)
	assert.ErrorIs(t, err, ErrIllegalState)

	_, err = s.SendMessage(NewTelemetry([]byte("x")))
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestSendMessageBadFormat(t *testing.T) {
	s, _, _ := openTestSession(t)

	status, err := s.SendMessage(nil)
	require.NoError(t, err)
	assert.Equal(t, StatusBadFormat, status)

	status, err = s.SendMessage(NewTelemetry(nil))
	require.NoError(t, err)
	assert.Equal(t, StatusBadFormat, status, "telemetry requires a payload")
}

func TestSendMessageEmptyPayloadAcceptedForControlKinds(t *testing.T) {
	s, _, _ := openTestSession(t)

	status, err := s.SendMessage(NewTwinRequest(TwinGet, nil))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)

	status, err = s.SendMessage(NewMethodResponse("rid-1", 200, nil))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
}

func TestSendMessageDemultiplexesByKind(t *testing.T) {
	s, fc, _ := openTestSession(t)

	status, err := s.SendMessage(NewTelemetry([]byte("temp=21")))
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)

	status, err = s.SendMessage(NewMethodResponse("rid-9", 200, []byte("{}")))
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)

	require.Len(t, fc.published, 2)
	assert.Equal(t, telemetryPublishTopic("device-1"), fc.published[0].topic)
	assert.Equal(t, methodResponseTopic(200, "rid-9"), fc.published[1].topic)
}

func TestSendMessageStartsLazyChannels(t *testing.T) {
	s, _, _ := openTestSession(t)
	require.False(t, s.twin.Started())
	require.False(t, s.methods.Started())

	_, err := s.SendMessage(NewTwinRequest(TwinUpdateReported, []byte(`{"fw":"1.2"}`)))
	require.NoError(t, err)
	assert.True(t, s.twin.Started())
	assert.False(t, s.methods.Started(), "methods channel stays stopped until used")

	_, err = s.SendMessage(NewMethodResponse("rid-2", 200, nil))
	require.NoError(t, err)
	assert.True(t, s.methods.Started())
}

func TestSendMessageDelegateFailureIsStatusError(t *testing.T) {
	s, fc, _ := openTestSession(t)
	fc.publishErr = fmt.Errorf("broker rejected publish")

	status, err := s.SendMessage(NewTelemetry([]byte("x")))
	assert.NoError(t, err, "delegate failures are reported as a status, not an error")
	assert.Equal(t, StatusError, status)
}

func TestReceiveAcknowledgeRoundTrip(t *testing.T) {
	s, fc, l := openTestSession(t)
	require.NoError(t, s.methods.Start())

	fc.deliver(t, "$iothub/methods/POST/reboot/?$rid=42", []byte("{}"), 7)

	msgs, errs := l.snapshot()
	require.Len(t, msgs, 1)
	require.Empty(t, errs)
	m := msgs[0]
	assert.Equal(t, KindMethods, m.Kind)
	assert.Equal(t, "reboot", m.MethodName)
	assert.Equal(t, "42", m.RequestID)
	require.Equal(t, 1, s.PendingAcks())

	sent, err := s.Acknowledge(m, DispositionComplete)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, []uint16{7}, fc.acked, "ack must carry the delivery token")
	assert.Equal(t, 0, s.PendingAcks())

	// The obligation is gone: a second acknowledgment must fail.
	_, err = s.Acknowledge(m, DispositionComplete)
	assert.True(t, IsTransportError(err))
}

func TestAcknowledgeDispositionsAreEquivalent(t *testing.T) {
	s, fc, l := openTestSession(t)
	require.NoError(t, s.methods.Start())

	for i, d := range []Disposition{DispositionComplete, DispositionAbandon, DispositionReject} {
		fc.deliver(t, "$iothub/methods/POST/ping/?$rid=1", nil, uint16(10+i))
		msgs, _ := l.snapshot()
		sent, err := s.Acknowledge(msgs[len(msgs)-1], d)
		require.NoError(t, err)
		assert.True(t, sent)
	}
}

func TestAcknowledgeUnknownMessage(t *testing.T) {
	s, _, _ := openTestSession(t)

	_, err := s.Acknowledge(&Message{Kind: KindTelemetry}, DispositionComplete)
	assert.True(t, IsTransportError(err))
	assert.Equal(t, 0, s.PendingAcks())
}

func TestAcknowledgeNilMessage(t *testing.T) {
	s, _, _ := openTestSession(t)
	_, err := s.Acknowledge(nil, DispositionComplete)
	assert.True(t, IsTransportError(err))
}

func TestAcknowledgeFailureKeepsEntry(t *testing.T) {
	s, fc, l := openTestSession(t)
	fc.deliver(t, "devices/device-1/messages/devicebound/msg", []byte("hi"), 3)
	msgs, _ := l.snapshot()
	require.Len(t, msgs, 1)

	fc.ackOK = false
	sent, err := s.Acknowledge(msgs[0], DispositionComplete)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 1, s.PendingAcks(), "failed ack leaves the entry for retry")

	fc.ackOK = true
	sent, err = s.Acknowledge(msgs[0], DispositionComplete)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, 0, s.PendingAcks())
}

func TestReceivePriorityOrder(t *testing.T) {
	s, fc, l := openTestSession(t)
	require.NoError(t, s.methods.Start())
	require.NoError(t, s.twin.Start())

	// Queue telemetry, twin and methods deliveries before any signal fires:
	// control-plane traffic must drain first.
	fc.enqueue(t, "devices/device-1/messages/devicebound/msg", []byte("data"), 1)
	fc.enqueue(t, "$iothub/twin/PATCH/properties/desired/?$version=5", []byte("{}"), 2)
	fc.enqueue(t, "$iothub/methods/POST/reset/?$rid=8", []byte("{}"), 3)

	s.handleTransportSignal(nil)
	s.handleTransportSignal(nil)
	s.handleTransportSignal(nil)

	msgs, errs := l.snapshot()
	require.Empty(t, errs)
	require.Len(t, msgs, 3)
	assert.Equal(t, KindMethods, msgs[0].Kind)
	assert.Equal(t, KindTwin, msgs[1].Kind)
	assert.Equal(t, KindTelemetry, msgs[2].Kind)
}

func TestSignalWithoutMessageReportsParseError(t *testing.T) {
	s, _, l := openTestSession(t)

	s.handleTransportSignal(nil)

	msgs, errs := l.snapshot()
	assert.Empty(t, msgs)
	require.Len(t, errs, 1)
	assert.True(t, IsTransportError(errs[0]))
	assert.Equal(t, 0, s.PendingAcks(), "no obligation is recorded for unparseable data")
}

func TestSignalReceiveError(t *testing.T) {
	s, _, l := openTestSession(t)

	s.handleTransportSignal(fmt.Errorf("connection reset"))

	msgs, errs := l.snapshot()
	assert.Empty(t, msgs)
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "connection reset")
}

func TestInboundCallbackAttachment(t *testing.T) {
	cfg := testConfig()
	var called []string
	cfg.TelemetryCallback = func(m *Message, ctx any) {
		called = append(called, "telemetry:"+ctx.(string))
	}
	cfg.TelemetryContext = "ctx-1"

	s, err := NewSession(cfg)
	require.NoError(t, err)
	fd := &fakeDialer{conn: newFakeConn()}
	s.dialer = fd.dial
	l := &recListener{}
	require.NoError(t, s.SetListener(l))
	require.NoError(t, s.Open(nil))

	fd.conn.deliver(t, "devices/device-1/messages/devicebound/m1", []byte("x"), 1)

	msgs, _ := l.snapshot()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Callback)
	msgs[0].Callback(msgs[0], msgs[0].CallbackContext)
	assert.Equal(t, []string{"telemetry:ctx-1"}, called)
}

func TestInboundIdentityIsDistinctPerArrival(t *testing.T) {
	s, fc, l := openTestSession(t)

	// Structurally identical payloads arriving twice are distinct
	// acknowledgment obligations.
	fc.deliver(t, "devices/device-1/messages/devicebound/m", []byte("same"), 1)
	fc.deliver(t, "devices/device-1/messages/devicebound/m", []byte("same"), 2)

	msgs, _ := l.snapshot()
	require.Len(t, msgs, 2)
	assert.NotEqual(t, msgs[0].Sequence(), msgs[1].Sequence())
	assert.Equal(t, 2, s.PendingAcks())
}

func TestSetListener(t *testing.T) {
	s, _, _ := newTestSession(t)

	err := s.SetListener(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	first := &recListener{}
	second := &recListener{}
	require.NoError(t, s.SetListener(first))
	require.NoError(t, s.SetListener(second))

	require.NoError(t, s.Open(nil))
	s.handleTransportSignal(errors.New("boom"))

	_, firstErrs := first.snapshot()
	_, secondErrs := second.snapshot()
	assert.Empty(t, firstErrs, "replaced listener must not be notified")
	assert.Len(t, secondErrs, 1)
}

func TestBrokerURIAndUsername(t *testing.T) {
	s, _, _ := newTestSession(t)
	assert.Equal(t, "ssl://hub.example.com:8883", s.brokerURI())
	assert.True(t, strings.HasPrefix(s.username(), "hub.example.com/device-1/api-version=2016-11-14&DeviceClientType="))
	assert.NotContains(t, s.username(), "+", "spaces must be percent-encoded")

	s.cfg.UseWebSocket = true
	assert.Equal(t, "wss://hub.example.com/$iothub/websocket?iothub-no-client-cert=true", s.brokerURI())
}
