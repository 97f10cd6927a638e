package transport

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ConnectionState is the session's lifecycle state.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
)

func (s ConnectionState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// AuthMode selects how the session authenticates to the hub.
type AuthMode int

const (
	// AuthSAS authenticates with a renewable shared access signature.
	AuthSAS AuthMode = iota
	// AuthX509 authenticates with a client certificate. Not supported over
	// websocket transport.
	AuthX509
)

// TokenProvider hands the session a fresh shared access signature at
// connect time.
type TokenProvider interface {
	Token() (string, error)
}

// Listener receives push notifications of inbound traffic. Exactly one of
// the two arguments is non-nil per call.
type Listener interface {
	OnMessageReceived(msg *Message, err error)
}

const (
	sslPrefix     = "ssl://"
	sslPortSuffix = ":8883"

	wsPrefix       = "wss://"
	wsRawPath      = "/$iothub/websocket"
	wsQuery        = "?iothub-no-client-cert=true"
	twinAPIVersion = "api-version=2016-11-14"

	agentVersion = "iothub-device-agent/1.0.0"
)

// SessionConfig describes one device's session. It is immutable for the
// session's lifetime.
type SessionConfig struct {
	Hostname string
	DeviceID string
	HubName  string

	Auth         AuthMode
	Tokens       TokenProvider // required for AuthSAS
	TLS          *tls.Config   // required for AuthX509
	UseWebSocket bool

	TelemetryCallback MessageCallback
	TelemetryContext  any
	TwinCallback      MessageCallback
	TwinContext       any
	MethodsCallback   MessageCallback
	MethodsContext    any
}

func (c *SessionConfig) validate() error {
	if c == nil {
		return fmt.Errorf("%w: session config is nil", ErrInvalidArgument)
	}
	if c.Hostname == "" {
		return fmt.Errorf("%w: hostname must not be empty", ErrInvalidArgument)
	}
	if c.DeviceID == "" {
		return fmt.Errorf("%w: device id must not be empty", ErrInvalidArgument)
	}
	if c.HubName == "" {
		return fmt.Errorf("%w: hub name must not be empty", ErrInvalidArgument)
	}
	if c.Auth == AuthSAS && c.Tokens == nil {
		return fmt.Errorf("%w: SAS auth requires a token provider", ErrInvalidArgument)
	}
	if c.Auth == AuthX509 && c.TLS == nil {
		return fmt.Errorf("%w: X509 auth requires TLS material", ErrInvalidArgument)
	}
	return nil
}

// ConnectionSession multiplexes the telemetry, twin and methods channels
// over one connection to the hub and tracks the acknowledgment obligation
// of every delivered message.
type ConnectionSession struct {
	cfg    *SessionConfig
	dialer Dialer

	// mu serializes Open, Close, SendMessage and Acknowledge against each
	// other and guards state and the channel set. The transport signal path
	// runs outside it so a slow listener cannot deadlock a concurrent Close.
	mu        sync.Mutex
	state     ConnectionState
	conn      Conn
	telemetry *Channel
	twin      *Channel
	methods   *Channel

	pending *PendingAckTable
	seq     atomic.Uint64

	listenerMu sync.RWMutex
	listener   Listener
}

// NewSession creates a disconnected session for the given configuration.
func NewSession(cfg *SessionConfig) (*ConnectionSession, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &ConnectionSession{
		cfg:     cfg,
		dialer:  DialMQTT,
		pending: NewPendingAckTable(),
	}, nil
}

// State returns the session's current lifecycle state.
func (s *ConnectionSession) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingAcks returns the number of delivered messages still awaiting an
// acknowledgment.
func (s *ConnectionSession) PendingAcks() int {
	return s.pending.Len()
}

// SetListener replaces the listener notified of inbound traffic. The last
// writer wins; notifications raised while no listener was set are not
// replayed.
func (s *ConnectionSession) SetListener(l Listener) error {
	if l == nil {
		return fmt.Errorf("%w: listener must not be nil", ErrInvalidArgument)
	}
	s.listenerMu.Lock()
	s.listener = l
	s.listenerMu.Unlock()
	return nil
}

func (s *ConnectionSession) notify(msg *Message, err error) {
	s.listenerMu.RLock()
	l := s.listener
	s.listenerMu.RUnlock()
	if l == nil {
		log.Warn().Msg("Inbound notification dropped, no listener set")
		return
	}
	l.OnMessageReceived(msg, err)
}

// username derives the connect username from the configuration. Spaces in
// the agent identifier must be percent-encoded, not '+'-encoded.
func (s *ConnectionSession) username() string {
	ident := strings.ReplaceAll(url.QueryEscape(agentVersion), "+", "%20")
	return s.cfg.Hostname + "/" + s.cfg.DeviceID + "/" + twinAPIVersion +
		"&DeviceClientType=" + ident
}

func (s *ConnectionSession) brokerURI() string {
	if s.cfg.UseWebSocket {
		return wsPrefix + s.cfg.Hostname + wsRawPath + wsQuery
	}
	return sslPrefix + s.cfg.Hostname + sslPortSuffix
}

// Open establishes the connection and starts the telemetry channel. The
// twin and methods channels are created but left stopped until first use.
// Opening an already connected session does nothing. At most one peer
// configuration may be supplied; this transport does not multiplex devices.
func (s *ConnectionSession) Open(peers []*SessionConfig) error {
	if len(peers) > 1 {
		return fmt.Errorf("%w: transport does not support multiplexing", ErrUnsupported)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Connected {
		return nil
	}

	password := ""
	tlsCfg := s.cfg.TLS
	switch s.cfg.Auth {
	case AuthSAS:
		token, err := s.cfg.Tokens.Token()
		if err != nil {
			return &TransportError{Op: "renew SAS token", Cause: err}
		}
		password = token
	case AuthX509:
		if s.cfg.UseWebSocket {
			return fmt.Errorf("%w: X509 auth is not supported over websocket", ErrUnsupported)
		}
	}

	cc := ConnConfig{
		BrokerURI: s.brokerURI(),
		ClientID:  s.cfg.DeviceID,
		Username:  s.username(),
		Password:  password,
		TLS:       tlsCfg,
		Signal:    s.handleTransportSignal,
	}

	conn, err := s.dialer(cc)
	if err != nil {
		s.state = Disconnected
		return &TransportError{Op: "connect", Cause: err}
	}

	s.conn = conn
	s.telemetry = NewChannel(KindTelemetry, s.cfg.DeviceID, conn)
	s.methods = NewChannel(KindMethods, s.cfg.DeviceID, conn)
	s.twin = NewChannel(KindTwin, s.cfg.DeviceID, conn)

	if err := s.telemetry.Start(); err != nil {
		s.rollback()
		return &TransportError{Op: "open", Cause: err}
	}

	s.state = Connected
	log.Info().
		Str("deviceID", s.cfg.DeviceID).
		Str("broker", cc.BrokerURI).
		Msg("Session connected")
	return nil
}

// rollback tears down whatever Open managed to create. Secondary failures
// are swallowed so they cannot mask the original cause.
func (s *ConnectionSession) rollback() {
	for _, ch := range []*Channel{s.methods, s.twin, s.telemetry} {
		if ch == nil {
			continue
		}
		if err := ch.Stop(); err != nil {
			log.Warn().
				Err(err).
				Str("kind", ch.Kind().String()).
				Msg("Cleanup of partially opened channel failed")
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.telemetry, s.twin, s.methods = nil, nil, nil
	s.state = Disconnected
}

// Close stops all channels and disconnects. Closing a disconnected session
// does nothing. State is Disconnected on return even when a channel failed
// to stop; the first such failure is returned.
func (s *ConnectionSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Disconnected {
		return nil
	}

	var firstErr error
	for _, ch := range []*Channel{s.methods, s.twin, s.telemetry} {
		if ch == nil {
			continue
		}
		if err := ch.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.telemetry, s.twin, s.methods = nil, nil, nil
	s.state = Disconnected

	log.Info().Str("deviceID", s.cfg.DeviceID).Msg("Session closed")
	return firstErr
}

// SendMessage demultiplexes an outbound message to its kind's channel.
// Telemetry messages must carry a payload; twin and methods payloads may be
// empty. Channel and transport failures are reported as StatusError rather
// than returned, the higher-level retry belongs to the caller.
func (s *ConnectionSession) SendMessage(m *Message) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Disconnected {
		return StatusError, fmt.Errorf("%w: cannot send on a closed session", ErrIllegalState)
	}

	if m == nil {
		return StatusBadFormat, nil
	}
	if m.Kind != KindTwin && m.Kind != KindMethods && len(m.Payload) == 0 {
		return StatusBadFormat, nil
	}

	var err error
	switch m.Kind {
	case KindMethods:
		if err = s.methods.Start(); err == nil {
			err = s.methods.Send(m)
		}
	case KindTwin:
		if err = s.twin.Start(); err == nil {
			err = s.twin.Send(m)
		}
	default:
		err = s.telemetry.Send(m)
	}

	if err != nil {
		log.Warn().
			Err(err).
			Str("kind", m.Kind.String()).
			Msg("Send failed")
		return StatusError, nil
	}
	return StatusOK, nil
}

// Acknowledge sends the acknowledgment owed for a message previously
// delivered through this session. The disposition is accepted for interface
// compatibility; this transport only supports the single positive outcome.
// The pending entry is removed only after the acknowledgment went out, so a
// failed attempt can be retried.
func (s *ConnectionSession) Acknowledge(m *Message, d Disposition) (bool, error) {
	if m == nil {
		return false, &TransportError{Op: "acknowledge", Cause: fmt.Errorf("message must not be nil")}
	}
	_ = d

	s.mu.Lock()
	defer s.mu.Unlock()

	ack, ok := s.pending.Get(m.Sequence())
	if !ok {
		return false, &TransportError{
			Op:    "acknowledge",
			Cause: fmt.Errorf("message was already acknowledged or never received"),
		}
	}

	var ch *Channel
	switch ack.Kind {
	case KindMethods:
		ch = s.methods
	case KindTwin:
		ch = s.twin
	default:
		ch = s.telemetry
	}
	if ch == nil {
		return false, &TransportError{Op: "acknowledge", Cause: fmt.Errorf("session is closed")}
	}
	if ack.Kind == KindMethods || ack.Kind == KindTwin {
		if err := ch.Start(); err != nil {
			return false, err
		}
	}

	sent := ch.SendAcknowledgment(ack.Token)
	if sent {
		s.pending.Remove(m.Sequence())
	}
	log.Debug().
		Bool("sent", sent).
		Uint64("seq", m.Sequence()).
		Str("kind", ack.Kind.String()).
		Msg("Acknowledgment attempted")
	return sent, nil
}

// receiveMessage polls the channels in fixed priority order: methods, then
// twin, then telemetry. Control-plane traffic drains ahead of data-plane
// traffic.
func (s *ConnectionSession) receiveMessage() (*Message, uint16, bool) {
	for _, ch := range []*Channel{s.methods, s.twin, s.telemetry} {
		if ch == nil {
			continue
		}
		if m, token, ok := ch.Receive(); ok {
			return m, token, true
		}
	}
	return nil, 0, false
}

// handleTransportSignal runs on the connection's callback goroutine when
// inbound data arrived or receiving failed. The session mutex is held only
// around the channel poll, never across the listener callback, so a slow
// listener cannot block a concurrent Close.
func (s *ConnectionSession) handleTransportSignal(rcvErr error) {
	if rcvErr != nil {
		s.notify(nil, &TransportError{Op: "receive", Cause: rcvErr})
		return
	}

	s.mu.Lock()
	m, token, ok := s.receiveMessage()
	s.mu.Unlock()
	if !ok {
		// No ack goes out for a delivery nothing could decode; the peer
		// will redeliver it.
		s.notify(nil, &TransportError{Op: "receive", Cause: fmt.Errorf("inbound message could not be parsed")})
		return
	}

	m.seq = s.seq.Add(1)
	s.pending.Put(m.seq, PendingAck{Token: token, Kind: m.Kind})

	switch m.Kind {
	case KindTelemetry:
		m.Callback = s.cfg.TelemetryCallback
		m.CallbackContext = s.cfg.TelemetryContext
	case KindTwin:
		m.Callback = s.cfg.TwinCallback
		m.CallbackContext = s.cfg.TwinContext
	case KindMethods:
		m.Callback = s.cfg.MethodsCallback
		m.CallbackContext = s.cfg.MethodsContext
	}

	log.Debug().
		Uint64("seq", m.seq).
		Str("kind", m.Kind.String()).
		Msg("Inbound message delivered")
	s.notify(m, nil)
}
