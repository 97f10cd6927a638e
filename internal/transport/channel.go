package transport

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Channel is one logical message channel over the shared connection. Each
// kind owns its topic conventions; start and stop are idempotent.
type Channel struct {
	kind     MessageKind
	deviceID string
	conn     Conn

	mu      sync.Mutex
	started bool
	queue   []Inbound
}

// NewChannel creates a stopped channel of the given kind over conn.
func NewChannel(kind MessageKind, deviceID string, conn Conn) *Channel {
	return &Channel{kind: kind, deviceID: deviceID, conn: conn}
}

// Kind returns the message kind this channel carries.
func (c *Channel) Kind() MessageKind {
	return c.kind
}

// Started reports whether the channel's subscriptions are active.
func (c *Channel) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Channel) subscribeFilters() []string {
	switch c.kind {
	case KindTelemetry:
		return []string{telemetrySubscribeFilter(c.deviceID)}
	case KindMethods:
		return []string{methodsSubscribe}
	case KindTwin:
		return []string{twinResSubscribe, twinDesiredSubscribe}
	default:
		return nil
	}
}

// Start subscribes the channel's topic filters. Calling Start on a started
// channel does nothing.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	for _, filter := range c.subscribeFilters() {
		if err := c.conn.Subscribe(filter, c.enqueue); err != nil {
			return &TransportError{
				Op:    fmt.Sprintf("start %s channel", c.kind),
				Cause: err,
			}
		}
	}
	c.started = true
	return nil
}

// Stop removes the channel's subscriptions. Calling Stop on a stopped
// channel does nothing.
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	for _, filter := range c.subscribeFilters() {
		if err := c.conn.Unsubscribe(filter); err != nil {
			return &TransportError{
				Op:    fmt.Sprintf("stop %s channel", c.kind),
				Cause: err,
			}
		}
	}
	return nil
}

// enqueue runs on the connection's callback goroutine.
func (c *Channel) enqueue(in Inbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, in)
}

// Send publishes an outbound message on this channel's topic convention.
func (c *Channel) Send(m *Message) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return &TransportError{Op: fmt.Sprintf("send on stopped %s channel", c.kind)}
	}

	var topic string
	switch c.kind {
	case KindTelemetry:
		topic = telemetryPublishTopic(c.deviceID)
	case KindMethods:
		if m.RequestID == "" {
			return &TransportError{
				Op:    "send method response",
				Cause: fmt.Errorf("missing request id"),
			}
		}
		topic = methodResponseTopic(m.Status, m.RequestID)
	case KindTwin:
		rid := m.RequestID
		if rid == "" {
			rid = uuid.New().String()
			m.RequestID = rid
		}
		topic = twinRequestTopic(m.TwinOp, rid)
	default:
		return &TransportError{Op: fmt.Sprintf("send on %s channel", c.kind)}
	}

	if err := c.conn.Publish(topic, m.Payload); err != nil {
		return &TransportError{
			Op:    fmt.Sprintf("publish %s message", c.kind),
			Cause: err,
		}
	}
	return nil
}

// Receive polls for one decoded inbound message. It never blocks: the
// second return value is the acknowledgment token, and ok is false when
// nothing is queued. Deliveries that cannot be decoded are dropped so the
// peer redelivers them.
func (c *Channel) Receive() (msg *Message, token uint16, ok bool) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return nil, 0, false
		}
		in := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		m, err := c.decode(in)
		if err != nil {
			log.Warn().
				Err(err).
				Str("kind", c.kind.String()).
				Str("topic", in.Topic).
				Msg("Dropping undecodable delivery")
			continue
		}
		return m, in.PacketID, true
	}
}

func (c *Channel) decode(in Inbound) (*Message, error) {
	switch c.kind {
	case KindTelemetry:
		return &Message{Kind: KindTelemetry, Payload: in.Payload}, nil
	case KindMethods:
		method, rid, err := parseMethodTopic(in.Topic)
		if err != nil {
			return nil, err
		}
		return &Message{
			Kind:       KindMethods,
			Payload:    in.Payload,
			MethodName: method,
			RequestID:  rid,
		}, nil
	case KindTwin:
		tw, err := parseTwinTopic(in.Topic)
		if err != nil {
			return nil, err
		}
		return &Message{
			Kind:      KindTwin,
			Payload:   in.Payload,
			RequestID: tw.requestID,
			Status:    tw.status,
			Version:   tw.version,
		}, nil
	default:
		return nil, fmt.Errorf("no decoder for %s channel", c.kind)
	}
}

// SendAcknowledgment acknowledges a delivery by its token. A stale or
// unknown token reports false without raising.
func (c *Channel) SendAcknowledgment(token uint16) bool {
	return c.conn.Ack(token)
}
