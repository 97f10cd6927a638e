package transport

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const (
	connectTimeout  = 10 * time.Second
	operationWait   = 5 * time.Second
	keepAlive       = 30 * time.Second
	qosAtLeastOnce  = 1
	disconnectQuiet = 250 // milliseconds, paho takes a plain uint
)

// mqttConn implements Conn on an eclipse/paho client. Automatic acking is
// disabled so the session controls exactly when each delivery is
// acknowledged.
type mqttConn struct {
	client mqtt.Client
	signal func(error)

	mu      sync.Mutex
	unacked map[uint16]mqtt.Message
}

// DialMQTT connects to the broker described by cfg and returns the live
// connection. It is the production Dialer.
func DialMQTT(cfg ConnConfig) (Conn, error) {
	c := &mqttConn{
		signal:  cfg.Signal,
		unacked: make(map[uint16]mqtt.Message),
	}
	if c.signal == nil {
		c.signal = func(error) {}
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURI)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS != nil {
		opts.SetTLSConfig(cfg.TLS)
	}
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetCleanSession(false)
	opts.SetAutoAckDisabled(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURI).Msg("MQTT connection lost")
		c.signal(fmt.Errorf("connection lost: %w", err))
	})

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to %s: timeout", cfg.BrokerURI)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.BrokerURI, err)
	}
	return c, nil
}

func (c *mqttConn) Subscribe(filter string, sink func(Inbound)) error {
	handler := func(_ mqtt.Client, m mqtt.Message) {
		c.mu.Lock()
		c.unacked[m.MessageID()] = m
		c.mu.Unlock()

		sink(Inbound{
			Topic:    m.Topic(),
			Payload:  m.Payload(),
			PacketID: m.MessageID(),
		})
		c.signal(nil)
	}

	token := c.client.Subscribe(filter, qosAtLeastOnce, handler)
	if !token.WaitTimeout(operationWait) {
		return fmt.Errorf("subscribe %s: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

func (c *mqttConn) Unsubscribe(filter string) error {
	token := c.client.Unsubscribe(filter)
	if !token.WaitTimeout(operationWait) {
		return fmt.Errorf("unsubscribe %s: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", filter, err)
	}
	return nil
}

func (c *mqttConn) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, qosAtLeastOnce, false, payload)
	if !token.WaitTimeout(operationWait) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *mqttConn) Ack(id uint16) bool {
	c.mu.Lock()
	m, ok := c.unacked[id]
	if ok {
		delete(c.unacked, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	m.Ack()
	return true
}

func (c *mqttConn) Close() {
	if c.client.IsConnected() {
		c.client.Disconnect(disconnectQuiet)
	}
}
