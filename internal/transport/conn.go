package transport

import "crypto/tls"

// Inbound is a raw delivery handed to a channel before decoding. The packet
// id doubles as the acknowledgment token for the underlying transport.
type Inbound struct {
	Topic    string
	Payload  []byte
	PacketID uint16
}

// ConnConfig carries everything needed to establish the underlying
// publish/subscribe session.
type ConnConfig struct {
	BrokerURI string
	ClientID  string
	Username  string
	Password  string
	TLS       *tls.Config

	// Signal is invoked by the connection on every inbound arrival (with a
	// nil error) and on receive failures (with the failure). It runs on the
	// connection's callback goroutine.
	Signal func(err error)
}

// Conn is the underlying publish/subscribe session shared by the channels.
// Implementations must be safe for concurrent use.
type Conn interface {
	// Subscribe registers sink for deliveries matching filter. The sink is
	// called before the connection's Signal handler fires.
	Subscribe(filter string, sink func(Inbound)) error

	// Unsubscribe removes a subscription. Unknown filters are not an error.
	Unsubscribe(filter string) error

	// Publish sends a payload to the given topic.
	Publish(topic string, payload []byte) error

	// Ack acknowledges the delivery with the given packet id. A stale or
	// unknown id reports false without error.
	Ack(id uint16) bool

	// Close tears the session down. Safe to call more than once.
	Close()
}

// Dialer establishes a Conn. The production dialer is DialMQTT; tests
// substitute their own.
type Dialer func(cfg ConnConfig) (Conn, error)
