// Package bridge connects the hub session to the agent's local NATS bus:
// inbound hub traffic is republished on device subjects, and telemetry or
// method responses published by local services are forwarded to the hub.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/iothub-agent/iothub-device-agent/internal/journal"
	"github.com/iothub-agent/iothub-device-agent/internal/transport"
)

// InboundEvent is the JSON shape republished on the local bus for every
// message delivered by the hub.
type InboundEvent struct {
	Kind      string `json:"kind"`
	Payload   []byte `json:"payload"`
	Method    string `json:"method,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Status    int    `json:"status,omitempty"`
	Version   int    `json:"version,omitempty"`
	Sequence  uint64 `json:"sequence"`
}

// MethodResponse is the JSON shape local services publish to answer a
// direct method call.
type MethodResponse struct {
	RequestID string `json:"requestId"`
	Status    int    `json:"status"`
	Payload   []byte `json:"payload"`
}

// Bridge moves traffic between the session and the local bus.
type Bridge struct {
	nc       *nats.Conn
	sess     *transport.ConnectionSession
	jrnl     *journal.Journal
	deviceID string
	subs     []*nats.Subscription
}

// New creates a bridge for the given device. The journal may be nil, in
// which case telemetry that cannot be sent is dropped with a log entry.
func New(nc *nats.Conn, sess *transport.ConnectionSession, jrnl *journal.Journal, deviceID string) *Bridge {
	return &Bridge{
		nc:       nc,
		sess:     sess,
		jrnl:     jrnl,
		deviceID: deviceID,
		subs:     make([]*nats.Subscription, 0),
	}
}

func (b *Bridge) subject(suffix string) string {
	return fmt.Sprintf("device.%s.%s", b.deviceID, suffix)
}

// Start subscribes the bus-side subjects and blocks until ctx is done.
func (b *Bridge) Start(ctx context.Context) error {
	sub1, err := b.nc.Subscribe(b.subject("telemetry"), b.handleTelemetry)
	if err != nil {
		return fmt.Errorf("subscribe telemetry: %w", err)
	}
	b.subs = append(b.subs, sub1)

	sub2, err := b.nc.Subscribe(b.subject("methods.respond"), b.handleMethodResponse)
	if err != nil {
		return fmt.Errorf("subscribe method responses: %w", err)
	}
	b.subs = append(b.subs, sub2)

	sub3, err := b.nc.Subscribe(b.subject("twin.reported"), b.handleReportedPatch)
	if err != nil {
		return fmt.Errorf("subscribe reported patches: %w", err)
	}
	b.subs = append(b.subs, sub3)

	log.Info().
		Int("subscriptions", len(b.subs)).
		Str("deviceID", b.deviceID).
		Msg("Bus bridge started")

	<-ctx.Done()

	for _, sub := range b.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

// handleTelemetry forwards a bus payload to the hub, journaling it when the
// session is down or the send failed.
func (b *Bridge) handleTelemetry(msg *nats.Msg) {
	status, err := b.sess.SendMessage(transport.NewTelemetry(msg.Data))
	if err == nil && status == transport.StatusOK {
		return
	}

	if err != nil && !errors.Is(err, transport.ErrIllegalState) {
		log.Error().Err(err).Msg("Telemetry send failed")
		return
	}

	if b.jrnl == nil {
		log.Warn().
			Str("status", status.String()).
			Msg("Telemetry dropped, no journal configured")
		return
	}
	if jerr := b.jrnl.Append(msg.Data); jerr != nil {
		log.Error().Err(jerr).Msg("Failed to journal telemetry")
		return
	}
	log.Debug().Int("bytes", len(msg.Data)).Msg("Telemetry journaled for later drain")
}

func (b *Bridge) handleMethodResponse(msg *nats.Msg) {
	var resp MethodResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		log.Error().Err(err).Msg("Malformed method response on bus")
		return
	}
	m := transport.NewMethodResponse(resp.RequestID, resp.Status, resp.Payload)
	if status, err := b.sess.SendMessage(m); err != nil || status != transport.StatusOK {
		log.Error().
			Err(err).
			Str("status", status.String()).
			Str("rid", resp.RequestID).
			Msg("Method response send failed")
	}
}

func (b *Bridge) handleReportedPatch(msg *nats.Msg) {
	m := transport.NewTwinRequest(transport.TwinUpdateReported, msg.Data)
	if status, err := b.sess.SendMessage(m); err != nil || status != transport.StatusOK {
		log.Error().
			Err(err).
			Str("status", status.String()).
			Msg("Reported properties patch send failed")
	}
}

// OnMessageReceived implements transport.Listener: hub deliveries are
// republished on the bus and acknowledged once the publish succeeded.
func (b *Bridge) OnMessageReceived(m *transport.Message, err error) {
	if err != nil {
		log.Warn().Err(err).Msg("Hub delivery error")
		return
	}

	event := InboundEvent{
		Kind:      m.Kind.String(),
		Payload:   m.Payload,
		Method:    m.MethodName,
		RequestID: m.RequestID,
		Status:    m.Status,
		Version:   m.Version,
		Sequence:  m.Sequence(),
	}
	data, merr := json.Marshal(event)
	if merr != nil {
		log.Error().Err(merr).Msg("Failed to marshal inbound event")
		return
	}

	var suffix string
	switch m.Kind {
	case transport.KindMethods:
		suffix = "methods"
	case transport.KindTwin:
		suffix = "twin"
	default:
		suffix = "c2d"
	}
	if perr := b.nc.Publish(b.subject(suffix), data); perr != nil {
		// Leave the delivery unacknowledged so the hub redelivers it.
		log.Error().Err(perr).Str("subject", b.subject(suffix)).Msg("Bus publish failed")
		return
	}

	if m.Callback != nil {
		m.Callback(m, m.CallbackContext)
	}

	if _, aerr := b.sess.Acknowledge(m, transport.DispositionComplete); aerr != nil {
		log.Warn().Err(aerr).Uint64("seq", m.Sequence()).Msg("Acknowledge failed")
	}
}

// DrainJournal pushes journaled telemetry back through the session. It
// stops at the first failure; remaining entries stay journaled.
func (b *Bridge) DrainJournal(batch int) error {
	if b.jrnl == nil {
		return nil
	}
	entries, err := b.jrnl.Pending(batch)
	if err != nil {
		return err
	}
	for _, e := range entries {
		status, err := b.sess.SendMessage(transport.NewTelemetry(e.Payload))
		if status == transport.StatusBadFormat {
			// The hub will never accept this entry; drop it.
			log.Warn().Msg("Dropping malformed journal entry")
			if err := b.jrnl.Remove(e.Key); err != nil {
				return err
			}
			continue
		}
		if err != nil || status != transport.StatusOK {
			return fmt.Errorf("drain stopped: status=%s err=%v", status, err)
		}
		if err := b.jrnl.Remove(e.Key); err != nil {
			return err
		}
	}
	if len(entries) > 0 {
		log.Info().Int("drained", len(entries)).Msg("Journal drained")
	}
	return nil
}

// RunDrainLoop drains the journal on a fixed interval until ctx is done.
func (b *Bridge) RunDrainLoop(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.sess.State() != transport.Connected {
				continue
			}
			if err := b.DrainJournal(batch); err != nil {
				log.Debug().Err(err).Msg("Journal drain incomplete")
			}
		}
	}
}
