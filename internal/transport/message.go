package transport

// MessageKind identifies the logical channel a message belongs to.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindTelemetry
	KindTwin
	KindMethods
	KindControlAuth
)

// String returns the kind name used in logs and bus subjects.
func (k MessageKind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindTwin:
		return "twin"
	case KindMethods:
		return "methods"
	case KindControlAuth:
		return "control-auth"
	default:
		return "unknown"
	}
}

// TwinOperation selects the hub request an outbound twin message performs.
type TwinOperation int

const (
	TwinUpdateReported TwinOperation = iota
	TwinGet
)

// MessageCallback is invoked by the application layer when a delivered
// message is consumed. The context value is the one registered for the
// message's kind in the session configuration.
type MessageCallback func(msg *Message, ctx any)

// Message is a single unit of traffic on one of the logical channels.
//
// Inbound messages carry an arrival sequence number assigned by the session;
// it is the stable identity used to correlate a later Acknowledge call.
// Outbound messages leave it zero.
type Message struct {
	Kind    MessageKind
	Payload []byte

	// MethodName and RequestID are set on inbound direct method calls and
	// must be echoed on the response. Status is the response code of an
	// outbound method response.
	MethodName string
	RequestID  string
	Status     int

	// TwinOp selects the twin request for outbound KindTwin messages.
	TwinOp TwinOperation

	// Version is the desired-properties version of an inbound twin patch.
	Version int

	Callback        MessageCallback
	CallbackContext any

	seq uint64
}

// Sequence returns the arrival identity of an inbound message, or zero if
// the message was not delivered through a session.
func (m *Message) Sequence() uint64 {
	return m.seq
}

// NewTelemetry builds an outbound telemetry message.
func NewTelemetry(payload []byte) *Message {
	return &Message{Kind: KindTelemetry, Payload: payload}
}

// NewMethodResponse builds the response to a direct method call previously
// delivered with the given request id.
func NewMethodResponse(requestID string, status int, payload []byte) *Message {
	return &Message{
		Kind:      KindMethods,
		RequestID: requestID,
		Status:    status,
		Payload:   payload,
	}
}

// NewTwinRequest builds an outbound twin message. For TwinUpdateReported the
// payload is the reported-properties patch; for TwinGet it is ignored.
func NewTwinRequest(op TwinOperation, payload []byte) *Message {
	return &Message{Kind: KindTwin, TwinOp: op, Payload: payload}
}
