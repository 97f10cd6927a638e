package transport

// Status is the outcome of SendMessage.
type Status int

const (
	// StatusOK means the message was handed to the transport.
	StatusOK Status = iota
	// StatusBadFormat means the message was rejected before any transport
	// interaction (nil message, or empty telemetry payload).
	StatusBadFormat
	// StatusError means a channel or transport failure occurred; the caller
	// owns the retry.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadFormat:
		return "bad-format"
	case StatusError:
		return "error"
	default:
		return "invalid"
	}
}

// Disposition is the acknowledgment outcome requested by the application.
// MQTT only supports a single positive acknowledgment, so all values are
// treated identically; the type exists to keep the Acknowledge signature
// compatible with transports that distinguish them.
type Disposition int

const (
	DispositionComplete Disposition = iota
	DispositionAbandon
	DispositionReject
)
