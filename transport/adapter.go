package transport

import "errors"

// ErrTransportClosed is returned when you try to send on a closed transport.
// Named errors like this let callers check the exact cause with errors.Is()
// instead of comparing raw strings.
var ErrTransportClosed = errors.New("transport closed")

// Kind is the out-of-band discriminator carried with every message.
// The transport encodes it outside the payload bytes (websocket frame type,
// TCP frame header), so payload content can never be mistaken for control.
type Kind uint8

const (
	KindData    Kind = iota // opaque tunnel bytes, never inspected
	KindControl             // small JSON envelope, see package control
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// Message is what flows through a transport.
// The transport does not interpret the payload, it only moves it along
// with its Kind.
type Message struct {
	Kind    Kind
	Payload []byte
}

// DisconnectReason tells the owner why a transport closed.
type DisconnectReason int

const (
	ReasonUnknown      DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                         // underlying connection failed
	ReasonTimeout                              // no activity within deadline
	ReasonClosedClean                          // graceful shutdown by either side
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed_clean"
	default:
		return "unknown"
	}
}

// DisconnectEvent is sent on the channel returned by Disconnected().
type DisconnectEvent struct {
	Reason DisconnectReason
	Err    error // nil on clean close
}

// Adapter is the contract every transport must satisfy.
// Sessions and endpoints only ever talk to this interface.
type Adapter interface {
	// Send delivers a message to the remote side.
	// Returns ErrTransportClosed if the transport is no longer active.
	Send(msg Message) error

	// Receive returns a channel that emits incoming messages.
	// The channel is closed when the transport closes.
	Receive() <-chan Message

	// Disconnected returns a channel that emits exactly one DisconnectEvent
	// when the transport closes, for any reason.
	Disconnected() <-chan DisconnectEvent

	// Close shuts down the transport.
	// Safe to call multiple times, subsequent calls are no-ops.
	Close() error
}
