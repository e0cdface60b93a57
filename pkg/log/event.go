package log

import "time"

// MaxCapturedPayload bounds how many payload bytes an event carries.
// Larger payloads are truncated before capture.
const MaxCapturedPayload = 1024

// Event represents a session log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the connect attempt (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// DeviceID is the short device name.
	DeviceID string `cbor:"6,keyasint,omitempty"`

	// Broker is the broker address (host:port).
	Broker string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Message     *MessageEvent     `cbor:"8,keyasint,omitempty"`  // Application publishes and receives
	Control     *ControlEvent     `cbor:"9,keyasint,omitempty"`  // Subscribe/disconnect traffic
	StateChange *StateChangeEvent `cbor:"10,keyasint,omitempty"` // Session state transitions
	Auth        *AuthEvent        `cbor:"11,keyasint,omitempty"` // Token lifecycle
	Error       *ErrorEventData   `cbor:"12,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerSession is the session management layer (state, auth, backoff).
	LayerSession Layer = 0
	// LayerProtocol is the MQTT protocol layer (publishes, subscribes).
	LayerProtocol Layer = 1
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerSession:
		return "SESSION"
	case LayerProtocol:
		return "PROTOCOL"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates an application message (telemetry/state/inbound).
	CategoryMessage Category = 0
	// CategoryControl indicates control traffic (subscribe/disconnect).
	CategoryControl Category = 1
	// CategoryState indicates a session state change.
	CategoryState Category = 2
	// CategoryAuth indicates a token lifecycle event.
	CategoryAuth Category = 3
	// CategoryError indicates an error event.
	CategoryError Category = 4
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryAuth:
		return "AUTH"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MessageEvent captures an application message publish or receive.
type MessageEvent struct {
	// Topic the message was sent to or arrived on.
	Topic string `cbor:"1,keyasint"`

	// QoS is the delivery quality level.
	QoS uint8 `cbor:"2,keyasint"`

	// Size is the full payload size in bytes.
	Size int `cbor:"3,keyasint"`

	// Payload is the message body (may be truncated for large payloads).
	Payload []byte `cbor:"4,keyasint,omitempty"`

	// Truncated indicates if Payload was truncated.
	Truncated bool `cbor:"5,keyasint,omitempty"`
}

// NewMessageEvent builds a MessageEvent for topic and payload, truncating
// the captured payload to MaxCapturedPayload bytes.
func NewMessageEvent(topic string, payload []byte, qos uint8) *MessageEvent {
	ev := &MessageEvent{
		Topic: topic,
		QoS:   qos,
		Size:  len(payload),
	}
	if len(payload) > MaxCapturedPayload {
		ev.Payload = append([]byte(nil), payload[:MaxCapturedPayload]...)
		ev.Truncated = true
	} else if len(payload) > 0 {
		ev.Payload = append([]byte(nil), payload...)
	}
	return ev
}

// ControlEvent captures subscription and disconnect control traffic.
type ControlEvent struct {
	// Type of control operation.
	Type ControlType `cbor:"1,keyasint"`

	// Topic for subscribe operations.
	Topic string `cbor:"2,keyasint,omitempty"`

	// QoS requested for subscribe operations.
	QoS uint8 `cbor:"3,keyasint,omitempty"`
}

// ControlType indicates the type of control operation.
type ControlType uint8

const (
	// ControlSubscribe indicates a topic subscription.
	ControlSubscribe ControlType = 0
	// ControlUnsubscribe indicates a topic unsubscription.
	ControlUnsubscribe ControlType = 1
	// ControlDisconnect indicates a deliberate disconnect.
	ControlDisconnect ControlType = 2
)

// String returns the control type name.
func (c ControlType) String() string {
	switch c {
	case ControlSubscribe:
		return "SUBSCRIBE"
	case ControlUnsubscribe:
		return "UNSUBSCRIBE"
	case ControlDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures session lifecycle transitions.
type StateChangeEvent struct {
	// OldState is the previous state (may be empty).
	OldState string `cbor:"1,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"2,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"3,keyasint,omitempty"`
}

// AuthEvent captures token lifecycle operations.
type AuthEvent struct {
	// Type of auth operation.
	Type AuthType `cbor:"1,keyasint"`

	// ExpiresAt is the expiry of the token after the operation.
	ExpiresAt time.Time `cbor:"2,keyasint,omitempty"`

	// Reason describes what prompted the operation.
	Reason string `cbor:"3,keyasint,omitempty"`
}

// AuthType indicates the type of token operation.
type AuthType uint8

const (
	// AuthRefresh is a proactive regeneration ahead of expiry.
	AuthRefresh AuthType = 0
	// AuthRetry is a regeneration forced by a broker auth rejection.
	AuthRetry AuthType = 1
)

// String returns the auth type name.
func (a AuthType) String() string {
	switch a {
	case AuthRefresh:
		return "REFRESH"
	case AuthRetry:
		return "RETRY"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the protocol error code (if applicable).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
