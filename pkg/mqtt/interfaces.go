package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"time"
)

// Protocol client errors.
var (
	ErrNotConnected    = errors.New("mqtt: not connected")
	ErrTimeout         = errors.New("mqtt: operation timed out")
	ErrConnectDenied   = errors.New("mqtt: connection denied by broker")
	ErrSubscribeDenied = errors.New("mqtt: subscription denied by broker")
	ErrClosed          = errors.New("mqtt: client closed")
	ErrInvalidOptions  = errors.New("mqtt: invalid options")
)

// MessageHandler receives inbound messages. Handlers run synchronously on
// the goroutine that drives Loop.
type MessageHandler func(topic string, payload []byte)

// Credentials carries the per-attempt connect parameters. The broker
// authenticates on the token in the password slot; Username is a
// placeholder the platform ignores.
type Credentials struct {
	// ClientID is the full registry path of the device.
	ClientID string

	// Username is ignored by the platform; connect with "unused".
	Username string

	// Token is the short-lived credential placed in the password slot.
	Token string

	// SkipCleanSession requests resumption of broker-side session state
	// instead of a clean session.
	SkipCleanSession bool
}

// Client is the protocol surface the session manager drives. Implemented
// by PahoClient; tests substitute scripted fakes.
type Client interface {
	// Connect establishes a connection to the endpoint. Blocking, bounded
	// by the configured operation timeout and ctx.
	Connect(ctx context.Context, ep Endpoint, creds Credentials) error

	// Disconnect closes the connection. Safe to call when not connected.
	Disconnect()

	// Connected reports whether the connection is currently live.
	Connected() bool

	// Publish sends a message. Blocking, bounded by the operation timeout.
	Publish(topic string, payload []byte, qos QoS, retain bool) error

	// Subscribe registers a topic filter with the broker. Inbound messages
	// are queued and delivered via Loop.
	Subscribe(topic string, qos QoS) error

	// Loop drains queued inbound messages, invoking the registered handler
	// for each on the calling goroutine. Keep-alive runs independently.
	Loop()

	// SetMessageHandler registers the sink for inbound messages.
	SetMessageHandler(fn MessageHandler)

	// ReturnCode reports the broker's verdict on the most recent connect
	// attempt.
	ReturnCode() ConnectCode

	// LastError reports the most recent protocol operation failure code.
	LastError() ErrorCode

	// Close releases the client's resources. Idempotent; the client is
	// unusable afterwards.
	Close()
}

// Options configures client construction.
type Options struct {
	// BufferSize is the inbound message queue capacity. When the queue is
	// full the oldest unread message is dropped.
	BufferSize int

	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration

	// Timeout bounds each blocking protocol operation.
	Timeout time.Duration

	// TLSConfig configures transport security. Nil uses the system roots.
	TLSConfig *tls.Config

	// Insecure disables TLS entirely (plain TCP). Test brokers only.
	Insecure bool
}

// DefaultOptions returns the platform defaults: a 512-message inbound
// queue, 180 second keep-alive, and a 1 second operation timeout.
func DefaultOptions() Options {
	return Options{
		BufferSize: DefaultBufferSize,
		KeepAlive:  DefaultKeepAlive,
		Timeout:    DefaultTimeout,
	}
}

// Default protocol client settings.
const (
	// DefaultBufferSize is the default inbound queue capacity.
	DefaultBufferSize = 512

	// DefaultKeepAlive is the default MQTT keep-alive interval.
	DefaultKeepAlive = 180 * time.Second

	// DefaultTimeout is the default per-operation timeout.
	DefaultTimeout = 1000 * time.Millisecond
)

// Validate checks the options and fills zero values with defaults.
func (o *Options) Validate() error {
	if o.BufferSize < 0 || o.KeepAlive < 0 || o.Timeout < 0 {
		return ErrInvalidOptions
	}
	if o.BufferSize == 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.KeepAlive == 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	return nil
}

// Factory constructs a protocol client. The session manager owns the
// client lifecycle; tests inject factories returning fakes.
type Factory func(opts Options) (Client, error)
