package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// PahoClient adapts the Eclipse Paho MQTT client to the Client interface.
//
// The session manager owns reconnection, so Paho's auto-reconnect and
// connect-retry machinery are disabled. A fresh underlying Paho client is
// built for every connect attempt: the broker host and the token both
// change between attempts, and Paho fixes them at client construction.
//
// Inbound publishes are enqueued on a bounded channel and delivered
// synchronously by Loop, which keeps dispatch on the goroutine that drives
// the session tick.
type PahoClient struct {
	mu sync.Mutex

	opts Options

	// Underlying client for the current/most recent attempt.
	client paho.Client

	// Bounded inbound queue, capacity opts.BufferSize.
	inbound chan inboundMessage

	handler MessageHandler

	lastError  ErrorCode
	lastReturn ConnectCode

	// Count of inbound messages dropped due to a full queue.
	dropped uint64

	closed bool
}

type inboundMessage struct {
	topic   string
	payload []byte
}

// NewPahoClient creates an unconnected client with the given options.
func NewPahoClient(opts Options) (*PahoClient, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &PahoClient{
		opts:       opts,
		inbound:    make(chan inboundMessage, opts.BufferSize),
		lastReturn: ConnectUnknown,
	}, nil
}

// NewClient is the Factory for production use.
func NewClient(opts Options) (Client, error) {
	return NewPahoClient(opts)
}

// Connect builds a fresh underlying client for the endpoint and
// credentials and attempts the connection. Bounded by ctx and the
// configured operation timeout.
func (c *PahoClient) Connect(ctx context.Context, ep Endpoint, creds Credentials) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.client != nil && c.client.IsConnectionOpen() {
		c.client.Disconnect(uint(c.opts.Timeout.Milliseconds()))
	}

	copts := paho.NewClientOptions().
		AddBroker(ep.URL(c.opts.Insecure)).
		SetClientID(creds.ClientID).
		SetUsername(creds.Username).
		SetPassword(creds.Token).
		SetCleanSession(!creds.SkipCleanSession).
		SetKeepAlive(c.opts.KeepAlive).
		SetConnectTimeout(c.opts.Timeout).
		SetWriteTimeout(c.opts.Timeout).
		SetPingTimeout(c.opts.Timeout).
		SetAutoReconnect(false). // the session owns reconnection
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetDefaultPublishHandler(c.enqueue).
		SetConnectionLostHandler(c.connectionLost)
	if c.opts.TLSConfig != nil {
		copts.SetTLSConfig(c.opts.TLSConfig)
	}

	client := paho.NewClient(copts)
	c.client = client
	timeout := c.opts.Timeout
	c.mu.Unlock()

	err := waitToken(ctx, client.Connect(), timeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastReturn = connectCodeFromError(err)
		switch {
		case c.lastReturn != ConnectUnknown:
			c.lastError = ErrorConnectionDenied
			return fmt.Errorf("mqtt: connect %s: %w: %s", ep.Addr(), ErrConnectDenied, c.lastReturn)
		case errors.Is(err, ErrTimeout):
			c.lastError = ErrorTimeout
			return fmt.Errorf("mqtt: connect %s: %w", ep.Addr(), err)
		default:
			c.lastError = ErrorConnectFailed
			return fmt.Errorf("mqtt: connect %s: %w", ep.Addr(), err)
		}
	}
	c.lastReturn = ConnectAccepted
	c.lastError = ErrorNone
	return nil
}

// Disconnect closes the current connection, waiting up to the operation
// timeout for in-flight work to complete.
func (c *PahoClient) Disconnect() {
	c.mu.Lock()
	client := c.client
	quiesce := uint(c.opts.Timeout.Milliseconds())
	c.mu.Unlock()

	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(quiesce)
	}
}

// Connected reports whether the connection is currently open.
func (c *PahoClient) Connected() bool {
	c.mu.Lock()
	client := c.client
	closed := c.closed
	c.mu.Unlock()

	if closed || client == nil {
		return false
	}
	return client.IsConnectionOpen()
}

// Publish sends a message, blocking up to the operation timeout.
func (c *PahoClient) Publish(topic string, payload []byte, qos QoS, retain bool) error {
	c.mu.Lock()
	client := c.client
	timeout := c.opts.Timeout
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	if err := waitToken(nil, client.Publish(topic, byte(qos), retain, payload), timeout); err != nil {
		c.record(errorCodeFor(err, ErrorWriteFailed))
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a topic filter, blocking up to the operation timeout.
// Messages for the filter are delivered through the inbound queue.
func (c *PahoClient) Subscribe(topic string, qos QoS) error {
	c.mu.Lock()
	client := c.client
	timeout := c.opts.Timeout
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	if err := waitToken(nil, client.Subscribe(topic, byte(qos), nil), timeout); err != nil {
		c.record(errorCodeFor(err, ErrorSubscribeFailed))
		return fmt.Errorf("mqtt: subscribe %s: %w: %v", topic, ErrSubscribeDenied, err)
	}
	return nil
}

// Loop drains the inbound queue, invoking the registered handler for each
// message on the calling goroutine. Returns once the queue is empty.
func (c *PahoClient) Loop() {
	for {
		select {
		case m := <-c.inbound:
			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler != nil {
				handler(m.topic, m.payload)
			}
		default:
			return
		}
	}
}

// SetMessageHandler registers the sink for inbound messages.
func (c *PahoClient) SetMessageHandler(fn MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// ReturnCode reports the broker's verdict on the most recent connect
// attempt.
func (c *PahoClient) ReturnCode() ConnectCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReturn
}

// LastError reports the most recent protocol operation failure code.
func (c *PahoClient) LastError() ErrorCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Dropped returns the number of inbound messages discarded because the
// queue was full.
func (c *PahoClient) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close disconnects and releases the client. Idempotent.
func (c *PahoClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	client := c.client
	c.client = nil
	quiesce := uint(c.opts.Timeout.Milliseconds())
	c.mu.Unlock()

	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(quiesce)
	}
}

// enqueue is the Paho-side message callback. When the queue is full the
// oldest unread message is dropped so the newest is retained.
func (c *PahoClient) enqueue(_ paho.Client, msg paho.Message) {
	m := inboundMessage{topic: msg.Topic(), payload: msg.Payload()}
	for {
		select {
		case c.inbound <- m:
			return
		default:
		}
		select {
		case <-c.inbound:
			c.mu.Lock()
			c.dropped++
			c.lastError = ErrorBufferTooShort
			c.mu.Unlock()
		default:
		}
	}
}

// connectionLost is the Paho-side loss callback.
func (c *PahoClient) connectionLost(_ paho.Client, _ error) {
	c.record(ErrorConnectionLost)
}

func (c *PahoClient) record(code ErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = code
}

// waitToken waits for a Paho token to resolve, bounded by the timeout and,
// when non-nil, the context. Returns ErrTimeout on deadline expiry.
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}

	select {
	case <-done:
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	case <-token.Done():
		return token.Error()
	}
}

// errorCodeFor maps an operation error to its failure code, keeping
// timeouts distinct from the operation's own failure class.
func errorCodeFor(err error, fallback ErrorCode) ErrorCode {
	if errors.Is(err, ErrTimeout) {
		return ErrorTimeout
	}
	return fallback
}

// connectCodeFromError maps Paho's CONNACK sentinel errors to ConnectCode.
func connectCodeFromError(err error) ConnectCode {
	switch {
	case err == nil:
		return ConnectAccepted
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		return ConnectBadProtocol
	case errors.Is(err, packets.ErrorRefusedIDRejected):
		return ConnectIdentifierRejected
	case errors.Is(err, packets.ErrorRefusedServerUnavailable):
		return ConnectServerUnavailable
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return ConnectBadCredentials
	case errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return ConnectNotAuthorized
	default:
		return ConnectUnknown
	}
}

// Compile-time interface satisfaction check.
var _ Client = (*PahoClient)(nil)
